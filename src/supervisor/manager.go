// Package supervisor 负责 ffmpeg 进程的启动、停止、重启与健康监控
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hlskeeper/hlskeeper/src/instance"
	"github.com/hlskeeper/hlskeeper/src/interfaces"
	"github.com/hlskeeper/hlskeeper/src/metrics"
	hksentry "github.com/hlskeeper/hlskeeper/src/pkg/sentry"
	"github.com/hlskeeper/hlskeeper/src/pkg/segprobe"
	"github.com/hlskeeper/hlskeeper/src/pkg/streamlogger"
	"github.com/hlskeeper/hlskeeper/src/pkg/transcoder"
	"github.com/hlskeeper/hlskeeper/src/streamstore"
)

const storeTimeout = 5 * time.Second

// Manager 进程监管器
type Manager interface {
	interfaces.Module
	StartStream(ctx context.Context, streamID, sourceURI string) (Result, error)
	StopStream(ctx context.Context, streamID string) (Result, error)
	RestartStream(ctx context.Context, streamID string) (Result, error)
	// SwitchSource 运行中的流改用新地址重启；未运行时返回 not_running，地址未变返回 already_running
	SwitchSource(ctx context.Context, streamID, sourceURI string) (Result, error)
	// DeleteStream 停止进程后删除流记录与输出目录
	DeleteStream(ctx context.Context, streamID string) error
	GetHealth(ctx context.Context, streamID string) (*HealthReport, error)
	ListActiveProcesses() []ProcessInfo
	IsRunning(streamID string) bool
	RecoverFromCrash(ctx context.Context) error
	StreamLogs(streamID string, n int) []string
}

// Deps 监管器依赖，Notifier 与 Loggers 可以为 nil
type Deps struct {
	Store    streamstore.Store
	Dirs     DirPreparer
	Launcher *transcoder.Launcher
	Prober   Prober
	Notifier Notifier
	Loggers  *streamlogger.Registry
}

type manager struct {
	store    streamstore.Store
	dirs     DirPreparer
	launcher launcher
	prober   Prober
	notifier Notifier
	loggers  *streamlogger.Registry
	opts     Options
	now      func() time.Time
	probe    func(manifestPath string) (*segprobe.Info, error)

	mu      sync.RWMutex
	handles map[string]*handle
	closed  bool

	opLocks *keyedMutex
	// 退出监听协程
	wg   sync.WaitGroup
	inst atomic.Pointer[instance.Instance]
}

func NewManager(ctx context.Context, deps Deps, opts Options) Manager {
	m := newManager(deps.Store, deps.Dirs, transcoderLauncher{l: deps.Launcher}, deps.Prober, opts)
	m.notifier = deps.Notifier
	if deps.Loggers != nil {
		m.loggers = deps.Loggers
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.Supervisor = m
	}
	return m
}

func newManager(store streamstore.Store, dirs DirPreparer, l launcher, prober Prober, opts Options) *manager {
	return &manager{
		store:    store,
		dirs:     dirs,
		launcher: l,
		prober:   prober,
		loggers:  streamlogger.NewRegistry(streamlogger.DefaultBufferSize),
		opts:     opts,
		now:      time.Now,
		probe:    segprobe.Probe,
		handles:  make(map[string]*handle),
		opLocks:  newKeyedMutex(),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.WaitGroup.Add(1)
		m.inst.Store(inst)
	}
	if err := m.RecoverFromCrash(ctx); err != nil {
		logrus.WithError(err).Warn("崩溃恢复失败，部分流的状态可能不准确")
	}
	logrus.Info("进程监管器已启动")
	return nil
}

// Close 停止所有进程并等待退出，进程不会比本服务活得更久
func (m *manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	logrus.Infof("正在停止 %d 个 ffmpeg 进程", len(handles))
	for _, h := range handles {
		unlock := m.opLocks.lock(h.streamID)
		m.stopHandle(h)
		unlock()
	}

	deadline := time.NewTimer(m.opts.KillTimeout + 2*time.Second)
	defer deadline.Stop()
	for _, h := range handles {
		select {
		case <-h.proc.Done():
		case <-deadline.C:
			logrus.Warn("等待 ffmpeg 进程退出超时")
			m.finishClose()
			return
		}
	}
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-deadline.C:
		logrus.Warn("等待退出处理完成超时")
	}
	m.finishClose()
}

func (m *manager) finishClose() {
	if inst := m.inst.Load(); inst != nil {
		inst.WaitGroup.Done()
	}
	logrus.Info("进程监管器已停止")
}

// RecoverFromCrash 把上次异常退出时遗留为 starting/active 的流重置为 inactive
func (m *manager) RecoverFromCrash(ctx context.Context) error {
	streams, err := m.store.ListStreamsByStatus(ctx, streamstore.StatusStarting, streamstore.StatusActive)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if m.IsRunning(s.ID) {
			continue
		}
		err := m.store.UpdateRuntime(ctx, s.ID, streamstore.RuntimeUpdate{
			Status:    ptr(streamstore.StatusInactive),
			ProcessID: ptr(0),
		})
		if err != nil {
			logrus.WithError(err).WithField("stream_id", s.ID).Warn("重置遗留状态失败")
			continue
		}
		logrus.WithField("stream_id", s.ID).Infof("遗留状态 %s 已重置为 inactive", s.Status)
	}
	return nil
}

func (m *manager) StartStream(ctx context.Context, streamID, sourceURI string) (Result, error) {
	unlock := m.opLocks.lock(streamID)
	defer unlock()
	return m.startLocked(ctx, streamID, sourceURI)
}

func (m *manager) startLocked(ctx context.Context, streamID, sourceURI string) (Result, error) {
	if m.isClosed() {
		return "", ErrManagerClosed
	}
	if m.lookup(streamID) != nil {
		return ResultAlreadyRunning, nil
	}
	logger := m.loggers.Get(streamID).Entry

	dir, err := m.dirs.Prepare(streamID)
	if err != nil {
		logger.WithError(err).Error("准备输出目录失败")
		metrics.ProcessStarts.WithLabelValues(metrics.StartDirError).Inc()
		m.appendError(logger, streamID, streamstore.ErrorStartupFailed, err.Error(), "")
		return "", fmt.Errorf("prepare output directory: %w", err)
	}

	startTime := m.now()
	m.updateRuntime(logger, streamID, streamstore.RuntimeUpdate{
		Status:       ptr(streamstore.StatusStarting),
		ErrorMessage: ptr(""),
		StartTime:    &startTime,
		ProcessID:    ptr(0),
	})

	proc, err := m.launcher.Launch(ctx, streamID, sourceURI, dir)
	if err != nil {
		logger.WithError(err).Error("启动 ffmpeg 失败")
		metrics.ProcessStarts.WithLabelValues(metrics.StartSpawnErr).Inc()
		m.appendError(logger, streamID, streamstore.ErrorStartupFailed, hksentry.RedactCredentials(err.Error()), "")
		return "", fmt.Errorf("launch ffmpeg: %w", err)
	}

	h := newHandle(streamID, sourceURI, proc, startTime, logger, m.opts.StderrTailSize)
	if !m.register(h) {
		// 启动过程中开始关闭
		_ = proc.Terminate(m.opts.KillTimeout)
		h.stopTimers()
		m.updateRuntime(logger, streamID, streamstore.RuntimeUpdate{
			Status:    ptr(streamstore.StatusInactive),
			ProcessID: ptr(0),
		})
		return "", ErrManagerClosed
	}
	metrics.ProcessStarts.WithLabelValues(metrics.StartStarted).Inc()
	m.updateRuntime(h.logger, streamID, streamstore.RuntimeUpdate{ProcessID: ptr(h.pid)})
	h.logger.Info("ffmpeg 已启动")

	h.output.Add(2)
	go h.consumeStdout()
	go h.consumeStderr()
	m.wg.Add(1)
	hksentry.Go(func() { m.watchExit(h) })
	hksentry.Go(func() { m.healthLoop(h) })
	h.grace.Store(time.AfterFunc(m.opts.StartupGrace, func() { m.graceProbe(h) }))
	return ResultStarted, nil
}

func (m *manager) StopStream(ctx context.Context, streamID string) (Result, error) {
	unlock := m.opLocks.lock(streamID)
	defer unlock()
	h := m.lookup(streamID)
	if h == nil || !m.stopHandle(h) {
		return ResultNotRunning, nil
	}
	return ResultStopped, nil
}

func (m *manager) RestartStream(ctx context.Context, streamID string) (Result, error) {
	unlock := m.opLocks.lock(streamID)
	defer unlock()
	return m.restartLocked(ctx, streamID, "")
}

func (m *manager) SwitchSource(ctx context.Context, streamID, sourceURI string) (Result, error) {
	unlock := m.opLocks.lock(streamID)
	defer unlock()
	h := m.lookup(streamID)
	if h == nil {
		return ResultNotRunning, nil
	}
	if h.sourceURI == sourceURI {
		return ResultAlreadyRunning, nil
	}
	return m.restartLocked(ctx, streamID, sourceURI)
}

// restartLocked 先等旧进程退出再启动，同一目录不会同时有两个 ffmpeg 写入。
// sourceURI 为空时沿用当前进程或存储中的地址
func (m *manager) restartLocked(ctx context.Context, streamID, sourceURI string) (Result, error) {
	if h := m.lookup(streamID); h != nil {
		if sourceURI == "" {
			sourceURI = h.sourceURI
		}
		if m.stopHandle(h) {
			m.waitExited(h)
		}
	} else if sourceURI == "" {
		stream, err := m.store.GetStream(ctx, streamID)
		if err != nil {
			return "", err
		}
		sourceURI = stream.RTSPURL
	}

	res, err := m.startLocked(ctx, streamID, sourceURI)
	if err != nil {
		return "", err
	}
	if res == ResultStarted {
		res = ResultRestarted
	}
	return res, nil
}

func (m *manager) DeleteStream(ctx context.Context, streamID string) error {
	unlock := m.opLocks.lock(streamID)
	defer unlock()
	if h := m.lookup(streamID); h != nil && m.stopHandle(h) {
		m.waitExited(h)
	}
	if err := m.store.DeleteStream(ctx, streamID); err != nil {
		return err
	}
	if err := m.dirs.Remove(streamID); err != nil {
		logrus.WithError(err).WithField("stream_id", streamID).Warn("删除输出目录失败")
	}
	m.loggers.Remove(streamID)
	return nil
}

func (m *manager) waitExited(h *handle) {
	select {
	case <-h.proc.Done():
	case <-time.After(m.opts.KillTimeout + time.Second):
		h.logger.Warn("等待 ffmpeg 退出超时")
	}
}

func (m *manager) IsRunning(streamID string) bool {
	return m.lookup(streamID) != nil
}

func (m *manager) ListActiveProcesses() []ProcessInfo {
	m.mu.RLock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	now := m.now()
	infos := make([]ProcessInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, m.processInfo(h, now))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

func (m *manager) processInfo(h *handle, now time.Time) ProcessInfo {
	return ProcessInfo{
		StreamID:      h.streamID,
		PID:           h.pid,
		StartTime:     h.startTime,
		UptimeSeconds: h.uptimeSeconds(now),
		SourceURI:     hksentry.RedactCredentials(h.sourceURI),
		LastStats:     h.lastStats(),
		Phase:         h.currentPhase().String(),
		MemoryRSS:     m.prober.RSS(h.pid),
	}
}

func (m *manager) StreamLogs(streamID string, n int) []string {
	l, ok := m.loggers.Lookup(streamID)
	if !ok {
		return []string{}
	}
	return l.GetLines(n)
}

func (m *manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *manager) lookup(streamID string) *handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handles[streamID]
}

func (m *manager) isCurrent(h *handle) bool {
	return m.lookup(h.streamID) == h
}

func (m *manager) register(h *handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.handles[h.streamID] = h
	metrics.ActiveProcesses.Set(float64(len(m.handles)))
	return true
}

// deregister 只在 h 仍是当前登记项时移除，返回是否移除
func (m *manager) deregister(h *handle) bool {
	m.mu.Lock()
	cur, ok := m.handles[h.streamID]
	removed := ok && cur == h
	if removed {
		delete(m.handles, h.streamID)
		metrics.ActiveProcesses.Set(float64(len(m.handles)))
	}
	m.mu.Unlock()
	h.stopTimers()
	return removed
}

// stopHandle 返回 false 表示 h 已被其他路径注销
func (m *manager) stopHandle(h *handle) bool {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	if !m.isCurrent(h) {
		return false
	}
	h.stopTimers()
	if err := h.proc.Terminate(m.opts.KillTimeout); err != nil {
		h.logger.WithError(err).Warn("发送终止信号失败")
	}
	m.deregister(h)
	up := h.uptimeSeconds(m.now())
	m.updateRuntime(h.logger, h.streamID, streamstore.RuntimeUpdate{
		Status:        ptr(streamstore.StatusInactive),
		UptimeSeconds: &up,
		ProcessID:     ptr(0),
	})
	h.logger.WithField("uptime", up).Info("ffmpeg 已停止")
	return true
}

func (m *manager) watchExit(h *handle) {
	defer m.wg.Done()
	status, ok := <-h.proc.Exit()
	if !ok {
		status = transcoder.ExitStatus{Code: -1, Err: fmt.Errorf("exit status unavailable")}
	}
	h.output.Wait()
	m.handleExit(h, status)
}

func (m *manager) handleExit(h *handle, status transcoder.ExitStatus) {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	if !m.deregister(h) {
		h.logger.Debugf("ffmpeg 已退出: %s", status)
		return
	}
	now := m.now()
	up := h.uptimeSeconds(now)
	if !status.Failed() {
		h.logger.Info("ffmpeg 正常退出")
		m.updateRuntime(h.logger, h.streamID, streamstore.RuntimeUpdate{
			Status:        ptr(streamstore.StatusInactive),
			UptimeSeconds: &up,
			ProcessID:     ptr(0),
		})
		return
	}

	msg := fmt.Sprintf("ffmpeg exited unexpectedly (%s)", status)
	h.logger.WithField("uptime", up).Error(msg)
	m.recordFailure(h, streamstore.ErrorCrash, msg, now, up)
}

// recordFailure 写入错误日志并把流标记为 error，调用方持有 h.transitions
func (m *manager) recordFailure(h *handle, typ streamstore.ErrorType, msg string, now time.Time, up int64) {
	m.appendError(h.logger, h.streamID, typ, msg, h.tail.String())
	m.updateRuntime(h.logger, h.streamID, streamstore.RuntimeUpdate{
		Status:         ptr(streamstore.StatusError),
		ErrorMessage:   &msg,
		LastErrorAt:    &now,
		IncrErrorCount: true,
		UptimeSeconds:  &up,
		ProcessID:      ptr(0),
	})
	metrics.ProcessCrashes.Inc()
	hksentry.CaptureStreamFailure(hksentry.StreamFailure{
		StreamID:   h.streamID,
		ErrorType:  string(typ),
		Message:    msg,
		StderrTail: hksentry.RedactCredentials(h.tail.String()),
	})
	if m.notifier != nil {
		m.notifier.Notify(context.Background(), fmt.Sprintf("流 %s 异常", h.streamID), msg)
	}
}

// graceProbe 宽限期结束时检查播放列表是否已生成
func (m *manager) graceProbe(h *handle) {
	if h.ctx.Err() != nil || !m.isCurrent(h) {
		return
	}
	if _, err := os.Stat(h.manifest); err == nil {
		m.promote(h)
		return
	}
	if h.currentPhase() != phaseStarting {
		return
	}
	msg := fmt.Sprintf("manifest not produced within %s", m.opts.StartupGrace)
	h.logger.Warn("宽限期内未生成播放列表")
	m.appendError(h.logger, h.streamID, streamstore.ErrorStartup, msg, h.tail.String())
}

// promote starting -> active，只会发生一次
func (m *manager) promote(h *handle) {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	if !m.isCurrent(h) || !h.promote() {
		return
	}
	m.updateRuntime(h.logger, h.streamID, streamstore.RuntimeUpdate{
		Status:           ptr(streamstore.StatusActive),
		IncrRestartCount: true,
	})
	h.logger.Info("播放列表已生成，流已就绪")
}

func (m *manager) updateRuntime(logger *logrus.Entry, streamID string, upd streamstore.RuntimeUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.UpdateRuntime(ctx, streamID, upd); err != nil {
		logger.WithError(err).Warn("更新运行状态失败")
	}
}

func (m *manager) appendError(logger *logrus.Entry, streamID string, typ streamstore.ErrorType, msg, trace string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := m.store.AppendErrorLog(ctx, &streamstore.ErrorLog{
		StreamID:  streamID,
		Timestamp: m.now(),
		Type:      typ,
		Message:   msg,
		Trace:     trace,
	})
	if err != nil {
		logger.WithError(err).Warn("写入错误日志失败")
	}
}

func (m *manager) appendHealth(logger *logrus.Entry, entry *streamstore.HealthLog) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.AppendHealthLog(ctx, entry); err != nil {
		logger.WithError(err).Warn("写入健康日志失败")
	}
}
