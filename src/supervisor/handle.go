package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hlskeeper/hlskeeper/src/pkg/transcoder"
	"github.com/hlskeeper/hlskeeper/src/pkg/utils"
)

type phase int32

const (
	phaseStarting phase = iota
	phaseActive
)

func (p phase) String() string {
	if p == phaseActive {
		return "active"
	}
	return "starting"
}

// handle 一个正在监管的 ffmpeg 进程，只在登记期间有效
type handle struct {
	streamID  string
	sourceURI string
	proc      process
	pid       int
	manifest  string
	startTime time.Time
	logger    *logrus.Entry

	// 注销时取消，健康检查与宽限期探测随之停止
	ctx    context.Context
	cancel context.CancelFunc
	grace  atomic.Pointer[time.Timer]

	// transitions 串行化本进程的状态迁移及其持久化
	transitions sync.Mutex
	phase       atomic.Int32
	checking    atomic.Bool
	// stdout/stderr 消费协程
	output sync.WaitGroup

	statsMu    sync.RWMutex
	stats      transcoder.Stats
	resolution string

	tail      *utils.RingBuffer
	stderrLog *utils.FilteredLineWriter
}

func newHandle(streamID, sourceURI string, proc process, startTime time.Time, logger *logrus.Entry, tailSize int) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		streamID:  streamID,
		sourceURI: sourceURI,
		proc:      proc,
		pid:       proc.PID(),
		manifest:  proc.ManifestPath(),
		startTime: startTime,
		logger:    logger.WithField("pid", proc.PID()),
		ctx:       ctx,
		cancel:    cancel,
		tail:      utils.NewRingBuffer(tailSize),
	}
	h.phase.Store(int32(phaseStarting))
	// 只把含 error 的行提升为 Error 日志
	h.stderrLog = utils.NewLoggerWriter(h.logger, "error")
	return h
}

func (h *handle) currentPhase() phase {
	return phase(h.phase.Load())
}

func (h *handle) promote() bool {
	return h.phase.CompareAndSwap(int32(phaseStarting), int32(phaseActive))
}

// stopTimers 停止健康检查与宽限期探测
func (h *handle) stopTimers() {
	h.cancel()
	if t := h.grace.Load(); t != nil {
		t.Stop()
	}
}

func (h *handle) uptime(now time.Time) time.Duration {
	if d := now.Sub(h.startTime); d > 0 {
		return d
	}
	return 0
}

func (h *handle) uptimeSeconds(now time.Time) int64 {
	return int64(h.uptime(now).Seconds())
}

func (h *handle) lastStats() transcoder.Stats {
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()
	return h.stats
}

func (h *handle) consumeStdout() {
	defer h.output.Done()
	for line := range h.proc.Stdout() {
		h.logger.Debug(line)
	}
}

// consumeStderr 保留输出尾部、解析进度、把错误行写入日志
func (h *handle) consumeStderr() {
	defer h.output.Done()
	for line := range h.proc.Stderr() {
		_, _ = h.tail.WriteString(line + "\n")
		if s := transcoder.ParseStats(line); !s.IsEmpty() {
			h.statsMu.Lock()
			h.stats = h.stats.Merge(s)
			h.statsMu.Unlock()
		}
		h.stderrLog.WriteLine(line)
	}
	h.stderrLog.Flush()
}
