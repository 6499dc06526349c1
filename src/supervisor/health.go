package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hlskeeper/hlskeeper/src/metrics"
	hksentry "github.com/hlskeeper/hlskeeper/src/pkg/sentry"
	"github.com/hlskeeper/hlskeeper/src/pkg/transcoder"
	"github.com/hlskeeper/hlskeeper/src/streamstore"
)

type checkResult string

const (
	checkHealthy        checkResult = "healthy"
	checkDegraded       checkResult = "degraded"
	checkDead           checkResult = "dead"
	checkStartupTimeout checkResult = "startup_timeout"
	checkSkipped        checkResult = "skipped"
)

// healthLoop 周期检查，同一进程的检查不会重叠
func (m *manager) healthLoop(h *handle) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	timeout := m.opts.HealthInterval / 2

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
		if !h.checking.CompareAndSwap(false, true) {
			h.logger.Debug("上一轮健康检查尚未结束，跳过")
			continue
		}
		checkCtx, cancel := context.WithTimeout(h.ctx, timeout)
		done := make(chan struct{})
		hksentry.Go(func() {
			defer close(done)
			defer h.checking.Store(false)
			m.checkHealth(checkCtx, h)
		})
		select {
		case <-done:
		case <-checkCtx.Done():
			if h.ctx.Err() == nil {
				h.logger.Warnf("健康检查超过 %s 仍未完成", timeout)
			}
		}
		cancel()
	}
}

func (m *manager) checkHealth(ctx context.Context, h *handle) (result checkResult) {
	begin := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("健康检查异常")
			result = checkSkipped
		}
		metrics.HealthChecks.WithLabelValues(string(result)).Inc()
		metrics.HealthCheckDuration.Observe(time.Since(begin).Seconds())
	}()

	if ctx.Err() != nil || !m.isCurrent(h) {
		return checkSkipped
	}
	if !m.prober.Alive(h.pid) {
		if m.failProcess(h, streamstore.ErrorCrash, "process is no longer running") {
			return checkDead
		}
		return checkSkipped
	}

	now := m.now()
	uptime := h.uptime(now)
	stats := h.lastStats()

	info, err := os.Stat(h.manifest)
	if err != nil && !os.IsNotExist(err) {
		h.logger.WithError(err).Warn("读取播放列表状态失败")
		return checkSkipped
	}
	if err != nil {
		if h.currentPhase() == phaseStarting && uptime > m.opts.StartupTimeout {
			msg := fmt.Sprintf("manifest not produced within startup timeout %s", m.opts.StartupTimeout)
			if m.failProcess(h, streamstore.ErrorStartupFailed, msg) {
				return checkStartupTimeout
			}
			return checkSkipped
		}
		m.recordDegraded(h, stats, now, "播放列表尚未生成")
		return checkDegraded
	}
	if age := now.Sub(info.ModTime()); age > m.opts.StaleThreshold {
		m.recordDegraded(h, stats, now, fmt.Sprintf("播放列表已 %s 未更新", age.Truncate(time.Second)))
		return checkDegraded
	}

	if h.currentPhase() == phaseStarting {
		m.promote(h)
	}
	up := int64(uptime.Seconds())
	m.appendHealth(h.logger, &streamstore.HealthLog{
		StreamID:      h.streamID,
		Timestamp:     now,
		Status:        streamstore.HealthHealthy,
		Bitrate:       stats.Bitrate,
		FPS:           stats.FPS,
		UptimeSeconds: up,
	})
	upd := streamstore.RuntimeUpdate{
		UptimeSeconds:   &up,
		LastHealthCheck: &now,
		Bitrate:         stats.Bitrate,
		FPS:             stats.FPS,
	}
	if res := m.resolutionOf(h, stats); res != "" {
		upd.Resolution = &res
	}
	m.updateRuntime(h.logger, h.streamID, upd)
	return checkHealthy
}

func (m *manager) recordDegraded(h *handle, stats transcoder.Stats, now time.Time, reason string) {
	h.logger.Warn(reason)
	m.appendHealth(h.logger, &streamstore.HealthLog{
		StreamID:      h.streamID,
		Timestamp:     now,
		Status:        streamstore.HealthDegraded,
		Bitrate:       stats.Bitrate,
		FPS:           stats.FPS,
		UptimeSeconds: h.uptimeSeconds(now),
	})
}

// failProcess 进程死亡或启动超时：注销、结束进程并记录失败
// 返回 false 表示已被其他路径处理
func (m *manager) failProcess(h *handle, typ streamstore.ErrorType, msg string) bool {
	h.transitions.Lock()
	defer h.transitions.Unlock()
	if !m.deregister(h) {
		return false
	}
	if err := h.proc.Terminate(m.opts.KillTimeout); err != nil {
		h.logger.WithError(err).Warn("结束进程失败")
	}
	now := m.now()
	h.logger.Error(msg)
	m.recordFailure(h, typ, msg, now, h.uptimeSeconds(now))
	return true
}

// resolutionOf 优先使用分段中 SPS 的分辨率，解析一次后缓存
func (m *manager) resolutionOf(h *handle, stats transcoder.Stats) string {
	h.statsMu.RLock()
	res := h.resolution
	h.statsMu.RUnlock()
	if res != "" {
		return res
	}
	info, err := m.probe(h.manifest)
	if err != nil {
		h.logger.WithError(err).Debug("从分段解析分辨率失败")
		return stats.Resolution
	}
	if res = info.Resolution(); res == "" {
		return stats.Resolution
	}
	h.statsMu.Lock()
	h.resolution = res
	h.statsMu.Unlock()
	return res
}
