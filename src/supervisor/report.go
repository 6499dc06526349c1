package supervisor

import (
	"context"
	"math"
	"time"

	"github.com/hlskeeper/hlskeeper/src/streamstore"
)

const (
	healthWindow     = 24 * time.Hour
	healthLimit      = 100
	errorWindow      = 7 * 24 * time.Hour
	errorLimit       = 50
	recentEntryLimit = 10
)

// HealthReport 流的健康汇总。HealthLogs/ErrorLogs 为统计窗口内的完整记录，
// Recent* 为其中最新的若干条
type HealthReport struct {
	Stream           *streamstore.Stream      `json:"stream"`
	Running          bool                     `json:"running"`
	Process          *ProcessInfo             `json:"process,omitempty"`
	UptimePercentage int                      `json:"uptimePercentage"`
	TotalErrors24h   int                      `json:"totalErrors24h"`
	AverageBitrate   *float64                 `json:"averageBitrate"`
	AverageFPS       *float64                 `json:"averageFps"`
	RecentHealth     []*streamstore.HealthLog `json:"recentHealth"`
	RecentErrors     []*streamstore.ErrorLog  `json:"recentErrors"`
	HealthLogs       []*streamstore.HealthLog `json:"healthLogs"`
	ErrorLogs        []*streamstore.ErrorLog  `json:"errorLogs"`
}

func (m *manager) GetHealth(ctx context.Context, streamID string) (*HealthReport, error) {
	stream, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	health, err := m.store.ListHealthLogs(ctx, streamID, now.Add(-healthWindow), healthLimit)
	if err != nil {
		return nil, err
	}
	errs, err := m.store.ListErrorLogs(ctx, streamID, now.Add(-errorWindow), errorLimit)
	if err != nil {
		return nil, err
	}
	count, err := m.store.CountErrorLogs(ctx, streamID, now.Add(-healthWindow))
	if err != nil {
		return nil, err
	}

	r := buildHealthReport(stream, health, errs, count)
	if h := m.lookup(streamID); h != nil {
		info := m.processInfo(h, now)
		r.Running = true
		r.Process = &info
	}
	return r, nil
}

// buildHealthReport 日志按时间倒序传入
func buildHealthReport(stream *streamstore.Stream, health []*streamstore.HealthLog, errs []*streamstore.ErrorLog, errors24h int) *HealthReport {
	r := &HealthReport{
		Stream:         stream,
		TotalErrors24h: errors24h,
		RecentHealth:   head(health, recentEntryLimit),
		RecentErrors:   head(errs, recentEntryLimit),
		HealthLogs:     head(health, healthLimit),
		ErrorLogs:      head(errs, errorLimit),
	}

	var (
		healthy            int
		bitrateSum, fpsSum float64
		bitrateCnt, fpsCnt int
	)
	for _, e := range health {
		if e.Status == streamstore.HealthHealthy {
			healthy++
		}
		if e.Bitrate != nil {
			bitrateSum += float64(*e.Bitrate)
			bitrateCnt++
		}
		if e.FPS != nil {
			fpsSum += *e.FPS
			fpsCnt++
		}
	}
	if len(health) > 0 {
		r.UptimePercentage = int(math.Round(float64(healthy) / float64(len(health)) * 100))
	}
	if bitrateCnt > 0 {
		r.AverageBitrate = ptr(round2(bitrateSum / float64(bitrateCnt)))
	}
	if fpsCnt > 0 {
		r.AverageFPS = ptr(round2(fpsSum / float64(fpsCnt)))
	}
	return r
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[:n]
	}
	if s == nil {
		return []T{}
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
