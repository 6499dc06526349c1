// Package metrics 定义进程监管相关的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hlskeeper"

// 启动结果标签
const (
	StartStarted  = "started"
	StartDirError = "dir_error"
	StartSpawnErr = "spawn_error"
)

var (
	ActiveProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_processes",
		Help:      "Number of ffmpeg processes currently supervised.",
	})

	ProcessStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "process_starts_total",
		Help:      "Start attempts by result.",
	}, []string{"result"})

	ProcessCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "process_crashes_total",
		Help:      "ffmpeg processes that exited unexpectedly or failed to start in time.",
	})

	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_checks_total",
		Help:      "Health check cycles by outcome.",
	}, []string{"status"})

	HealthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "health_check_duration_seconds",
		Help:      "Duration of a single health check cycle.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})
)

// Handler /metrics 使用的 handler
func Handler() http.Handler {
	return promhttp.Handler()
}
