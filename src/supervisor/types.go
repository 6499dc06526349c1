//go:generate go run go.uber.org/mock/mockgen -package supervisor -destination mock_test.go github.com/hlskeeper/hlskeeper/src/supervisor Prober,Notifier
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/hlskeeper/hlskeeper/src/configs"
	"github.com/hlskeeper/hlskeeper/src/pkg/transcoder"
)

var ErrManagerClosed = errors.New("supervisor is shutting down")

// Result 生命周期操作的结果，重复操作返回的不是错误
type Result string

const (
	ResultStarted        Result = "started"
	ResultAlreadyRunning Result = "already_running"
	ResultStopped        Result = "stopped"
	ResultNotRunning     Result = "not_running"
	ResultRestarted      Result = "restarted"
)

// Prober 探测进程状态，不影响进程本身
type Prober interface {
	Alive(pid int) bool
	RSS(pid int) uint64
}

// Notifier 告警发送，必须不阻塞
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// DirPreparer 管理每个流的输出目录
type DirPreparer interface {
	Prepare(streamID string) (string, error)
	Remove(streamID string) error
}

// process 是 transcoder.Process 的抽象，测试中用假进程替代
type process interface {
	PID() int
	ManifestPath() string
	Stdout() <-chan string
	Stderr() <-chan string
	Exit() <-chan transcoder.ExitStatus
	Done() <-chan struct{}
	Terminate(grace time.Duration) error
}

type launcher interface {
	Launch(ctx context.Context, streamID, sourceURI, dir string) (process, error)
}

type transcoderLauncher struct {
	l *transcoder.Launcher
}

func (t transcoderLauncher) Launch(ctx context.Context, streamID, sourceURI, dir string) (process, error) {
	p, err := t.l.Launch(ctx, streamID, sourceURI, dir)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options 监管参数
type Options struct {
	HealthInterval time.Duration
	StaleThreshold time.Duration
	StartupGrace   time.Duration
	StartupTimeout time.Duration
	KillTimeout    time.Duration
	StderrTailSize int
}

func DefaultOptions() Options {
	return Options{
		HealthInterval: 30 * time.Second,
		StaleThreshold: 30 * time.Second,
		StartupGrace:   5 * time.Second,
		StartupTimeout: 60 * time.Second,
		KillTimeout:    5 * time.Second,
		StderrTailSize: 1000,
	}
}

// OptionsFromConfig 未设置的字段使用默认值
func OptionsFromConfig(c configs.Supervisor) Options {
	o := DefaultOptions()
	if c.HealthInterval > 0 {
		o.HealthInterval = c.HealthInterval
	}
	if c.StaleThreshold > 0 {
		o.StaleThreshold = c.StaleThreshold
	}
	if c.StartupGrace > 0 {
		o.StartupGrace = c.StartupGrace
	}
	if c.StartupTimeout > 0 {
		o.StartupTimeout = c.StartupTimeout
	}
	if c.KillTimeout > 0 {
		o.KillTimeout = c.KillTimeout
	}
	if c.StderrTailSize > 0 {
		o.StderrTailSize = c.StderrTailSize
	}
	return o
}

// ProcessInfo 正在监管的进程快照
type ProcessInfo struct {
	StreamID      string           `json:"streamId"`
	PID           int              `json:"pid"`
	StartTime     time.Time        `json:"startTime"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
	SourceURI     string           `json:"sourceUri"`
	LastStats     transcoder.Stats `json:"lastStats"`
	Phase         string           `json:"phase"`
	MemoryRSS     uint64           `json:"memoryRss"`
}

func ptr[T any](v T) *T {
	return &v
}
