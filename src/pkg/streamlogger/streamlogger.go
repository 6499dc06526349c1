// Package streamlogger 为每个流提供独立的 logger，并在内存中保留该流最近的日志
package streamlogger

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	applog "github.com/hlskeeper/hlskeeper/src/log"
	"github.com/hlskeeper/hlskeeper/src/pkg/utils"
)

// DefaultBufferSize 每个流保留的日志字节数
const DefaultBufferSize = 64 * 1024

type streamLoggerKey struct{}

// 已注册 hook 的 logger
var hooked sync.Map

// streamLogHook 通过 entry 的 context 找到所属的 StreamLogger 并写入其缓冲区
type streamLogHook struct{}

func (h *streamLogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *streamLogHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	logger, ok := entry.Context.Value(streamLoggerKey{}).(*StreamLogger)
	if !ok || logger == nil {
		return nil
	}
	formatted, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return nil
	}
	_, _ = logger.buffer.Write(formatted)
	return nil
}

func ensureHookRegistered(base *logrus.Logger) {
	if _, loaded := hooked.LoadOrStore(base, struct{}{}); !loaded {
		base.AddHook(&streamLogHook{})
	}
}

// StreamLogger 嵌入 logrus.Entry，所有日志同时进入全局输出和本流的缓冲区
type StreamLogger struct {
	*logrus.Entry
	buffer   *utils.RingBuffer
	streamID string
}

func New(streamID string, bufferSize int) *StreamLogger {
	return newWithBase(applog.GetLogger(), streamID, bufferSize)
}

func newWithBase(base *logrus.Logger, streamID string, bufferSize int) *StreamLogger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	l := &StreamLogger{
		buffer:   utils.NewRingBuffer(bufferSize),
		streamID: streamID,
	}
	ctx := context.WithValue(context.Background(), streamLoggerKey{}, l)
	l.Entry = base.WithContext(ctx).WithField("stream_id", streamID)
	ensureHookRegistered(base)
	return l
}

func (l *StreamLogger) StreamID() string {
	return l.streamID
}

func (l *StreamLogger) GetLogs() string {
	return l.buffer.String()
}

// GetLines 返回最近的 n 行，n <= 0 返回全部
func (l *StreamLogger) GetLines(n int) []string {
	text := strings.TrimRight(l.buffer.String(), "\n")
	if text == "" {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Registry 按流 ID 管理 StreamLogger，删除流时释放其缓冲区
type Registry struct {
	mu         sync.RWMutex
	loggers    map[string]*StreamLogger
	bufferSize int
	base       *logrus.Logger
}

func NewRegistry(bufferSize int) *Registry {
	return &Registry{
		loggers:    make(map[string]*StreamLogger),
		bufferSize: bufferSize,
		base:       applog.GetLogger(),
	}
}

// Get 返回流的 logger，不存在时创建
func (r *Registry) Get(streamID string) *StreamLogger {
	r.mu.RLock()
	l, ok := r.loggers[streamID]
	r.mu.RUnlock()
	if ok {
		return l
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[streamID]; ok {
		return l
	}
	l = newWithBase(r.base, streamID, r.bufferSize)
	r.loggers[streamID] = l
	return l
}

// Lookup 只查询，不创建
func (r *Registry) Lookup(streamID string) (*StreamLogger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loggers[streamID]
	return l, ok
}

func (r *Registry) Remove(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loggers, streamID)
}
