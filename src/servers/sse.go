package servers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// SSEEventType SSE 事件类型
type SSEEventType string

const (
	// SSEEventProcessUpdate 正在运行的进程快照
	SSEEventProcessUpdate SSEEventType = "process_update"
	// SSEEventStreamChange 流的增删改及启停
	SSEEventStreamChange SSEEventType = "stream_change"
)

// SSEMessage SSE 消息结构
type SSEMessage struct {
	Type     SSEEventType `json:"type"`
	StreamID string       `json:"stream_id,omitempty"`
	Data     any          `json:"data"`
}

// SSEHub 管理所有 SSE 连接
type SSEHub struct {
	mu      sync.RWMutex
	clients map[chan SSEMessage]struct{}
	closeCh chan struct{}
	closed  bool
}

func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients: make(map[chan SSEMessage]struct{}),
		closeCh: make(chan struct{}),
	}
}

// AddClient 关闭后添加的客户端会立即被关闭
func (h *SSEHub) AddClient(ch chan SSEMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return
	}
	h.clients[ch] = struct{}{}
}

func (h *SSEHub) RemoveClient(ch chan SSEMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broadcast 客户端缓冲已满时丢弃该消息
func (h *SSEHub) Broadcast(msg SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// BroadcastStreamChange changeType 如 created/updated/deleted/started/stopped/restarted
func (h *SSEHub) BroadcastStreamChange(streamID, changeType string, data any) {
	h.Broadcast(SSEMessage{
		Type:     SSEEventStreamChange,
		StreamID: streamID,
		Data: map[string]any{
			"change_type": changeType,
			"data":        data,
		},
	})
}

func (h *SSEHub) BroadcastProcesses(data any) {
	h.Broadcast(SSEMessage{Type: SSEEventProcessUpdate, Data: data})
}

func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 关闭所有 SSE 连接
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.closeCh)
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}

func (h *SSEHub) Done() <-chan struct{} {
	return h.closeCh
}

// ServeHTTP 处理 SSE 连接请求
func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan SSEMessage, 100)
	h.AddClient(clientCh)

	fmt.Fprintf(w, "event: connected\ndata: {\"message\":\"SSE connected\",\"clients\":%d}\n\n", h.ClientCount())
	flusher.Flush()

	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.RemoveClient(clientCh)
			return
		case <-h.Done():
			return
		case <-heartbeatTicker.C:
			fmt.Fprintf(w, ":heartbeat\n\n")
			flusher.Flush()
		case msg, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
			flusher.Flush()
		}
	}
}
