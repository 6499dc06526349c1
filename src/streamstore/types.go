package streamstore

import "time"

// Status 流的运行状态
type Status string

const (
	StatusInactive Status = "inactive"
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

// HealthStatus 健康检查结果
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// ErrorType 错误日志分类
type ErrorType string

const (
	// ErrorCrash 进程运行后意外退出
	ErrorCrash ErrorType = "crash"
	// ErrorStartup 宽限期后仍未生成播放列表
	ErrorStartup ErrorType = "startup"
	// ErrorStartupFailed 目录准备失败、进程无法启动或启动超时
	ErrorStartupFailed ErrorType = "startup_error"
)

// Stream 流配置及其运行状态
type Stream struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RTSPURL     string   `json:"rtspUrl"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`

	Status          Status    `json:"status"`
	ProcessID       int       `json:"processId"`
	StartTime       time.Time `json:"startTime"`
	ErrorMessage    string    `json:"errorMessage"`
	LastErrorAt     time.Time `json:"lastErrorAt"`
	ErrorCount      int       `json:"errorCount"`
	RestartCount    int       `json:"restartCount"`
	UptimeSeconds   int64     `json:"uptimeSeconds"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
	Bitrate         *int      `json:"bitrate"`
	FPS             *float64  `json:"fps"`
	Resolution      string    `json:"resolution"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StreamUpdate 流配置的部分更新，nil 字段保持不变
type StreamUpdate struct {
	Name        *string
	Description *string
	RTSPURL     *string
	Latitude    *float64
	Longitude   *float64
}

// IsEmpty 是否没有任何字段需要更新
func (u StreamUpdate) IsEmpty() bool {
	return u.Name == nil && u.Description == nil && u.RTSPURL == nil && u.Latitude == nil && u.Longitude == nil
}

// RuntimeUpdate 运行状态的部分更新，nil 字段保持不变
// 计数器在 SQL 内自增，并发调用不会丢失
type RuntimeUpdate struct {
	Status           *Status
	ProcessID        *int
	StartTime        *time.Time
	ErrorMessage     *string
	LastErrorAt      *time.Time
	IncrErrorCount   bool
	IncrRestartCount bool
	UptimeSeconds    *int64
	LastHealthCheck  *time.Time
	Bitrate          *int
	FPS              *float64
	Resolution       *string
}

// HealthLog 健康检查记录
type HealthLog struct {
	ID            int64        `json:"id"`
	StreamID      string       `json:"streamId"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Bitrate       *int         `json:"bitrate"`
	FPS           *float64     `json:"fps"`
	UptimeSeconds int64        `json:"uptime"`
}

// ErrorLog 错误记录
type ErrorLog struct {
	ID        int64     `json:"id"`
	StreamID  string    `json:"streamId"`
	Timestamp time.Time `json:"timestamp"`
	Type      ErrorType `json:"errorType"`
	Message   string    `json:"message"`
	Trace     string    `json:"trace,omitempty"`
}
