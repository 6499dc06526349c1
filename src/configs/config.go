package configs

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"gopkg.in/yaml.v3"
)

// RPC info.
type RPC struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Bind   string `yaml:"bind" json:"bind"`
	// 允许跨域访问的来源，留空表示允许任意来源
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

var defaultRPC = RPC{
	Enable:      true,
	Bind:        ":5000",
	CORSOrigins: []string{},
}

func (r *RPC) verify() error {
	if r == nil {
		return nil
	}
	if !r.Enable {
		return nil
	}
	if _, err := net.ResolveTCPAddr("tcp", r.Bind); err != nil {
		return fmt.Errorf("无效的RPC绑定地址: %w", err)
	}
	return nil
}

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	SaveEveryLog bool   `yaml:"save_every_log" json:"save_every_log"`
	// RotateDays 指定按"天"为单位滚动日志时，最多保留的天数（<=0 表示不清理）
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

// Supervisor 转码进程监管相关配置
type Supervisor struct {
	// 健康检查周期
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval"`
	// 播放列表超过此时长未更新即视为停滞
	StaleThreshold time.Duration `yaml:"stale_threshold" json:"stale_threshold"`
	// 启动后多久检查播放列表是否已生成
	StartupGrace time.Duration `yaml:"startup_grace" json:"startup_grace"`
	// 进程一直处于 starting 且没有播放列表的最长时间
	StartupTimeout time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	// SIGTERM 之后等待多久再强制结束
	KillTimeout time.Duration `yaml:"kill_timeout" json:"kill_timeout"`
	// 保留的 stderr 尾部字符数
	StderrTailSize int `yaml:"stderr_tail_size" json:"stderr_tail_size"`
	// 输出目录名模板
	DirNameTmpl string `yaml:"dir_name_tmpl" json:"dir_name_tmpl"`
}

var defaultSupervisor = Supervisor{
	HealthInterval: 30 * time.Second,
	StaleThreshold: 30 * time.Second,
	StartupGrace:   5 * time.Second,
	StartupTimeout: 60 * time.Second,
	KillTimeout:    5 * time.Second,
	StderrTailSize: 1000,
	DirNameTmpl:    "stream_{{ .ID }}",
}

func (s *Supervisor) verify() error {
	if s.HealthInterval < time.Second {
		return fmt.Errorf("健康检查周期最小值为 1 秒")
	}
	if s.StaleThreshold <= 0 {
		return fmt.Errorf("播放列表停滞阈值必须大于 0")
	}
	if s.StartupGrace <= 0 || s.StartupTimeout <= 0 {
		return fmt.Errorf("启动等待时间必须大于 0")
	}
	if s.StartupTimeout < s.StartupGrace {
		return fmt.Errorf("启动超时不能小于启动宽限期")
	}
	if s.KillTimeout <= 0 {
		return fmt.Errorf("强制结束等待时间必须大于 0")
	}
	if s.StderrTailSize <= 0 {
		return fmt.Errorf("stderr 尾部保留长度必须大于 0")
	}
	if _, err := template.New("dir").Funcs(sprig.TxtFuncMap()).Parse(s.DirNameTmpl); err != nil {
		return fmt.Errorf("无效的目录名模板: %w", err)
	}
	return nil
}

// 通知服务所需配置
type Notify struct {
	Email Email `yaml:"email" json:"email"`
	Ntfy  Ntfy  `yaml:"ntfy" json:"ntfy"`
}

type Email struct {
	Enable         bool   `yaml:"enable" json:"enable"`
	SMTPHost       string `yaml:"smtpHost" json:"smtpHost"`
	SMTPPort       int    `yaml:"smtpPort" json:"smtpPort"`
	SenderEmail    string `yaml:"senderEmail" json:"senderEmail"`
	SenderPassword string `yaml:"senderPassword" json:"senderPassword"`
	RecipientEmail string `yaml:"recipientEmail" json:"recipientEmail"`
}

type Ntfy struct {
	Enable bool   `yaml:"enable" json:"enable"`
	URL    string `yaml:"URL" json:"url"`
	Token  string `yaml:"token" json:"token"`
	Tag    string `yaml:"tag" json:"tag"`
}

// Sentry 错误监控配置
type Sentry struct {
	Enable      bool   `yaml:"enable" json:"enable"`
	DSN         string `yaml:"dsn" json:"dsn"`
	Environment string `yaml:"environment" json:"environment"`
}

// Config content all config info.
type Config struct {
	File    string `yaml:"-" json:"-"`
	RPC     RPC    `yaml:"rpc" json:"rpc"`
	Debug   bool   `yaml:"debug" json:"debug"`
	Version int64  `yaml:"-" json:"-"` // 内部版本号：不参与 YAML/JSON 序列化，仅用于乐观并发控制

	FfmpegPath  string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	StreamsPath string `yaml:"streams_path" json:"streams_path"`
	AppDataPath string `yaml:"app_data_path" json:"app_data_path"`

	Log        Log        `yaml:"log" json:"log"`
	Supervisor Supervisor `yaml:"supervisor" json:"supervisor"`
	Notify     Notify     `yaml:"notify" json:"notify"`
	Sentry     Sentry     `yaml:"sentry" json:"sentry"`
}

// 使用 atomic.Value 存放当前配置指针，避免并发读写造成 data race
var config atomic.Value // stores *Config

// 单独的 Debug 原子标志，便于高频读取（例如日志、子进程输出过滤）
var currentDebug atomic.Bool

// 序列化所有 Update 操作，避免并发更新造成的丢写问题
var updateMu sync.Mutex

// 当期望版本与实际版本不一致时返回的错误
var ErrConfigVersionConflict = errors.New("config version conflict")

func SetCurrentConfig(cfg *Config) {
	if cfg == nil {
		config.Store((*Config)(nil))
		currentDebug.Store(false)
		return
	}
	config.Store(cfg)
	currentDebug.Store(cfg.Debug)
}

func GetCurrentConfig() *Config {
	v := config.Load()
	if v == nil {
		return nil
	}
	return v.(*Config)
}

// IsDebug 提供并发安全、低开销的 Debug 值读取
func IsDebug() bool {
	return currentDebug.Load()
}

// Update 采用“复制-更新-原子替换”模式安全更新全局配置，并持久化到文件。
// 传入的 mutator 只能对函数参数 c 进行修改，不要持有 c 的指针做异步修改。
func Update(mutator func(c *Config) error) (*Config, error) {
	for attempt := 0; ; attempt++ {
		snapshot := GetCurrentConfig()
		var ver int64
		if snapshot != nil {
			ver = snapshot.Version
		}
		cfg, err := UpdateCAS(ver, mutator)
		if err == nil || !errors.Is(err, ErrConfigVersionConflict) || attempt >= 3 {
			return cfg, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// UpdateCAS 使用期望版本进行乐观并发控制，版本不匹配则返回 ErrConfigVersionConflict
func UpdateCAS(expectedVersion int64, mutator func(c *Config) error) (*Config, error) {
	updateMu.Lock()
	defer updateMu.Unlock()
	cur := GetCurrentConfig()
	var curVersion int64
	if cur != nil {
		curVersion = cur.Version
	}
	if curVersion != expectedVersion {
		return nil, ErrConfigVersionConflict
	}
	var base *Config
	if cur == nil {
		base = NewConfig()
	} else {
		base = cur.Clone()
	}
	if err := mutator(base); err != nil {
		return nil, err
	}
	base.Version = expectedVersion + 1

	if base.File != "" {
		if err := base.Marshal(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	SetCurrentConfig(base)
	return base, nil
}

// SetDebug 原子更新 Debug 标志。
func SetDebug(v bool) (*Config, error) {
	return Update(func(c *Config) error { c.Debug = v; return nil })
}

var defaultConfig = Config{
	RPC:         defaultRPC,
	Debug:       false,
	FfmpegPath:  "",
	StreamsPath: "./streams",
	Log: Log{
		OutPutFolder: "./",
		SaveLastLog:  true,
		SaveEveryLog: false,
		RotateDays:   7,
	},
	Supervisor: defaultSupervisor,
	Notify: Notify{
		Email: Email{
			Enable:   false,
			SMTPHost: "smtp.qq.com",
			SMTPPort: 465,
		},
		Ntfy: Ntfy{
			Enable: false,
		},
	},
	Sentry: Sentry{
		Enable:      false,
		Environment: "production",
	},
	AppDataPath: "",
}

func NewConfig() *Config {
	config := defaultConfig
	config.RPC.CORSOrigins = []string{}
	newConfigPostProcess(&config)
	return &config
}

func newConfigPostProcess(c *Config) {
	if c.AppDataPath == "" {
		c.AppDataPath = DefaultAppDataPath(c.StreamsPath)
	}
	if c.FfmpegPath == "" {
		c.FfmpegPath = "ffmpeg"
	}
	c.Supervisor.DirNameTmpl = strings.TrimSpace(c.Supervisor.DirNameTmpl)
	if c.Supervisor.DirNameTmpl == "" {
		c.Supervisor.DirNameTmpl = defaultSupervisor.DirNameTmpl
	}
}

// DefaultAppDataPath 与流输出目录同级，流输出目录会通过 HTTP 对外提供
func DefaultAppDataPath(streamsPath string) string {
	abs, err := filepath.Abs(streamsPath)
	if err != nil {
		abs = filepath.Clean(streamsPath)
	}
	return filepath.Join(filepath.Dir(abs), filepath.Base(abs)+"_appdata")
}

// isWithin 判断 path 是否位于 root 之内（含 root 本身）
func isWithin(root, path string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Verify will return an error when this config has problem.
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("配置不存在")
	}
	if err := c.RPC.verify(); err != nil {
		return err
	}
	if strings.TrimSpace(c.StreamsPath) == "" {
		return fmt.Errorf("流输出目录不能为空")
	}
	if info, err := os.Stat(c.StreamsPath); err == nil && !info.IsDir() {
		return fmt.Errorf(`流输出路径 "%s" 不是目录`, c.StreamsPath)
	}
	if c.AppDataPath != "" && isWithin(c.StreamsPath, c.AppDataPath) {
		return fmt.Errorf(`运行数据目录 "%s" 不能位于流输出目录 "%s" 之内`, c.AppDataPath, c.StreamsPath)
	}
	if err := c.Supervisor.verify(); err != nil {
		return err
	}
	if c.Notify.Email.Enable && (c.Notify.Email.SMTPHost == "" || c.Notify.Email.RecipientEmail == "") {
		return fmt.Errorf("已启用邮件通知但未配置 SMTP 服务器或收件人")
	}
	if c.Notify.Ntfy.Enable && c.Notify.Ntfy.URL == "" {
		return fmt.Errorf("已启用 ntfy 通知但未配置地址")
	}
	if !c.RPC.Enable {
		return fmt.Errorf("RPC 服务已禁用，程序无任务可执行")
	}
	return nil
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	config.RPC.CORSOrigins = []string{}
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	newConfigPostProcess(&config)
	return &config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		// 进行权限诊断，提供更详细的错误信息
		diag := DiagnoseFilePermission(file)
		diagInfo := diag.FormatError()
		if diagInfo != "" {
			return nil, fmt.Errorf("can`t open file: %s%s", file, diagInfo)
		}
		return nil, fmt.Errorf("can`t open file: %s", file)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	// 可能会修改配置文件（添加缺失字段等），保存回去
	if err := config.Marshal(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Marshal() error {
	if c.File == "" {
		return errors.New("config path not set")
	}

	// 先序列化为字节再解析为 Node，便于注入注释
	var node yaml.Node
	tempBytes, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(tempBytes, &node); err != nil {
		return err
	}

	DecorateConfigNode(&node)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return err
	}

	return os.WriteFile(c.File, buf.Bytes(), 0644)
}

// Clone 返回 Config 的拷贝，切片字段单独复制，避免新旧快照共享底层数组。
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.RPC.CORSOrigins != nil {
		cp.RPC.CORSOrigins = append([]string(nil), c.RPC.CORSOrigins...)
	}
	return &cp
}
