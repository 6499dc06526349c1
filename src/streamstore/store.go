package streamstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/hlskeeper/hlskeeper/src/consts"
	"github.com/hlskeeper/hlskeeper/src/pkg/migration"
)

var (
	// ErrStreamNotFound 流不存在
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamExists 流 ID 已被占用
	ErrStreamExists = errors.New("stream already exists")
	// ErrMetaNotFound 元数据键不存在
	ErrMetaNotFound = errors.New("meta key not found")
)

const (
	// DefaultQueryLimit 未指定数量时的默认返回条数
	DefaultQueryLimit = 100
	// MaxQueryLimit 单次查询返回条数上限
	MaxQueryLimit = 1000
)

// Store 流配置、运行状态与日志存储接口
type Store interface {
	// 流配置
	CreateStream(ctx context.Context, stream *Stream) error
	GetStream(ctx context.Context, id string) (*Stream, error)
	ListStreams(ctx context.Context) ([]*Stream, error)
	UpdateStream(ctx context.Context, id string, upd StreamUpdate) (*Stream, error)
	DeleteStream(ctx context.Context, id string) error

	// 运行状态
	UpdateRuntime(ctx context.Context, id string, upd RuntimeUpdate) error
	ListStreamsByStatus(ctx context.Context, statuses ...Status) ([]*Stream, error)

	// 日志
	AppendHealthLog(ctx context.Context, entry *HealthLog) error
	AppendErrorLog(ctx context.Context, entry *ErrorLog) error
	ListHealthLogs(ctx context.Context, id string, since time.Time, limit int) ([]*HealthLog, error)
	ListErrorLogs(ctx context.Context, id string, since time.Time, limit int) ([]*ErrorLog, error)
	CountErrorLogs(ctx context.Context, id string, since time.Time) (int, error)

	// 元数据
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// SQLiteStore SQLite存储实现
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

var _ Store = (*SQLiteStore)(nil)

func openDB(dbPath string) (*sql.DB, error) {
	// 外键约束按连接生效，放在 DSN 里保证连接池中每个连接都开启
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return sql.Open("sqlite", dsn)
}

// NewSQLiteStore 创建SQLite存储
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	db, err := openDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.runMigrations(); err != nil {
		store.db.Close()
		return nil, fmt.Errorf("运行数据库迁移失败: %w", err)
	}

	if err := store.updateVersionInfo(); err != nil {
		store.db.Close()
		return nil, fmt.Errorf("更新版本信息失败: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) runMigrations() error {
	config := &migration.Config{
		DBPath: s.dbPath,
		Schema: Schema,
		DB:     s.db,
	}

	migrator, err := migration.NewMigrator(config)
	if err != nil {
		return fmt.Errorf("创建迁移器失败: %w", err)
	}

	recovered, err := migrator.CheckAndRecover()
	if err != nil {
		logrus.WithError(err).Warn("迁移恢复检查失败")
	}
	if recovered {
		// 数据库文件已被备份替换，旧连接指向的是已删除的文件
		logrus.Info("从未完成的迁移中恢复")
		s.db.Close()
		if s.db, err = openDB(s.dbPath); err != nil {
			return fmt.Errorf("恢复后重新打开数据库失败: %w", err)
		}
		config.DB = s.db
		if migrator, err = migration.NewMigrator(config); err != nil {
			return fmt.Errorf("恢复后重新创建迁移器失败: %w", err)
		}
	}

	result, err := migrator.Run()
	if err != nil {
		return fmt.Errorf("迁移失败: %w", err)
	}
	if result.BackupPath != "" {
		logrus.WithField("backup_path", result.BackupPath).Debug("已创建数据库备份")
	}
	return nil
}

// updateVersionInfo 记录写入此数据库的程序版本
func (s *SQLiteStore) updateVersionInfo() error {
	ctx := context.Background()
	appVersion := consts.AppVersion
	oldVersion, err := s.GetMeta(ctx, "app_version")
	if err != nil && !errors.Is(err, ErrMetaNotFound) {
		return err
	}
	if err := s.SetMeta(ctx, "app_version", appVersion); err != nil {
		return err
	}
	if errors.Is(err, ErrMetaNotFound) {
		logrus.WithField("version", appVersion).Info("初始化流数据库版本信息")
	} else if oldVersion != appVersion {
		logrus.WithFields(logrus.Fields{
			"old_version": oldVersion,
			"new_version": appVersion,
		}).Info("更新了流数据库版本信息")
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// CreateStream 创建流配置，同时初始化一条 inactive 的运行状态
func (s *SQLiteStore) CreateStream(ctx context.Context, stream *Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = now
	}
	stream.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO streams (id, name, description, rtsp_url, latitude, longitude, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, stream.ID, stream.Name, stream.Description, stream.RTSPURL,
		nullFloat(stream.Latitude), nullFloat(stream.Longitude),
		stream.CreatedAt.Unix(), stream.UpdatedAt.Unix())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamExists
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_runtime (stream_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(stream_id) DO NOTHING
	`, stream.ID, StatusInactive, now.Unix()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	stream.Status = StatusInactive
	return nil
}

const selectStream = `
	SELECT s.id, s.name, s.description, s.rtsp_url, s.latitude, s.longitude, s.created_at, s.updated_at,
		COALESCE(r.status, 'inactive'), COALESCE(r.process_id, 0), COALESCE(r.start_time, 0),
		COALESCE(r.error_message, ''), COALESCE(r.last_error_at, 0), COALESCE(r.error_count, 0),
		COALESCE(r.restart_count, 0), COALESCE(r.uptime_seconds, 0), COALESCE(r.last_health_check, 0),
		r.bitrate, r.fps, COALESCE(r.resolution, '')
	FROM streams s LEFT JOIN stream_runtime r ON r.stream_id = s.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*Stream, error) {
	st := &Stream{}
	var (
		lat, lon, fps                  sql.NullFloat64
		bitrate                        sql.NullInt64
		createdAt, updatedAt           int64
		startTime, lastErrAt, lastHCAt int64
		status                         string
	)
	err := row.Scan(
		&st.ID, &st.Name, &st.Description, &st.RTSPURL, &lat, &lon, &createdAt, &updatedAt,
		&status, &st.ProcessID, &startTime,
		&st.ErrorMessage, &lastErrAt, &st.ErrorCount,
		&st.RestartCount, &st.UptimeSeconds, &lastHCAt,
		&bitrate, &fps, &st.Resolution,
	)
	if err != nil {
		return nil, err
	}
	st.Latitude = floatPtr(lat)
	st.Longitude = floatPtr(lon)
	st.FPS = floatPtr(fps)
	st.Bitrate = intPtr(bitrate)
	st.Status = Status(status)
	st.CreatedAt = timeOrZero(createdAt)
	st.UpdatedAt = timeOrZero(updatedAt)
	st.StartTime = timeOrZero(startTime)
	st.LastErrorAt = timeOrZero(lastErrAt)
	st.LastHealthCheck = timeOrZero(lastHCAt)
	return st, nil
}

// GetStream 获取流配置与运行状态
func (s *SQLiteStore) GetStream(ctx context.Context, id string) (*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStreamLocked(ctx, id)
}

func (s *SQLiteStore) getStreamLocked(ctx context.Context, id string) (*Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, selectStream+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStreamNotFound
	}
	return st, err
}

// ListStreams 按创建时间倒序返回所有流
func (s *SQLiteStore) ListStreams(ctx context.Context) ([]*Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectStream+` ORDER BY s.created_at DESC, s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStreams(rows)
}

// ListStreamsByStatus 返回运行状态属于 statuses 之一的流
func (s *SQLiteStore) ListStreamsByStatus(ctx context.Context, statuses ...Status) ([]*Stream, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		selectStream+` WHERE COALESCE(r.status, 'inactive') IN (`+placeholders+`) ORDER BY s.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStreams(rows)
}

func scanStreams(rows *sql.Rows) ([]*Stream, error) {
	var out []*Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStream 部分更新流配置并返回更新后的结果
func (s *SQLiteStore) UpdateStream(ctx context.Context, id string, upd StreamUpdate) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upd.IsEmpty() {
		return s.getStreamLocked(ctx, id)
	}

	var sets []string
	var args []any
	if upd.Name != nil {
		sets, args = append(sets, "name = ?"), append(args, *upd.Name)
	}
	if upd.Description != nil {
		sets, args = append(sets, "description = ?"), append(args, *upd.Description)
	}
	if upd.RTSPURL != nil {
		sets, args = append(sets, "rtsp_url = ?"), append(args, *upd.RTSPURL)
	}
	if upd.Latitude != nil {
		sets, args = append(sets, "latitude = ?"), append(args, *upd.Latitude)
	}
	if upd.Longitude != nil {
		sets, args = append(sets, "longitude = ?"), append(args, *upd.Longitude)
	}
	sets, args = append(sets, "updated_at = ?"), append(args, time.Now().Unix())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE streams SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStreamNotFound
	}
	return s.getStreamLocked(ctx, id)
}

// DeleteStream 删除流配置，运行状态与日志随外键级联删除
func (s *SQLiteStore) DeleteStream(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// UpdateRuntime 写入运行状态中被设置的字段
func (s *SQLiteStore) UpdateRuntime(ctx context.Context, id string, upd RuntimeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols := []string{"stream_id", "updated_at"}
	vals := []any{id, time.Now().Unix()}
	sets := []string{"updated_at = excluded.updated_at"}

	set := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
		sets = append(sets, col+" = excluded."+col)
	}
	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.ProcessID != nil {
		set("process_id", *upd.ProcessID)
	}
	if upd.StartTime != nil {
		set("start_time", unixOrZero(*upd.StartTime))
	}
	if upd.ErrorMessage != nil {
		set("error_message", *upd.ErrorMessage)
	}
	if upd.LastErrorAt != nil {
		set("last_error_at", unixOrZero(*upd.LastErrorAt))
	}
	if upd.UptimeSeconds != nil {
		set("uptime_seconds", *upd.UptimeSeconds)
	}
	if upd.LastHealthCheck != nil {
		set("last_health_check", unixOrZero(*upd.LastHealthCheck))
	}
	if upd.Bitrate != nil {
		set("bitrate", *upd.Bitrate)
	}
	if upd.FPS != nil {
		set("fps", *upd.FPS)
	}
	if upd.Resolution != nil {
		set("resolution", *upd.Resolution)
	}
	// 计数器在冲突分支中基于现有值自增
	if upd.IncrErrorCount {
		cols, vals = append(cols, "error_count"), append(vals, 1)
		sets = append(sets, "error_count = stream_runtime.error_count + 1")
	}
	if upd.IncrRestartCount {
		cols, vals = append(cols, "restart_count"), append(vals, 1)
		sets = append(sets, "restart_count = stream_runtime.restart_count + 1")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := `INSERT INTO stream_runtime (` + strings.Join(cols, ", ") + `) VALUES (` + placeholders + `)
		ON CONFLICT(stream_id) DO UPDATE SET ` + strings.Join(sets, ", ")
	_, err := s.db.ExecContext(ctx, query, vals...)
	if err != nil && isForeignKeyErr(err) {
		return ErrStreamNotFound
	}
	return err
}

// AppendHealthLog 追加健康检查记录
func (s *SQLiteStore) AppendHealthLog(ctx context.Context, entry *HealthLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO health_logs (stream_id, created_at, status, bitrate, fps, uptime_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.StreamID, entry.Timestamp.Unix(), string(entry.Status),
		nullInt(entry.Bitrate), nullFloat(entry.FPS), entry.UptimeSeconds)
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrStreamNotFound
		}
		return err
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// AppendErrorLog 追加错误记录
func (s *SQLiteStore) AppendErrorLog(ctx context.Context, entry *ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO error_logs (stream_id, created_at, error_type, message, trace)
		VALUES (?, ?, ?, ?, ?)
	`, entry.StreamID, entry.Timestamp.Unix(), string(entry.Type), entry.Message, entry.Trace)
	if err != nil {
		if isForeignKeyErr(err) {
			return ErrStreamNotFound
		}
		return err
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListHealthLogs 返回 since 之后的健康记录，新的在前
func (s *SQLiteStore) ListHealthLogs(ctx context.Context, id string, since time.Time, limit int) ([]*HealthLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, created_at, status, bitrate, fps, uptime_seconds
		FROM health_logs WHERE stream_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, id, unixOrZero(since), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HealthLog
	for rows.Next() {
		e := &HealthLog{}
		var ts int64
		var status string
		var bitrate sql.NullInt64
		var fps sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.StreamID, &ts, &status, &bitrate, &fps, &e.UptimeSeconds); err != nil {
			return nil, err
		}
		e.Timestamp = timeOrZero(ts)
		e.Status = HealthStatus(status)
		e.Bitrate = intPtr(bitrate)
		e.FPS = floatPtr(fps)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListErrorLogs 返回 since 之后的错误记录，新的在前
func (s *SQLiteStore) ListErrorLogs(ctx context.Context, id string, since time.Time, limit int) ([]*ErrorLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, created_at, error_type, message, trace
		FROM error_logs WHERE stream_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, id, unixOrZero(since), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ErrorLog
	for rows.Next() {
		e := &ErrorLog{}
		var ts int64
		var typ string
		if err := rows.Scan(&e.ID, &e.StreamID, &ts, &typ, &e.Message, &e.Trace); err != nil {
			return nil, err
		}
		e.Timestamp = timeOrZero(ts)
		e.Type = ErrorType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountErrorLogs 统计 since 之后的错误数量
func (s *SQLiteStore) CountErrorLogs(ctx context.Context, id string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_logs WHERE stream_id = ? AND created_at >= ?`,
		id, unixOrZero(since)).Scan(&n)
	return n, err
}

// GetMeta 读取元数据
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMetaNotFound
	}
	return value, err
}

// SetMeta 写入元数据
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
