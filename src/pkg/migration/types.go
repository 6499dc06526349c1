// Package migration 对 golang-migrate 做了一层封装，迁移前自动备份 SQLite 文件，
// 失败时从备份恢复，并用锁文件标记未完成的迁移
package migration

import (
	"database/sql"
	"io/fs"
)

// DatabaseCategory 数据库分类，决定迁移时的行为
type DatabaseCategory int

const (
	// CategoryCritical 关键数据（流配置），迁移时强制备份，失败时回滚
	CategoryCritical DatabaseCategory = iota
	// CategoryDisposable 可丢弃数据（如日志），迁移失败可重建
	CategoryDisposable
)

// Source 迁移 SQL 文件来源
type Source interface {
	// FS 返回迁移文件系统
	FS() (fs.FS, error)
	// SubDir 返回迁移文件在 FS 中的子目录
	SubDir() string
	// Embedded 返回迁移文件是否嵌入在二进制中
	Embedded() bool
}

// Schema 描述一个数据库文件的迁移方式
type Schema struct {
	Name     string
	Category DatabaseCategory
	Source   Source
}

// Config 迁移配置
type Config struct {
	DBPath string
	Schema *Schema
	// ForceBackup 覆盖 Schema 分类决定的备份行为
	ForceBackup *bool
	// DB 可选的已打开数据库连接，为 nil 时自动打开
	DB *sql.DB
}

// Result 迁移结果
type Result struct {
	FromVersion uint
	ToVersion   uint
	BackupPath  string
	WasDirty    bool
}

// LockInfo 锁文件信息
type LockInfo struct {
	DBPath      string `json:"db_path"`
	BackupPath  string `json:"backup_path"`
	StartTime   string `json:"start_time"`
	FromVersion uint   `json:"from_version"`
	PID         int    `json:"pid"`
	Schema      string `json:"schema"`
}
