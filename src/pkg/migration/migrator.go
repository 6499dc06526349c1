package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMigrationFailed 迁移失败错误
	ErrMigrationFailed = errors.New("migration failed")
	// ErrLocked 数据库被锁定错误
	ErrLocked = errors.New("database is locked by another migration")
)

// Migrator 数据库迁移器
type Migrator struct {
	config  *Config
	lock    *lockFile
	backups *backups
	logger  *logrus.Entry
}

// NewMigrator 创建迁移器
func NewMigrator(config *Config) (*Migrator, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DBPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if config.Schema == nil || config.Schema.Source == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}

	return &Migrator{
		config:  config,
		lock:    newLockFile(config.DBPath),
		backups: &backups{dbPath: config.DBPath},
		logger: logrus.WithFields(logrus.Fields{
			"db_path": config.DBPath,
			"schema":  config.Schema.Name,
		}),
	}, nil
}

func (m *Migrator) shouldBackup() bool {
	if m.config.ForceBackup != nil {
		return *m.config.ForceBackup
	}
	return m.config.Schema.Category == CategoryCritical
}

// open 构造 migrate 实例，返回的 cleanup 负责关闭自行打开的连接
func (m *Migrator) open() (*migrate.Migrate, func(), error) {
	cleanup := func() {}
	db := m.config.DB
	if db == nil {
		var err error
		if db, err = sql.Open("sqlite", m.config.DBPath); err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		cleanup = func() { db.Close() }
	}

	fsys, err := m.config.Schema.Source.FS()
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to get migrations fs: %w", err)
	}
	subDir := m.config.Schema.Source.SubDir()
	if subDir == "" {
		subDir = "."
	}
	src, err := iofs.New(fsys, subDir)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create iofs source: %w", err)
	}
	// 不能调用 mig.Close()：它会关闭外部传入的 *sql.DB
	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	mig, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return mig, cleanup, nil
}

// Run 执行所有未应用的 up 迁移
func (m *Migrator) Run() (*Result, error) {
	if m.lock.held() {
		info, err := m.lock.info()
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read lock info: %v", ErrLocked, err)
		}
		return nil, fmt.Errorf("%w: started at %s (PID: %d)", ErrLocked, info.StartTime, info.PID)
	}

	if err := os.MkdirAll(filepath.Dir(m.config.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	mig, cleanup, err := m.open()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	result := &Result{}
	result.FromVersion, result.WasDirty, _ = mig.Version()

	if m.shouldBackup() {
		if result.BackupPath, err = m.backups.create(); err != nil {
			return nil, err
		}
		if result.BackupPath != "" {
			info := newLockInfo(m.config.DBPath, result.BackupPath, result.FromVersion, m.config.Schema.Name)
			if err := m.lock.acquire(info); err != nil {
				m.backups.remove(result.BackupPath)
				return nil, fmt.Errorf("failed to acquire lock: %w", err)
			}
			defer m.lock.release()
		}
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if result.BackupPath != "" {
			m.logger.WithError(err).Error("migration failed, attempting rollback")
			if rbErr := m.backups.restore(result.BackupPath); rbErr != nil {
				return result, fmt.Errorf("%w: %v (rollback also failed: %v)", ErrMigrationFailed, err, rbErr)
			}
			m.logger.Info("rollback completed successfully")
		}
		return result, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	result.ToVersion, _, _ = mig.Version()
	if result.FromVersion != result.ToVersion {
		m.logger.WithFields(logrus.Fields{
			"from_version": result.FromVersion,
			"to_version":   result.ToVersion,
			"was_dirty":    result.WasDirty,
			"backup_path":  result.BackupPath,
			"embedded":     m.config.Schema.Source.Embedded(),
		}).Info("database migration completed")
	} else {
		m.logger.WithField("version", result.ToVersion).Debug("database schema is up to date")
	}
	return result, nil
}

// CheckAndRecover 检查上次迁移是否中途退出（锁文件残留），关键数据从备份恢复
func (m *Migrator) CheckAndRecover() (bool, error) {
	if !m.lock.held() {
		return false, nil
	}

	info, err := m.lock.info()
	if err != nil {
		return false, fmt.Errorf("failed to read lock info: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"start_time":   info.StartTime,
		"pid":          info.PID,
		"from_version": info.FromVersion,
		"backup_path":  info.BackupPath,
	}).Warn("detected incomplete migration, attempting recovery")

	if m.config.Schema.Category == CategoryCritical && info.BackupPath != "" {
		if err := m.backups.restore(info.BackupPath); err != nil {
			return true, fmt.Errorf("recovery failed: %w", err)
		}
		m.logger.Info("database recovered from backup")
	}

	return true, m.lock.release()
}

// Version 返回当前数据库版本，未迁移过时返回 0
func (m *Migrator) Version() (uint, bool, error) {
	mig, cleanup, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer cleanup()

	version, dirty, err := mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
