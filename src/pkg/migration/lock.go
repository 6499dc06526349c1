package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// LockFileExtension 锁文件扩展名
	LockFileExtension = ".migration.lock"
)

// lockFile 迁移期间存在的锁文件，进程崩溃后残留即说明迁移未完成
type lockFile struct {
	path string
}

func newLockFile(dbPath string) *lockFile {
	return &lockFile{path: dbPath + LockFileExtension}
}

func (m *lockFile) acquire(info *LockInfo) error {
	if m.held() {
		existingInfo, err := m.info()
		if err != nil {
			return fmt.Errorf("lock file exists but cannot be read: %w", err)
		}
		return fmt.Errorf("database is locked by migration started at %s (PID: %d)",
			existingInfo.StartTime, existingInfo.PID)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock file directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}

	if err := os.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	return nil
}

func (m *lockFile) release() error {
	if !m.held() {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *lockFile) held() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *lockFile) info() (*LockInfo, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock info: %w", err)
	}

	return &info, nil
}

func newLockInfo(dbPath, backupPath string, fromVersion uint, schema string) *LockInfo {
	return &LockInfo{
		DBPath:      dbPath,
		BackupPath:  backupPath,
		StartTime:   time.Now().Format(time.RFC3339),
		FromVersion: fromVersion,
		PID:         os.Getpid(),
		Schema:      schema,
	}
}
