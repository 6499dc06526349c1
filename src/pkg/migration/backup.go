package migration

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// BackupSuffix 备份文件后缀格式
	BackupSuffix = ".backup_%s"
	// MaxBackupCount 最大保留备份数量
	MaxBackupCount = 5
)

// backups 管理同目录下 <db>.backup_<时间戳> 形式的备份文件
type backups struct {
	dbPath string
}

// create 复制当前数据库文件，数据库尚不存在时返回空路径
func (b *backups) create() (string, error) {
	if _, err := os.Stat(b.dbPath); os.IsNotExist(err) {
		return "", nil
	}

	path := b.dbPath + fmt.Sprintf(BackupSuffix, time.Now().Format("20060102_150405"))
	if err := copyFile(b.dbPath, path); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	// 清理失败不影响迁移
	_ = b.prune()
	return path, nil
}

func (b *backups) restore(path string) error {
	if path == "" {
		return fmt.Errorf("backup path is empty")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", path)
	}
	// WAL 模式下的附属文件属于旧库，必须一并删除
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(b.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove current database: %w", err)
		}
	}
	if err := copyFile(path, b.dbPath); err != nil {
		return fmt.Errorf("failed to restore from backup: %w", err)
	}
	return nil
}

func (b *backups) remove(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

// list 按时间倒序返回所有备份
func (b *backups) list() ([]string, error) {
	dir := filepath.Dir(b.dbPath)
	prefix := filepath.Base(b.dbPath) + ".backup_"

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var out []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// prune 只保留最近 MaxBackupCount 个备份
func (b *backups) prune() error {
	all, err := b.list()
	if err != nil || len(all) <= MaxBackupCount {
		return err
	}
	for _, old := range all[MaxBackupCount:] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup %s: %w", old, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return err
	}
	return out.Sync()
}
