//go:build dev

package streamstore

import (
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// migrationSource dev 模式下直接读取源码目录中的迁移文件，修改 SQL 无需重新编译
type migrationSource struct{}

func (migrationSource) FS() (fs.FS, error) {
	_, currentFile, _, _ := runtime.Caller(0)
	return os.DirFS(filepath.Join(filepath.Dir(currentFile), "migrations")), nil
}

func (migrationSource) SubDir() string {
	return "."
}

func (migrationSource) Embedded() bool {
	return false
}
