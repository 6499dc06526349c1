//go:build !dev

package streamstore

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// migrationSource release 模式下使用嵌入二进制的迁移文件
type migrationSource struct{}

func (migrationSource) FS() (fs.FS, error) {
	return embeddedMigrations, nil
}

func (migrationSource) SubDir() string {
	return "migrations"
}

func (migrationSource) Embedded() bool {
	return true
}
