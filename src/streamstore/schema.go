package streamstore

import (
	"github.com/hlskeeper/hlskeeper/src/pkg/migration"
)

// Schema 流配置与运行状态数据库的迁移定义
// 流配置由用户录入，丢失无法自动恢复，因此按关键数据处理
var Schema = &migration.Schema{
	Name:     "streams",
	Category: migration.CategoryCritical,
	Source:   migrationSource{},
}
