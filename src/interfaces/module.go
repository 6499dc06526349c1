package interfaces

import "context"

// Module 随进程启动和关闭的组件
type Module interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}
