package instance

import (
	"context"
	"sync"

	"github.com/bluele/gcache"

	"github.com/hlskeeper/hlskeeper/src/interfaces"
	"github.com/hlskeeper/hlskeeper/src/streamstore"
)

type key int

const Key key = 20240601

// Instance 进程内共享的组件，通过 context 传递
type Instance struct {
	WaitGroup  sync.WaitGroup
	Cache      gcache.Cache
	Store      streamstore.Store
	Server     interfaces.Module
	Supervisor interfaces.Module
}

func GetInstance(ctx context.Context) *Instance {
	if ctx == nil {
		return nil
	}
	if s, ok := ctx.Value(Key).(*Instance); ok {
		return s
	}
	return nil
}

func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, Key, inst)
}
