package sentry

import (
	"context"
	"strings"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// KeyDeviceID 匿名设备 ID 在元数据表中的键名
const KeyDeviceID = "device_id"

// MetaStore 持久化简单键值元数据
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

var (
	cachedDeviceID string
	deviceIDOnce   sync.Once
)

// GetAnonymousDeviceID 获取匿名设备 ID
// 首次调用时从 meta 读取或生成新的 UUID，后续调用返回缓存的值
// 返回 32 位十六进制字符串（去掉连字符的 UUID）
func GetAnonymousDeviceID(meta MetaStore) string {
	deviceIDOnce.Do(func() {
		cachedDeviceID = loadOrCreateDeviceID(meta)
	})
	return cachedDeviceID
}

func loadOrCreateDeviceID(meta MetaStore) string {
	if meta == nil {
		return generateUUID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deviceID, err := meta.GetMeta(ctx, KeyDeviceID)
	if err == nil && deviceID != "" {
		return deviceID
	}

	deviceID = generateUUID()
	// 保存失败不影响返回
	_ = meta.SetMeta(ctx, KeyDeviceID, deviceID)

	return deviceID
}

// generateUUID 生成一个新的 UUID（去掉连字符）
func generateUUID() string {
	id := uuid.Must(uuid.NewV4())
	return strings.ReplaceAll(id.String(), "-", "")
}
