//go:build !linux

package memstats

// ContainerMemoryStats 容器内存统计
type ContainerMemoryStats struct {
	Limit uint64 `json:"limit"`
	Used  uint64 `json:"used"`
}

func IsInContainer() bool {
	return false
}

func GetContainerMemory() (*ContainerMemoryStats, error) {
	return nil, nil
}
