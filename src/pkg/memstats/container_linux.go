//go:build linux

package memstats

import (
	"os"
	"strconv"
	"strings"
)

// ContainerMemoryStats 容器内存统计
type ContainerMemoryStats struct {
	Limit uint64 `json:"limit"` // 0 表示未限制
	Used  uint64 `json:"used"`
}

var containerMarkers = []struct {
	file    string
	markers []string
}{
	{"/proc/1/cgroup", []string{"docker", "lxc", "kubepods", "containerd"}},
	{"/proc/1/mountinfo", []string{"/docker/", "/lxc/", "/kubepods/"}},
}

// 依次尝试 cgroup v2 与 v1
var cgroupMemoryFiles = []struct {
	limit string
	usage string
}{
	{"/sys/fs/cgroup/memory.max", "/sys/fs/cgroup/memory.current"},
	{"/sys/fs/cgroup/memory/memory.limit_in_bytes", "/sys/fs/cgroup/memory/memory.usage_in_bytes"},
}

func IsInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	for _, c := range containerMarkers {
		data, err := os.ReadFile(c.file)
		if err != nil {
			continue
		}
		content := string(data)
		for _, m := range c.markers {
			if strings.Contains(content, m) {
				return true
			}
		}
	}
	return false
}

func GetContainerMemory() (*ContainerMemoryStats, error) {
	for _, f := range cgroupMemoryFiles {
		limit, err := readMemoryFile(f.limit)
		if err != nil {
			continue
		}
		stats := &ContainerMemoryStats{Limit: limit}
		if used, err := readMemoryFile(f.usage); err == nil {
			stats.Used = used
		}
		return stats, nil
	}
	return nil, os.ErrNotExist
}

func readMemoryFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return parseMemoryValue(string(data))
}

// parseMemoryValue "max" 或接近 2^63 的值表示没有限制
func parseMemoryValue(raw string) (uint64, error) {
	content := strings.TrimSpace(raw)
	if content == "max" {
		return 0, nil
	}
	value, err := strconv.ParseUint(content, 10, 64)
	if err != nil {
		return 0, err
	}
	if value >= 1<<62 {
		return 0, nil
	}
	return value, nil
}
