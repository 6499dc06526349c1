// Package memstats 采集本进程、ffmpeg 子进程与容器的内存占用，并提供进程存活探测
package memstats

// MemoryStats 内存统计信息
type MemoryStats struct {
	Self      SelfMemoryStats       `json:"self"`
	Encoders  []ProcessMemoryStats  `json:"encoders"`
	Container *ContainerMemoryStats `json:"container,omitempty"`
	// Encoders 的 RSS 之和
	EncodersRSS uint64 `json:"encodersRss"`
}

// GetMemoryStats 汇总内存统计，已退出或无法读取的 pid 会被跳过
func GetMemoryStats(pids []int) *MemoryStats {
	stats := &MemoryStats{
		Self:     GetSelfMemory(),
		Encoders: make([]ProcessMemoryStats, 0, len(pids)),
	}
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		procMem, err := GetProcessMemory(pid)
		if err != nil || procMem == nil {
			continue
		}
		stats.Encoders = append(stats.Encoders, *procMem)
		stats.EncodersRSS += procMem.RSS
	}
	if IsInContainer() {
		if containerMem, err := GetContainerMemory(); err == nil {
			stats.Container = containerMem
		}
	}
	return stats
}
