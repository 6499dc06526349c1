package memstats

import (
	"context"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemoryStats 进程内存统计
type ProcessMemoryStats struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	RSS  uint64 `json:"rss"` // bytes
	VMS  uint64 `json:"vms"` // bytes
}

func GetProcessMemory(pid int) (*ProcessMemoryStats, error) {
	return GetProcessMemoryWithContext(context.Background(), pid)
}

func GetProcessMemoryWithContext(ctx context.Context, pid int) (*ProcessMemoryStats, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	name, _ := p.NameWithContext(ctx)
	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &ProcessMemoryStats{
		PID:  int32(pid),
		Name: name,
		RSS:  memInfo.RSS,
		VMS:  memInfo.VMS,
	}, nil
}

// Prober 基于 gopsutil 的进程探测
type Prober struct{}

func NewProber() *Prober {
	return &Prober{}
}

// Alive 进程是否仍然存在。僵尸进程在被 Wait 回收前也视为存在。
func (Prober) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	return signalZero(pid)
}

// RSS 进程常驻内存，读取失败返回 0
func (Prober) RSS(pid int) uint64 {
	if pid <= 0 {
		return 0
	}
	stats, err := GetProcessMemory(pid)
	if err != nil {
		return 0
	}
	return stats.RSS
}
