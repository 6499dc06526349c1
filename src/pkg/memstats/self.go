package memstats

import "runtime"

// SelfMemoryStats Go 运行时内存统计
type SelfMemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"numGc"`
	Goroutines int    `json:"goroutines"`
}

func GetSelfMemory() SelfMemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SelfMemoryStats{
		Alloc:      m.Alloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
}
