package client

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// memorySampler reads the resident set size of the current process.
type memorySampler struct {
	once sync.Once
	proc *process.Process
}

// Sample returns the current RSS in bytes, or 0 when it cannot be read.
func (m *memorySampler) Sample() int64 {
	m.once.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			m.proc = p
		}
	})
	if m.proc == nil {
		return 0
	}
	info, err := m.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return int64(info.RSS)
}
