package health

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one sample of host process resource use.
type Usage struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Sampler reports resource usage of the host process.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// processSampler reads the current process through gopsutil. Plugins run
// in-process, so every plugin shares the host's numbers; a sample is reused
// for minAge to keep a pass over many plugins cheap.
type processSampler struct {
	minAge time.Duration

	mu   sync.Mutex
	proc *process.Process
	last Usage
	at   time.Time
}

// NewProcessSampler samples the running process.
func NewProcessSampler() Sampler {
	return &processSampler{minAge: time.Second}
}

func (s *processSampler) Sample(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.at.IsZero() && time.Since(s.at) < s.minAge {
		return s.last, nil
	}
	if s.proc == nil {
		p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return Usage{}, err
		}
		s.proc = p
	}
	// Interval 0 compares against the previous call; the first call reports 0.
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Usage{}, err
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, err
	}
	s.last = Usage{CPUPercent: cpu, RSSBytes: mem.RSS}
	s.at = time.Now()
	return s.last, nil
}
