//go:build linux

package transport

import (
	"time"

	"github.com/prometheus/procfs"
)

// ProcfsSampler reads /proc/<pid>/stat.
type ProcfsSampler struct {
	fs procfs.FS
}

// NewProcfsSampler opens the default /proc mount.
func NewProcfsSampler() (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcfsSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (s *ProcfsSampler) Sample(pid int) (ProcessSample, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return ProcessSample{}, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return ProcessSample{}, err
	}

	now := time.Now()
	sample := ProcessSample{
		PID:        pid,
		RSSBytes:   uint64(stat.ResidentMemory()),
		CPUSeconds: stat.CPUTime(),
		SampledAt:  now,
	}
	if start, err := stat.StartTime(); err == nil {
		started := time.Unix(0, int64(start*float64(time.Second)))
		sample.Uptime = now.Sub(started)
	}
	return sample, nil
}

// DefaultSampler returns the platform sampler, or nil when none is available.
func DefaultSampler() Sampler {
	s, err := NewProcfsSampler()
	if err != nil {
		return nil
	}
	return s
}
