package pipeline

import (
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// perfStats is what one pipeline run cost this process, as sampled while
// the run was in flight.
type perfStats struct {
	peakCPU      float64
	peakMemoryMB float64
	readBytes    int64
	writeBytes   int64
}

// perfSampler polls process counters in the background until stopped.
// Platforms where gopsutil cannot read a counter just leave it zero.
type perfSampler struct {
	proc    *process.Process
	stopCh  chan struct{}
	done    chan struct{}
	startIO *process.IOCountersStat

	mu      sync.Mutex
	stats   perfStats
	stopped bool
}

const sampleInterval = 200 * time.Millisecond

func startSampler() *perfSampler {
	s := &perfSampler{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		close(s.done)
		s.stopped = true
		return s
	}
	s.proc = proc
	if io, err := proc.IOCounters(); err == nil {
		s.startIO = io
	}
	// Prime the CPU delta so the first sample is not measured since
	// process start.
	proc.Percent(0)

	go s.run()
	return s
}

func (s *perfSampler) run() {
	defer close(s.done)
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *perfSampler) sample() {
	if cpu, err := s.proc.Percent(0); err == nil {
		s.mu.Lock()
		if cpu > s.stats.peakCPU {
			s.stats.peakCPU = cpu
		}
		s.mu.Unlock()
	}
	if mem, err := s.proc.MemoryInfo(); err == nil {
		mb := float64(mem.RSS) / (1024 * 1024)
		s.mu.Lock()
		if mb > s.stats.peakMemoryMB {
			s.stats.peakMemoryMB = mb
		}
		s.mu.Unlock()
	}
}

// stop ends sampling and returns the collected stats. The pipeline calls
// it on every exit path; repeated calls return the same snapshot.
func (s *perfSampler) stop() perfStats {
	if s.proc != nil && !s.stopped {
		close(s.stopCh)
		<-s.done
		s.stopped = true
		s.sample()
		if s.startIO != nil {
			if io, err := s.proc.IOCounters(); err == nil {
				s.mu.Lock()
				s.stats.readBytes = int64(io.ReadBytes - s.startIO.ReadBytes)
				s.stats.writeBytes = int64(io.WriteBytes - s.startIO.WriteBytes)
				s.mu.Unlock()
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
