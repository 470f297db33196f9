// Package sensor polls host resources so telemetry and the sweeper can see
// disk pressure before pebble does.
package sensor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Snapshot is a best-effort view of system resources. Fields are zero on
// unsupported platforms.
type Snapshot struct {
	Timestamp time.Time

	// Go heap, in bytes.
	MemTotal uint64
	MemUsed  uint64

	// Filesystem capacity at the data path.
	DiskTotal uint64
	DiskFree  uint64
}

// Sensor polls the filesystem holding path every interval.
type Sensor struct {
	path     string
	interval time.Duration

	mu   sync.RWMutex
	snap Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sensor for the filesystem containing path. interval<=0
// falls back to 5 seconds.
func New(path string, interval time.Duration) *Sensor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Sensor{path: path, interval: interval}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins background polling. Call Stop to terminate.
func (s *Sensor) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.sample()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop halts polling and waits for the worker to exit.
func (s *Sensor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Snapshot returns the most recent sample.
func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Disk returns the last sampled filesystem total and free bytes.
func (s *Sensor) Disk() (total, free uint64) {
	snap := s.Snapshot()
	return snap.DiskTotal, snap.DiskFree
}

func (s *Sensor) sample() {
	snap := Snapshot{Timestamp: time.Now()}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.MemTotal = ms.Sys
	snap.MemUsed = ms.Alloc

	var st unix.Statfs_t
	if err := unix.Statfs(s.path, &st); err == nil {
		bs := uint64(st.Bsize)
		snap.DiskTotal = st.Blocks * bs
		snap.DiskFree = st.Bavail * bs
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
