// Package hoststats cross-checks tracker-reported active bytes against the
// host's view of this process's memory footprint, for performance.json's
// host block (SPEC_FULL.md §1.2). It wraps shirou/gopsutil/v3 the way
// pkg/metrics wraps client_golang: a thin, package-level collector the rest
// of the module calls instead of touching the library directly.
package hoststats

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reads the current process's RSS on demand. It satisfies
// internal/aggregator.HostStats.
type Sampler struct {
	proc *process.Process
}

// New opens a Sampler bound to the current process. Returns an error only
// if gopsutil cannot resolve the running pid, which callers should treat as
// "host stats unavailable" rather than fatal (spec.md never requires the
// host block to be present).
func New() (*Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Sampler{proc: p}, nil
}

// RSSBytes returns the process's current resident set size.
func (s *Sampler) RSSBytes() (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(context.Background())
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
