// Package container does best-effort session metadata enrichment when the
// tracked process is running inside a container: container id and cgroup
// memory limit, attached to a session's diagnostics so a reader of
// performance.json knows whether "host RSS" actually meant "container RSS"
// (SPEC_FULL.md §1.2). It is adapted from the teacher's pkg/docker client
// wiring, trimmed down from a pooled multi-container log-watcher to the
// single self-inspect this domain needs: a session enriches itself once at
// startup, it does not watch a fleet of other containers' lifecycles.
package container

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Info is the metadata a session attaches to its export when containerized.
// Zero value means "not running in a container" (or detection failed, which
// is treated identically — this is enrichment, never a hard requirement).
type Info struct {
	ContainerID     string
	MemoryLimitBytes uint64 // 0 if unlimited or unknown
}

// Detector looks up Info for the current process. It is safe to call
// Detect from multiple goroutines; each call is independent.
type Detector struct {
	logger *logrus.Logger
}

// New creates a Detector. logger receives debug-level notes about why
// detection did or didn't find anything; it never logs at a level that
// would surface to an operator as an error, since running outside a
// container is the common case, not a failure.
func New(logger *logrus.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect returns this process's container metadata, or a zero Info if the
// process is not containerized or the Docker daemon cannot be reached.
func (d *Detector) Detect(ctx context.Context) Info {
	id, ok := selfContainerID()
	if !ok {
		d.logger.Debug("container: not running in a cgroup-backed container")
		return Info{}
	}
	info := Info{ContainerID: id}

	limit, err := d.memoryLimit(ctx, id)
	if err != nil {
		d.logger.WithError(err).Debug("container: could not query memory limit via docker client")
		return info
	}
	info.MemoryLimitBytes = limit
	return info
}

// selfContainerID reads the container id this process is running in from
// its own cgroup mount, the same detection every container-aware agent
// uses since there is no syscall for "am I containerized".
func selfContainerID() (string, bool) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		path := parts[2]
		idx := strings.LastIndex(path, "/")
		candidate := path
		if idx >= 0 {
			candidate = path[idx+1:]
		}
		candidate = strings.TrimSuffix(candidate, ".scope")
		if len(candidate) == 64 {
			return candidate, true
		}
	}
	return "", false
}

// memoryLimit asks the local Docker daemon for containerID's configured
// memory limit. Returns (0, nil) if the daemon reports no limit set.
func (d *Detector) memoryLimit(ctx context.Context, containerID string) (uint64, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return 0, err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, err
	}
	if inspect.HostConfig == nil || inspect.HostConfig.Memory <= 0 {
		return 0, nil
	}
	return uint64(inspect.HostConfig.Memory), nil
}

// ParseMemoryLimitEnv is a fallback for environments where the Docker
// socket is not mounted into the container (common in Kubernetes): reads
// the cgroup v1/v2 memory limit file directly. Returns an error if neither
// path exists or the limit is the "no limit" sentinel.
func ParseMemoryLimitEnv() (uint64, error) {
	for _, path := range []string{
		"/sys/fs/cgroup/memory.max",                  // cgroup v2
		"/sys/fs/cgroup/memory/memory.limit_in_bytes", // cgroup v1
	} {
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(b))
		if s == "max" {
			return 0, nil
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		return v, nil
	}
	return 0, errors.New("container: no cgroup memory limit file found")
}
