package ports

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ExitOrchestrationFailure is reported when the job could not be started,
// waited on or was force-terminated. It never collides with a real exit status.
const ExitOrchestrationFailure = -1

// Job describes one isolated run of the harvesting tool.
type Job struct {
	// Name identifies the job in logs and in the container runtime.
	Name  string
	Image string
	Args  []string
	// Mounts binds host paths (keys) to container paths (values).
	Mounts map[string]string
}

// Executor runs a job to completion and returns its exit status. Host-side
// mount directories are created before the job starts. Orchestration errors
// are logged by the executor and reported as ExitOrchestrationFailure.
type Executor interface {
	Run(ctx context.Context, job Job) int
}

// PrepareMounts creates every host-side mount directory and returns
// "host:container" bind specs with absolute host paths, sorted.
func (j Job) PrepareMounts() ([]string, error) {
	binds := make([]string, 0, len(j.Mounts))
	for host, target := range j.Mounts {
		abs, err := filepath.Abs(host)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", host, err)
		}
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", abs, err)
		}
		binds = append(binds, abs+":"+target)
	}
	sort.Strings(binds)
	return binds, nil
}
