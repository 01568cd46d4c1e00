package pkgmgr

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessLister reports whether any process with one of names runs.
type ProcessLister interface {
	Running(ctx context.Context, names []string) (holder string, busy bool, err error)
}

// SystemProcesses scans the process table with gopsutil.
type SystemProcesses struct{}

// Running implements ProcessLister. The calling process is ignored.
func (SystemProcesses) Running(ctx context.Context, names []string) (string, bool, error) {
	if len(names) == 0 {
		return "", false, nil
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return "", false, err
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit while we scan.
			continue
		}
		if _, ok := want[name]; ok {
			return name, true, nil
		}
	}
	return "", false, nil
}
