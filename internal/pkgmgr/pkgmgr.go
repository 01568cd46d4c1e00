// Package pkgmgr installs and removes packages on behalf of undo, waiting
// out other processes that hold the package database.
package pkgmgr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
)

// Manager describes one package manager's command lines. Each template
// takes the package name through %s.
type Manager struct {
	Name    string
	Binary  string
	Install string
	Remove  string
	Query   string
	// Holders are process names that lock the package database while
	// running.
	Holders []string
}

// Known package managers, in detection order.
var Known = []Manager{
	{
		Name: "apt", Binary: "apt-get",
		Install: "DEBIAN_FRONTEND=noninteractive apt-get install -y %s",
		Remove:  "DEBIAN_FRONTEND=noninteractive apt-get remove -y %s",
		Query:   "dpkg-query -W -f='${Status}' %s 2>/dev/null | grep -q 'install ok installed'",
		Holders: []string{"apt", "apt-get", "dpkg", "unattended-upgr", "aptitude"},
	},
	{
		Name: "dnf", Binary: "dnf",
		Install: "dnf install -y %s",
		Remove:  "dnf remove -y %s",
		Query:   "rpm -q %s",
		Holders: []string{"dnf", "yum", "rpm", "packagekitd"},
	},
	{
		Name: "yum", Binary: "yum",
		Install: "yum install -y %s",
		Remove:  "yum remove -y %s",
		Query:   "rpm -q %s",
		Holders: []string{"yum", "rpm", "packagekitd"},
	},
	{
		Name: "zypper", Binary: "zypper",
		Install: "zypper --non-interactive install %s",
		Remove:  "zypper --non-interactive remove %s",
		Query:   "rpm -q %s",
		Holders: []string{"zypper", "rpm", "packagekitd"},
	},
	{
		Name: "pkg", Binary: "pkg",
		Install: "pkg install -y %s",
		Remove:  "pkg delete -y %s",
		Query:   "pkg info -e %s",
		Holders: []string{"pkg"},
	},
}

// Detect returns the first known manager whose binary is on PATH.
func Detect() (Manager, bool) {
	for _, m := range Known {
		if _, err := exec.LookPath(m.Binary); err == nil {
			return m, true
		}
	}
	return Manager{}, false
}

// Lookup returns the known manager with the given name.
func Lookup(name string) (Manager, bool) {
	for _, m := range Known {
		if m.Name == name {
			return m, true
		}
	}
	return Manager{}, false
}

// RetryPolicy bounds the wait for a busy package database.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultRetryPolicy waits up to a minute: 12 attempts, 5 seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 12, Interval: 5 * time.Second}
}

// Installer changes the installation state of packages.
type Installer interface {
	Install(ctx context.Context, pkg string) error
	Remove(ctx context.Context, pkg string) error
	Installed(ctx context.Context, pkg string) (bool, error)
}

// Helper runs a Manager's commands after waiting for the package
// database to be free.
type Helper struct {
	mgr     Manager
	runner  command.Runner
	procs   ProcessLister
	retry   RetryPolicy
	log     *logging.Logger
	metrics *metrics.Registry
	sleep   func(context.Context, time.Duration) error
}

// NewHelper builds a Helper. procs may be nil to skip lock detection.
func NewHelper(mgr Manager, runner command.Runner, procs ProcessLister, retry RetryPolicy, log *logging.Logger, m *metrics.Registry) *Helper {
	if log == nil {
		log = logging.Discard()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Helper{
		mgr:     mgr,
		runner:  runner,
		procs:   procs,
		retry:   retry,
		log:     log.Component("pkgmgr").WithFields(map[string]any{"manager": mgr.Name}),
		metrics: m,
		sleep:   sleepCtx,
	}
}

// SetSleep replaces the wait between attempts. Used by tests.
func (h *Helper) SetSleep(fn func(context.Context, time.Duration) error) { h.sleep = fn }

// Manager returns the wrapped manager description.
func (h *Helper) Manager() Manager { return h.mgr }

// WaitForLock blocks until no holder process is running, up to the retry
// policy. It fails with E_LOCK_TIMEOUT when the database stays busy.
func (h *Helper) WaitForLock(ctx context.Context) error {
	if h.procs == nil {
		return nil
	}
	for attempt := 1; attempt <= h.retry.MaxAttempts; attempt++ {
		holder, busy, err := h.procs.Running(ctx, h.mgr.Holders)
		if err != nil {
			h.log.Warn("process scan failed, proceeding without lock check", map[string]any{"error": err.Error()})
			return nil
		}
		if !busy {
			return nil
		}
		h.metrics.RecordLockWait(h.mgr.Name)
		h.log.Info("package database busy, waiting", map[string]any{
			"holder":  holder,
			"attempt": attempt,
			"max":     h.retry.MaxAttempts,
		})
		if attempt == h.retry.MaxAttempts {
			break
		}
		if err := h.sleep(ctx, h.retry.Interval); err != nil {
			return err
		}
	}
	return errclass.ErrLockTimeout.WithMessagef("%s database still locked after %d attempts", h.mgr.Name, h.retry.MaxAttempts)
}

func (h *Helper) run(ctx context.Context, tmpl, pkg string) (*command.Result, error) {
	if err := validPackage(pkg); err != nil {
		return nil, err
	}
	if err := h.WaitForLock(ctx); err != nil {
		return nil, err
	}
	return h.runner.Run(ctx, fmt.Sprintf(tmpl, pkg), nil)
}

// Install implements Installer.
func (h *Helper) Install(ctx context.Context, pkg string) error {
	res, err := h.run(ctx, h.mgr.Install, pkg)
	if err != nil {
		return err
	}
	return res.Err()
}

// Remove implements Installer.
func (h *Helper) Remove(ctx context.Context, pkg string) error {
	res, err := h.run(ctx, h.mgr.Remove, pkg)
	if err != nil {
		return err
	}
	return res.Err()
}

// Installed implements Installer.
func (h *Helper) Installed(ctx context.Context, pkg string) (bool, error) {
	if err := validPackage(pkg); err != nil {
		return false, err
	}
	res, err := h.runner.Run(ctx, fmt.Sprintf(h.mgr.Query, pkg), nil)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// validPackage rejects names that would be reinterpreted by the shell.
func validPackage(pkg string) error {
	if pkg == "" || strings.ContainsAny(pkg, " \t\n;&|`$<>'\"\\()") {
		return errclass.ErrEventInvalid.WithMessagef("invalid package name %q", pkg)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
