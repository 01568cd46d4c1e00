// Package service enables and disables system services for undo of
// servicehelper events.
package service

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/logging"
)

// Backend holds one init system's command templates. %[1]s is the service
// name and %[2]s the service target (a unit or plist path, may be empty).
type Backend struct {
	Name      string
	Binary    string
	Enable    string
	Disable   string
	IsEnabled string
}

// Known init systems, in detection order.
var Known = []Backend{
	{
		Name: "systemd", Binary: "systemctl",
		Enable:    "systemctl enable %[1]s",
		Disable:   "systemctl disable %[1]s",
		IsEnabled: "systemctl is-enabled --quiet %[1]s",
	},
	{
		Name: "launchd", Binary: "launchctl",
		Enable:    "launchctl load -w %[2]s",
		Disable:   "launchctl unload -w %[2]s",
		IsEnabled: "launchctl list %[1]s",
	},
	{
		Name: "chkconfig", Binary: "chkconfig",
		Enable:    "chkconfig %[1]s on",
		Disable:   "chkconfig %[1]s off",
		IsEnabled: "chkconfig --list %[1]s 2>/dev/null | grep -q ':on'",
	},
	{
		Name: "sysv-rc", Binary: "update-rc.d",
		Enable:    "update-rc.d %[1]s enable",
		Disable:   "update-rc.d %[1]s disable",
		IsEnabled: "ls /etc/rc[2345].d/S??%[1]s >/dev/null 2>&1",
	},
}

// Detect returns the first init system whose control binary is on PATH.
func Detect() (Backend, bool) {
	for _, b := range Known {
		if _, err := exec.LookPath(b.Binary); err == nil {
			return b, true
		}
	}
	return Backend{}, false
}

// Lookup returns the known backend with the given name.
func Lookup(name string) (Backend, bool) {
	for _, b := range Known {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}

// Controller changes service enablement.
type Controller interface {
	Enable(ctx context.Context, name, target string) error
	Disable(ctx context.Context, name, target string) error
	Enabled(ctx context.Context, name, target string) (bool, error)
}

// Helper runs a Backend's templates through a command.Runner.
type Helper struct {
	backend Backend
	runner  command.Runner
	log     *logging.Logger
}

// NewHelper returns a Helper for backend.
func NewHelper(backend Backend, runner command.Runner, log *logging.Logger) *Helper {
	if log == nil {
		log = logging.Discard()
	}
	return &Helper{
		backend: backend,
		runner:  runner,
		log:     log.Component("service").WithFields(map[string]any{"backend": backend.Name}),
	}
}

func (h *Helper) render(tmpl, name, target string) (string, error) {
	if name == "" || strings.ContainsAny(name, " \t\n;&|`$<>'\"\\()") {
		return "", errclass.ErrEventInvalid.WithMessagef("invalid service name %q", name)
	}
	if strings.ContainsAny(target, "\n;&|`$<>'\"\\()") {
		return "", errclass.ErrEventInvalid.WithMessagef("invalid service target %q", target)
	}
	if strings.Contains(tmpl, "%[2]s") && target == "" {
		return "", errclass.ErrEventInvalid.WithMessagef("%s needs a service target for %s", h.backend.Name, name)
	}
	return fmt.Sprintf(tmpl, name, target), nil
}

// Enable implements Controller.
func (h *Helper) Enable(ctx context.Context, name, target string) error {
	return h.exec(ctx, h.backend.Enable, name, target)
}

// Disable implements Controller.
func (h *Helper) Disable(ctx context.Context, name, target string) error {
	return h.exec(ctx, h.backend.Disable, name, target)
}

func (h *Helper) exec(ctx context.Context, tmpl, name, target string) error {
	cmd, err := h.render(tmpl, name, target)
	if err != nil {
		return err
	}
	h.log.Info("changing service state", map[string]any{"service": name, "command": cmd})
	_, err = command.Exec(ctx, h.runner, cmd, nil)
	return err
}

// Enabled implements Controller.
func (h *Helper) Enabled(ctx context.Context, name, target string) (bool, error) {
	cmd, err := h.render(h.backend.IsEnabled, name, target)
	if err != nil {
		return false, err
	}
	res, err := h.runner.Run(ctx, cmd, nil)
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}
