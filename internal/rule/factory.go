package rule

import (
	"fmt"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/internal/pkgmgr"
	"github.com/stonix-project/stonix/internal/recorder"
	"github.com/stonix-project/stonix/internal/service"
	"github.com/stonix-project/stonix/internal/undo"
	"github.com/stonix-project/stonix/pkg/config"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/model"
	"github.com/stonix-project/stonix/pkg/pathutil"
)

// Deps are the collaborators generic rules are built with.
type Deps struct {
	Recorder *recorder.Recorder
	Undo     *undo.Engine
	Runner   command.Runner
	Log      *logging.Logger
	// Packages and Services may be nil on hosts without a known package
	// manager or init system; their rules then report non-compliance.
	Packages pkgmgr.Installer
	Services service.Controller
}

// FromConfig builds rules from their configuration declarations.
func FromConfig(decls []config.RuleConfig, deps Deps) ([]Rule, error) {
	seen := make(map[int]bool, len(decls))
	rules := make([]Rule, 0, len(decls))
	for _, d := range decls {
		if d.Number <= 0 {
			return nil, fmt.Errorf("rule %q: number must be positive", d.Name)
		}
		if seen[d.Number] {
			return nil, fmt.Errorf("rule number %d declared twice", d.Number)
		}
		seen[d.Number] = true

		base := NewBase(d.Number, d.Name, deps.Recorder, deps.Undo, deps.Log)
		switch d.Type {
		case config.RuleFileMode:
			path, err := pathutil.CleanTarget(d.Path)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", d.Number, err)
			}
			mode, err := d.FileMode()
			if err != nil {
				return nil, err
			}
			rules = append(rules, &FileMode{Base: base, Path: path, UID: d.Owner, GID: d.Group, Mode: mode})

		case config.RuleConfigKey:
			path, err := pathutil.CleanTarget(d.Path)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", d.Number, err)
			}
			if d.Key == "" {
				return nil, fmt.Errorf("rule %d: key is required", d.Number)
			}
			r := &ConfigKey{Base: base, Path: path, Key: d.Key, Value: d.Value, Separator: d.Separator}
			if d.Mode != "" {
				mode, err := d.FileMode()
				if err != nil {
					return nil, err
				}
				r.CreateMode = mode
			}
			rules = append(rules, r)

		case config.RuleCommand:
			if d.Check == "" || d.Fix == "" {
				return nil, fmt.Errorf("rule %d: check and fix commands are required", d.Number)
			}
			rules = append(rules, &Command{Base: base, Runner: deps.Runner, Check: d.Check, FixCommand: d.Fix, UndoCommand: d.Undo})

		case config.RulePackage:
			want := model.PackageState(d.State)
			if d.Package == "" || (want != model.PackageInstalled && want != model.PackageRemoved) {
				return nil, fmt.Errorf("rule %d: package needs a name and state installed or removed", d.Number)
			}
			rules = append(rules, &Package{Base: base, Packages: deps.Packages, Pkg: d.Package, Want: want})

		case config.RuleService:
			want := model.ServiceState(d.State)
			if d.Service == "" || (want != model.ServiceEnabled && want != model.ServiceDisabled) {
				return nil, fmt.Errorf("rule %d: service needs a name and state enabled or disabled", d.Number)
			}
			rules = append(rules, &Service{Base: base, Services: deps.Services, Svc: d.Service, Unit: d.ServiceTarget, Want: want})

		default:
			return nil, fmt.Errorf("rule %d: unknown type %q", d.Number, d.Type)
		}
	}
	return rules, nil
}
