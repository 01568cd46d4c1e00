package rule

import (
	"context"

	"github.com/stonix-project/stonix/internal/pkgmgr"
	"github.com/stonix-project/stonix/internal/service"
	"github.com/stonix-project/stonix/pkg/model"
)

// Package ensures a package is installed or removed.
type Package struct {
	Base
	Packages pkgmgr.Installer
	Pkg      string
	Want     model.PackageState
}

func (r *Package) current(ctx context.Context) (model.PackageState, error) {
	installed, err := r.Packages.Installed(ctx, r.Pkg)
	if err != nil {
		return "", err
	}
	if installed {
		return model.PackageInstalled, nil
	}
	return model.PackageRemoved, nil
}

// Report implements Rule.
func (r *Package) Report(ctx context.Context) (bool, error) {
	r.ResetDetail()
	if r.Packages == nil {
		r.Note("no package manager available")
		return false, nil
	}
	have, err := r.current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("cannot query %s: %v", r.Pkg, err)
		return false, nil
	}
	if have != r.Want {
		r.Note("package %s is %s, expected %s", r.Pkg, have, r.Want)
		return false, nil
	}
	return true, nil
}

// Fix implements Rule.
func (r *Package) Fix(ctx context.Context) (bool, error) {
	if err := r.BeginFix(); err != nil {
		return false, err
	}
	if r.Packages == nil {
		r.Note("no package manager available")
		return false, nil
	}
	have, err := r.current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("cannot query %s: %v", r.Pkg, err)
		return false, nil
	}
	if have == r.Want {
		return true, nil
	}
	apply := func() error { return r.Packages.Remove(ctx, r.Pkg) }
	if r.Want == model.PackageInstalled {
		apply = func() error { return r.Packages.Install(ctx, r.Pkg) }
	}
	if _, err := r.Recorder.RecordPackage(r.Number(), r.Pkg, have, r.Want, apply); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("could not make %s %s: %v", r.Pkg, r.Want, err)
		return false, nil
	}
	r.Note("package %s %s", r.Pkg, r.Want)
	return true, nil
}

// Service ensures a service is enabled or disabled.
type Service struct {
	Base
	Services service.Controller
	Svc      string
	// Unit is the unit file or plist path for init systems that need one.
	Unit string
	Want model.ServiceState
}

func (r *Service) current(ctx context.Context) (model.ServiceState, error) {
	enabled, err := r.Services.Enabled(ctx, r.Svc, r.Unit)
	if err != nil {
		return "", err
	}
	if enabled {
		return model.ServiceEnabled, nil
	}
	return model.ServiceDisabled, nil
}

// Report implements Rule.
func (r *Service) Report(ctx context.Context) (bool, error) {
	r.ResetDetail()
	if r.Services == nil {
		r.Note("no service manager available")
		return false, nil
	}
	have, err := r.current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("cannot query %s: %v", r.Svc, err)
		return false, nil
	}
	if have != r.Want {
		r.Note("service %s is %s, expected %s", r.Svc, have, r.Want)
		return false, nil
	}
	return true, nil
}

// Fix implements Rule.
func (r *Service) Fix(ctx context.Context) (bool, error) {
	if err := r.BeginFix(); err != nil {
		return false, err
	}
	if r.Services == nil {
		r.Note("no service manager available")
		return false, nil
	}
	have, err := r.current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("cannot query %s: %v", r.Svc, err)
		return false, nil
	}
	if have == r.Want {
		return true, nil
	}
	apply := func() error { return r.Services.Disable(ctx, r.Svc, r.Unit) }
	if r.Want == model.ServiceEnabled {
		apply = func() error { return r.Services.Enable(ctx, r.Svc, r.Unit) }
	}
	if _, err := r.Recorder.RecordService(r.Number(), r.Svc, r.Unit, have, r.Want, apply); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("could not make %s %s: %v", r.Svc, r.Want, err)
		return false, nil
	}
	r.Note("service %s %s", r.Svc, r.Want)
	return true, nil
}
