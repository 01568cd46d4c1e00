package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/internal/eventstore"
	"github.com/stonix-project/stonix/internal/filestate"
	"github.com/stonix-project/stonix/internal/lock"
	"github.com/stonix-project/stonix/internal/pkgmgr"
	"github.com/stonix-project/stonix/internal/recorder"
	"github.com/stonix-project/stonix/internal/rule"
	"github.com/stonix-project/stonix/internal/service"
	"github.com/stonix-project/stonix/internal/statedir"
	"github.com/stonix-project/stonix/internal/undo"
	"github.com/stonix-project/stonix/pkg/config"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stonix-project/stonix/pkg/model"
)

// app is everything one command invocation works with, wired from the
// state directory and its config.
type app struct {
	dir     *statedir.StateDir
	cfg     *config.Config
	runID   string
	log     *logging.Logger
	logOut  io.WriteCloser
	metrics *metrics.Registry
	store   *eventstore.Store
	files   *filestate.Manager
	runner  command.Runner
	rec     *recorder.Recorder
	undo    *undo.Engine
	locks   *lock.Manager
	pkgs    pkgmgr.Installer
	svcs    service.Controller
}

// openApp opens the state directory selected by --state.
func openApp() (*app, error) {
	root := statedir.Resolve(stateFlag)
	sd, err := statedir.Open(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no state directory at %s (run 'stonix init')", root)
		}
		return nil, err
	}
	cfg, err := config.Load(sd.Root)
	if err != nil {
		return nil, err
	}

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = sd.LogPath()
	}
	logOut := logging.NewFileOutput(logging.FileOutputOptions{
		Filename:   logFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	runID := statedir.NewRunID()
	base := logging.NewLogger(level)
	base.SetOutput(logOut)
	log := base.WithFields(map[string]any{"run_id": runID, "host_id": sd.HostID})

	a := &app{dir: sd, cfg: cfg, runID: runID, log: log, logOut: logOut, metrics: metrics.NewRegistry()}

	a.store, err = eventstore.Open(sd.EventLogPath(), runID, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.files, err = filestate.New(sd.SnapshotRoot(), cfg.Version, log, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = command.NewShellRunner(log)
	a.rec = recorder.New(a.store, a.files, a.runner, log, a.metrics)

	opts := []undo.Option{undo.WithMetrics(a.metrics)}
	if mgr, ok := pkgmgr.Detect(); ok {
		retry := pkgmgr.RetryPolicy{MaxAttempts: cfg.LockRetry.MaxAttempts, Interval: cfg.LockRetry.Interval}
		a.pkgs = pkgmgr.NewHelper(mgr, a.runner, pkgmgr.SystemProcesses{}, retry, log, a.metrics)
		opts = append(opts, undo.WithPackages(a.pkgs))
	}
	if backend, ok := service.Detect(); ok {
		a.svcs = service.NewHelper(backend, a.runner, log)
		opts = append(opts, undo.WithServices(a.svcs))
	}
	a.undo = undo.New(a.rec, a.runner, log, opts...)
	a.locks = lock.NewManager(sd.LocksDir(), model.DefaultLockPolicy(), log)
	return a, nil
}

// Close flushes the metrics textfile, if configured, and the log.
func (a *app) Close() {
	if a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.log.Warn("metrics textfile not written", map[string]any{"error": err.Error()})
		}
	}
	if a.logOut != nil {
		a.logOut.Close()
	}
}

// withLock runs fn while holding the state directory's run lock, waiting
// up to --lock-wait for another run to finish. The lease is renewed in
// the background for as long as fn runs.
func (a *app) withLock(ctx context.Context, purpose string, fn func() error) error {
	var (
		rec *model.LockRecord
		err error
	)
	if lockWait > 0 {
		rec, err = a.locks.AcquireWait(ctx, a.runID, purpose, lockWait, time.Second)
	} else {
		rec, err = a.locks.Acquire(a.runID, purpose)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := a.locks.Release(rec.HolderNonce); err != nil {
			a.log.Warn("run lock not released", map[string]any{"error": err.Error()})
		}
	}()
	stop := a.locks.Keep(rec.HolderNonce, 0)
	defer stop()
	return fn()
}

// controller builds the configured rules, limited to numbers when given.
func (a *app) controller(numbers []int) (*rule.Controller, error) {
	rules, err := rule.FromConfig(a.cfg.Rules, rule.Deps{
		Recorder: a.rec,
		Undo:     a.undo,
		Runner:   a.runner,
		Log:      a.log,
		Packages: a.pkgs,
		Services: a.svcs,
	})
	if err != nil {
		return nil, err
	}
	return rule.NewController(a.log, a.metrics, rules...).Select(numbers)
}
