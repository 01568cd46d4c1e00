// Package undo reverts a rule's recorded change events.
//
// Events are reverted strictly in reverse creation order. Each reverted
// event is deleted; an event whose inverse fails stays recorded so a later
// undo can retry it.
package undo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/internal/pkgmgr"
	"github.com/stonix-project/stonix/internal/service"
	"github.com/stonix-project/stonix/pkg/errclass"
	"github.com/stonix-project/stonix/pkg/fsutil"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stonix-project/stonix/pkg/model"
)

// EventSource is the subset of the change recorder undo needs.
type EventSource interface {
	FindRuleChanges(rule int) []model.EventKey
	GetEvent(key model.EventKey) (model.ChangeEvent, error)
	DeleteEntry(key model.EventKey) error
	RevertFileChanges(path string, key model.EventKey) error
	RevertFileDelete(path string, key model.EventKey) error
}

// Outcome statuses.
const (
	StatusReverted = "reverted"
	StatusFailed   = "failed"
	StatusMissing  = "missing"
)

// Outcome is what happened to one event.
type Outcome struct {
	Key    model.EventKey  `json:"key"`
	Type   model.EventType `json:"eventtype,omitempty"`
	Target string          `json:"target,omitempty"`
	Status string          `json:"status"`
	Detail string          `json:"detail,omitempty"`
}

// Result summarizes one undo pass over a rule.
type Result struct {
	Rule     int             `json:"rule"`
	State    model.UndoState `json:"state"`
	Reverted int             `json:"reverted"`
	Failed   int             `json:"failed"`
	Missing  int             `json:"missing"`
	Outcomes []Outcome       `json:"outcomes"`
	// Notes flags same-target events of different types whose order
	// matters, plus bookkeeping problems that did not fail the undo.
	Notes []string `json:"notes,omitempty"`
}

// Success reports whether every present event was reverted.
func (r *Result) Success() bool { return r.Failed == 0 }

// Details renders failures and notes as human-readable lines.
func (r *Result) Details() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status != StatusReverted {
			out = append(out, fmt.Sprintf("event %s %s: %s", o.Key, o.Status, o.Detail))
		}
	}
	return append(out, r.Notes...)
}

// Engine reverts change events.
type Engine struct {
	events   EventSource
	runner   command.Runner
	packages pkgmgr.Installer
	services service.Controller
	log      *logging.Logger
	metrics  *metrics.Registry
}

// Option configures an Engine.
type Option func(*Engine)

// WithPackages sets the installer used for pkghelper events.
func WithPackages(p pkgmgr.Installer) Option { return func(e *Engine) { e.packages = p } }

// WithServices sets the controller used for servicehelper events.
func WithServices(s service.Controller) Option { return func(e *Engine) { e.services = s } }

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

// New returns an Engine reading events from src and running inverse
// commands through runner.
func New(src EventSource, runner command.Runner, log *logging.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	e := &Engine{events: src, runner: runner, log: log.Component("undo")}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Undo reverts every recorded event of rule, newest first. Per-event
// failures are reported in the Result. The error is non-nil only when ctx
// is cancelled, in which case the partial Result is returned as well.
func (e *Engine) Undo(ctx context.Context, rule int) (*Result, error) {
	res := &Result{Rule: rule, State: model.UndoIdle}
	log := e.log.WithFields(map[string]any{"rule": rule})

	keys := e.events.FindRuleChanges(rule)
	res.State = model.UndoReverting
	log.Info("undo started", map[string]any{"events": len(keys)})

	var events []model.ChangeEvent
	for _, k := range keys {
		ev, err := e.events.GetEvent(k)
		if err != nil {
			if errors.Is(err, errclass.ErrEventNotFound) {
				// History from an interrupted run may be incomplete.
				log.Warn("event missing, skipping", map[string]any{"key": k.String()})
				res.Missing++
				res.Outcomes = append(res.Outcomes, Outcome{Key: k, Status: StatusMissing, Detail: err.Error()})
				e.metrics.RecordUndo("", metrics.OutcomeMissing)
				continue
			}
			res.Failed++
			res.Outcomes = append(res.Outcomes, Outcome{Key: k, Status: StatusFailed, Detail: err.Error()})
			continue
		}
		events = append(events, ev)
	}

	res.Notes = append(res.Notes, Dependencies(events)...)

	for i := len(events) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			res.State = model.UndoPartiallyReverted
			log.Warn("undo aborted", map[string]any{"remaining": i + 1})
			return res, err
		}
		ev := events[i]
		out := Outcome{Key: ev.Key, Type: ev.Type(), Target: ev.Payload.Target()}

		if err := e.revert(ctx, ev); err != nil {
			out.Status = StatusFailed
			out.Detail = err.Error()
			res.Failed++
			log.ErrorErr("could not revert event", err, map[string]any{"key": ev.Key.String(), "eventtype": string(ev.Type())})
			e.metrics.RecordUndo(string(ev.Type()), metrics.OutcomeFailed)
		} else {
			out.Status = StatusReverted
			res.Reverted++
			e.metrics.RecordUndo(string(ev.Type()), metrics.OutcomeReverted)
			if err := e.events.DeleteEntry(ev.Key); err != nil {
				res.Notes = append(res.Notes, fmt.Sprintf("event %s reverted but not deleted: %v", ev.Key, err))
			}
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	if res.Failed > 0 {
		res.State = model.UndoPartiallyReverted
	} else {
		res.State = model.UndoReverted
	}
	log.Info("undo finished", map[string]any{
		"state":    string(res.State),
		"reverted": res.Reverted,
		"failed":   res.Failed,
		"missing":  res.Missing,
	})
	return res, nil
}

// Dependencies returns a note for each event whose target was last touched
// by an event of a different type. Such pairs are reverted in
// reverse order like everything else; the note makes the dependency
// visible in the report.
func Dependencies(events []model.ChangeEvent) []string {
	var notes []string
	last := make(map[string]model.ChangeEvent)
	for _, ev := range events {
		target := ev.Payload.Target()
		if target == "" {
			continue
		}
		if prev, ok := last[target]; ok && prev.Type() != ev.Type() {
			notes = append(notes, fmt.Sprintf("dependency: %s (%s) reverted before %s (%s) on %s",
				ev.Key, ev.Type(), prev.Key, prev.Type(), target))
		}
		last[target] = ev
	}
	return notes
}

func (e *Engine) revert(ctx context.Context, ev model.ChangeEvent) error {
	switch p := ev.Payload.(type) {
	case model.PermChange:
		return fsutil.ApplyOwnership(p.Path, p.Start.UID, p.Start.GID, p.Start.Mode)

	case model.ConfChange:
		return e.events.RevertFileChanges(p.Path, ev.Key)

	case model.Creation:
		if p.Existed {
			return nil
		}
		return removeCreated(p.Path)

	case model.Deletion:
		return e.events.RevertFileDelete(p.Path, ev.Key)

	case model.CommandChange:
		if e.runner == nil {
			return errclass.ErrCommandFailed.WithMessage("no command runner configured")
		}
		_, err := command.Exec(ctx, e.runner, p.Command, nil)
		return err

	case model.AppleSecChange:
		if e.runner == nil {
			return errclass.ErrCommandFailed.WithMessage("no command runner configured")
		}
		_, err := command.Exec(ctx, e.runner, "security authorizationdb write "+shellQuote(p.Right), []byte(p.Prior))
		return err

	case model.PackageChange:
		if e.packages == nil {
			return errclass.ErrCommandFailed.WithMessagef("no package manager available to restore %s", p.Package)
		}
		if p.Start == model.PackageInstalled {
			return e.packages.Install(ctx, p.Package)
		}
		return e.packages.Remove(ctx, p.Package)

	case model.ServiceChange:
		if e.services == nil {
			return errclass.ErrCommandFailed.WithMessagef("no service manager available to restore %s", p.Service)
		}
		if p.Start == model.ServiceEnabled {
			return e.services.Enable(ctx, p.Service, p.Unit)
		}
		return e.services.Disable(ctx, p.Service, p.Unit)

	default:
		return errclass.ErrEventInvalid.WithMessagef("event %s has unsupported type %q", ev.Key, ev.Type())
	}
}

// removeCreated deletes a path a fix created. Directories are removed only
// when empty. A path that is already gone counts as reverted.
func removeCreated(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove created %s: %w", path, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
