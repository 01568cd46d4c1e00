// Package rule defines the contract compliance rules implement and the
// helpers that keep their change history consistent.
package rule

import (
	"context"
	"fmt"
	"strings"

	"github.com/stonix-project/stonix/internal/recorder"
	"github.com/stonix-project/stonix/internal/undo"
	"github.com/stonix-project/stonix/pkg/logging"
)

// Rule is one compliance check with an optional fix and undo.
//
// Report, Fix and Undo return false with a detail message for ordinary
// failures. A non-nil error means the run should stop (operator abort or
// an unusable state directory).
type Rule interface {
	Number() int
	Name() string
	Report(ctx context.Context) (bool, error)
	Fix(ctx context.Context) (bool, error)
	Undo(ctx context.Context) (bool, error)
	Detail() string
}

// Base carries what every rule needs. Concrete rules embed it.
type Base struct {
	number   int
	name     string
	Recorder *recorder.Recorder
	Undoer   *undo.Engine
	Log      *logging.Logger
	details  []string
}

// NewBase returns a Base for rule number/name.
func NewBase(number int, name string, rec *recorder.Recorder, eng *undo.Engine, log *logging.Logger) Base {
	if log == nil {
		log = logging.Discard()
	}
	return Base{
		number:   number,
		name:     name,
		Recorder: rec,
		Undoer:   eng,
		Log:      log.WithFields(map[string]any{"rule": number, "rule_name": name}),
	}
}

func (b *Base) Number() int  { return b.number }
func (b *Base) Name() string { return b.name }

// Detail returns the messages accumulated by the last action.
func (b *Base) Detail() string { return strings.Join(b.details, "\n") }

// Note appends a detail line.
func (b *Base) Note(format string, args ...any) {
	b.details = append(b.details, fmt.Sprintf(format, args...))
}

// ResetDetail clears accumulated messages; actions call it on entry.
func (b *Base) ResetDetail() { b.details = nil }

// BeginFix clears events left by an earlier fix so undo only ever sees
// the current generation of changes. Every Fix must call it first.
func (b *Base) BeginFix() error {
	b.ResetDetail()
	n, err := b.Recorder.ClearRule(b.number)
	if err != nil {
		return fmt.Errorf("clear stale events of rule %d: %w", b.number, err)
	}
	if n > 0 {
		b.Log.Debug("cleared stale events", map[string]any{"count": n})
	}
	return nil
}

// Undo reverts everything the last fix recorded.
func (b *Base) Undo(ctx context.Context) (bool, error) {
	b.ResetDetail()
	res, err := b.Undoer.Undo(ctx, b.number)
	if res != nil {
		if res.Reverted == 0 && res.Failed == 0 && res.Missing == 0 {
			b.Note("no recorded changes to revert")
		}
		for _, d := range res.Details() {
			b.Note("%s", d)
		}
	}
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}
