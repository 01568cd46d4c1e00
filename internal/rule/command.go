package rule

import (
	"context"

	"github.com/stonix-project/stonix/internal/command"
	"github.com/stonix-project/stonix/pkg/model"
)

// Command checks compliance with a command's exit status and fixes with
// another command. UndoCommand is recorded as the fix's inverse.
type Command struct {
	Base
	Runner      command.Runner
	Check       string
	FixCommand  string
	UndoCommand string
}

// Report implements Rule.
func (r *Command) Report(ctx context.Context) (bool, error) {
	r.ResetDetail()
	res, err := r.Runner.Run(ctx, r.Check, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("check failed to run: %v", err)
		return false, nil
	}
	if !res.Success() {
		r.Note("check %q exited %d", r.Check, res.ExitCode)
		return false, nil
	}
	return true, nil
}

// Fix implements Rule.
func (r *Command) Fix(ctx context.Context) (bool, error) {
	if err := r.BeginFix(); err != nil {
		return false, err
	}
	if r.UndoCommand == "" {
		if _, err := command.Exec(ctx, r.Runner, r.FixCommand, nil); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.Note("fix failed: %v", err)
			return false, nil
		}
		r.Note("fix applied without an undo command; it cannot be reverted")
		return true, nil
	}
	if _, err := r.Recorder.RunCommand(ctx, r.Number(), model.EventCommandString, r.FixCommand, r.UndoCommand); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.Note("fix failed: %v", err)
		return false, nil
	}
	return true, nil
}
