package command

import (
	"context"
	"sync"
)

// Call is one invocation seen by a FakeRunner.
type Call struct {
	Command string
	Stdin   []byte
}

// FakeRunner records invocations and answers from a table. Commands not
// in Results exit 0.
type FakeRunner struct {
	mu      sync.Mutex
	Calls   []Call
	Results map[string]*Result
	Errors  map[string]error
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Results: map[string]*Result{}, Errors: map[string]error{}}
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, command string, stdin []byte) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Command: command, Stdin: append([]byte(nil), stdin...)})
	if err, ok := f.Errors[command]; ok {
		return nil, err
	}
	if res, ok := f.Results[command]; ok {
		cp := *res
		cp.Command = command
		return &cp, nil
	}
	return &Result{Command: command}, nil
}

// Commands returns the command strings in invocation order.
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Command
	}
	return out
}
