package rule

import (
	"context"
	"fmt"
	"time"

	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
)

// Actions a Controller can run.
const (
	ActionReport = "report"
	ActionFix    = "fix"
	ActionUndo   = "undo"
)

// RuleResult is the outcome of one rule in a controller pass.
type RuleResult struct {
	Number    int    `json:"number"`
	Name      string `json:"name"`
	Action    string `json:"action"`
	Compliant bool   `json:"compliant"`
	Fixed     bool   `json:"fixed,omitempty"`
	Undone    bool   `json:"undone,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Controller runs rules one at a time in a fixed order.
type Controller struct {
	rules   []Rule
	log     *logging.Logger
	metrics *metrics.Registry
}

// NewController returns a Controller over rules.
func NewController(log *logging.Logger, m *metrics.Registry, rules ...Rule) *Controller {
	if log == nil {
		log = logging.Discard()
	}
	return &Controller{rules: rules, log: log.Component("controller"), metrics: m}
}

// Rules returns the controller's rules in run order.
func (c *Controller) Rules() []Rule { return c.rules }

// Select returns a controller limited to the given rule numbers. An empty
// list selects every rule.
func (c *Controller) Select(numbers []int) (*Controller, error) {
	if len(numbers) == 0 {
		return c, nil
	}
	byNumber := make(map[int]Rule, len(c.rules))
	for _, r := range c.rules {
		byNumber[r.Number()] = r
	}
	want := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		if _, ok := byNumber[n]; !ok {
			return nil, fmt.Errorf("no rule numbered %d", n)
		}
		want[n] = true
	}
	var sel []Rule
	for _, r := range c.rules {
		if want[r.Number()] {
			sel = append(sel, r)
		}
	}
	return &Controller{rules: sel, log: c.log, metrics: c.metrics}, nil
}

// Report checks every rule.
func (c *Controller) Report(ctx context.Context) ([]RuleResult, error) {
	return c.each(ctx, ActionReport, c.rules, func(r Rule, res *RuleResult) (bool, error) {
		ok, err := r.Report(ctx)
		res.Compliant = ok
		return ok, err
	})
}

// Fix fixes every rule, then re-checks it.
func (c *Controller) Fix(ctx context.Context) ([]RuleResult, error) {
	return c.each(ctx, ActionFix, c.rules, func(r Rule, res *RuleResult) (bool, error) {
		ok, err := r.Fix(ctx)
		res.Fixed = ok
		if err != nil {
			return false, err
		}
		fixDetail := r.Detail()
		compliant, err := r.Report(ctx)
		res.Compliant = compliant
		if fixDetail != "" && r.Detail() != "" {
			res.Detail = fixDetail + "\n" + r.Detail()
		} else {
			res.Detail = fixDetail + r.Detail()
		}
		return ok, err
	})
}

// Undo reverts every rule, last rule first, so changes layered by later
// rules come off before the ones beneath them.
func (c *Controller) Undo(ctx context.Context) ([]RuleResult, error) {
	rev := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		rev[len(c.rules)-1-i] = r
	}
	return c.each(ctx, ActionUndo, rev, func(r Rule, res *RuleResult) (bool, error) {
		ok, err := r.Undo(ctx)
		res.Undone = ok
		return ok, err
	})
}

func (c *Controller) each(ctx context.Context, action string, rules []Rule, fn func(Rule, *RuleResult) (bool, error)) ([]RuleResult, error) {
	c.metrics.MarkRun(time.Now())
	results := make([]RuleResult, 0, len(rules))
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			c.log.Warn("run aborted", map[string]any{"action": action, "remaining": len(rules) - len(results)})
			return results, err
		}
		res := RuleResult{Number: r.Number(), Name: r.Name(), Action: action}
		ok, err := c.invoke(r, &res, fn)
		if res.Detail == "" {
			res.Detail = r.Detail()
		}
		c.metrics.RecordRuleRun(action, ok && err == nil)
		if err != nil {
			res.Error = err.Error()
			c.log.ErrorErr("rule failed", err, map[string]any{"rule": r.Number(), "action": action})
			if ctx.Err() != nil {
				results = append(results, res)
				return results, ctx.Err()
			}
		} else {
			c.log.Info("rule finished", map[string]any{"rule": r.Number(), "action": action, "success": ok})
		}
		results = append(results, res)
	}
	return results, nil
}

// invoke runs fn and turns a panic into a failed result.
func (c *Controller) invoke(r Rule, res *RuleResult, fn func(Rule, *RuleResult) (bool, error)) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = fmt.Errorf("rule %d (%s) panicked: %v", r.Number(), r.Name(), p)
		}
	}()
	return fn(r, res)
}
