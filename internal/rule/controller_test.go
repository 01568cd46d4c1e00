package rule_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stonix-project/stonix/internal/rule"
	"github.com/stonix-project/stonix/pkg/config"
	"github.com/stonix-project/stonix/pkg/logging"
	"github.com/stonix-project/stonix/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRule struct {
	number int
	report bool
	fix    func(ctx context.Context) (bool, error)
	calls  *[]string
	detail string
}

func (s *stubRule) Number() int    { return s.number }
func (s *stubRule) Name() string   { return "stub" }
func (s *stubRule) Detail() string { return s.detail }

func (s *stubRule) Report(context.Context) (bool, error) {
	*s.calls = append(*s.calls, "report")
	return s.report, nil
}

func (s *stubRule) Fix(ctx context.Context) (bool, error) {
	*s.calls = append(*s.calls, "fix")
	if s.fix != nil {
		return s.fix(ctx)
	}
	s.report = true
	return true, nil
}

func (s *stubRule) Undo(context.Context) (bool, error) {
	*s.calls = append(*s.calls, "undo")
	return true, nil
}

func TestController_FixThenReport(t *testing.T) {
	var calls []string
	r := &stubRule{number: 1, calls: &calls}
	c := rule.NewController(logging.Discard(), metrics.NewRegistry(), r)

	res, err := c.Fix(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Fixed)
	assert.True(t, res[0].Compliant)
	assert.Equal(t, rule.ActionFix, res[0].Action)
	assert.Equal(t, []string{"fix", "report"}, calls)
}

func TestController_RecoversPanic(t *testing.T) {
	var calls []string
	bad := &stubRule{number: 1, calls: &calls, fix: func(context.Context) (bool, error) { panic("kaboom") }}
	good := &stubRule{number: 2, calls: &calls}
	c := rule.NewController(logging.Discard(), nil, bad, good)

	res, err := c.Fix(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.False(t, res[0].Fixed)
	assert.Contains(t, res[0].Error, "kaboom")
	assert.True(t, res[1].Fixed)
}

func TestController_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	first := &stubRule{number: 1, calls: &calls, fix: func(context.Context) (bool, error) {
		cancel()
		return true, nil
	}}
	second := &stubRule{number: 2, calls: &calls}
	c := rule.NewController(logging.Discard(), nil, first, second)

	res, err := c.Fix(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0].Number)
	assert.NotContains(t, calls, "undo")
}

func TestController_UndoRunsInReverse(t *testing.T) {
	var calls []string
	a := &stubRule{number: 1, calls: &calls}
	b := &stubRule{number: 2, calls: &calls}
	c := rule.NewController(logging.Discard(), nil, a, b)

	res, err := c.Undo(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 2, res[0].Number)
	assert.Equal(t, 1, res[1].Number)
	assert.True(t, res[0].Undone)
}

func TestController_Select(t *testing.T) {
	var calls []string
	c := rule.NewController(logging.Discard(), nil,
		&stubRule{number: 1, calls: &calls},
		&stubRule{number: 2, calls: &calls},
		&stubRule{number: 3, calls: &calls})

	sel, err := c.Select([]int{3, 1})
	require.NoError(t, err)
	require.Len(t, sel.Rules(), 2)
	assert.Equal(t, 1, sel.Rules()[0].Number())
	assert.Equal(t, 3, sel.Rules()[1].Number())

	_, err = c.Select([]int{9})
	assert.Error(t, err)

	all, err := c.Select(nil)
	require.NoError(t, err)
	assert.Len(t, all.Rules(), 3)
}

func TestFromConfig(t *testing.T) {
	e := newEnv(t)
	uid := 0
	decls := []config.RuleConfig{
		{Number: 1, Name: "Shadow", Type: config.RuleFileMode, Path: "/etc/shadow", Owner: &uid, Mode: "0600"},
		{Number: 2, Name: "SSHRoot", Type: config.RuleConfigKey, Path: "/etc/ssh/sshd_config", Key: "PermitRootLogin", Value: "no"},
		{Number: 3, Name: "Avahi", Type: config.RuleCommand, Check: "true", Fix: "true", Undo: "true"},
	}
	rules, err := rule.FromConfig(decls, e.deps())
	require.NoError(t, err)
	require.Len(t, rules, 3)
	fm, ok := rules[0].(*rule.FileMode)
	require.True(t, ok)
	assert.Equal(t, 0o600, int(fm.Mode))
	assert.IsType(t, &rule.ConfigKey{}, rules[1])
	assert.IsType(t, &rule.Command{}, rules[2])
}

func TestFromConfig_Invalid(t *testing.T) {
	e := newEnv(t)
	cases := map[string][]config.RuleConfig{
		"duplicate": {
			{Number: 1, Type: config.RuleCommand, Check: "true", Fix: "true"},
			{Number: 1, Type: config.RuleCommand, Check: "true", Fix: "true"},
		},
		"relative path": {{Number: 1, Type: config.RuleFileMode, Path: "etc/shadow", Mode: "0600"}},
		"missing key":   {{Number: 1, Type: config.RuleConfigKey, Path: "/etc/x"}},
		"missing fix":   {{Number: 1, Type: config.RuleCommand, Check: "true"}},
		"unknown type":  {{Number: 1, Type: "magic"}},
		"zero number":   {{Number: 0, Type: config.RuleCommand, Check: "true", Fix: "true"}},
	}
	for name, decls := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rule.FromConfig(decls, e.deps())
			assert.Error(t, err)
		})
	}
}
