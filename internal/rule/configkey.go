package rule

import (
	"context"
	"os"
	"strings"
)

// ConfigKey ensures a "key<sep>value" line in a configuration file. A
// missing file is created.
type ConfigKey struct {
	Base
	Path      string
	Key       string
	Value     string
	Separator string
	// CreateMode is used when the file does not exist.
	CreateMode os.FileMode
}

func (r *ConfigKey) sep() string {
	if r.Separator == "" {
		return " "
	}
	return r.Separator
}

// parse returns the key and value of a config line, or ok=false for blank
// lines and comments.
func (r *ConfigKey) parse(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	if strings.TrimSpace(r.sep()) == "" {
		fields := strings.Fields(trimmed)
		return fields[0], strings.Join(fields[1:], " "), true
	}
	k, v, found := strings.Cut(trimmed, strings.TrimSpace(r.sep()))
	if !found {
		return trimmed, "", true
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

// Render returns content with the key set; changed is false when content
// already complies. The first occurrence is rewritten in place and later
// duplicates are dropped.
func (r *ConfigKey) Render(content string) (out string, changed bool) {
	want := r.Key + r.sep() + r.Value
	lines := strings.SplitAfter(content, "\n")
	var b strings.Builder
	seen := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		k, v, ok := r.parse(line)
		if !ok || k != r.Key {
			b.WriteString(line)
			continue
		}
		if seen {
			changed = true
			continue
		}
		seen = true
		if v != r.Value {
			changed = true
		}
		b.WriteString(want)
		b.WriteString("\n")
	}
	if !seen {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString(want)
		b.WriteString("\n")
		changed = true
	}
	if !changed {
		return content, false
	}
	return b.String(), true
}

// Report implements Rule.
func (r *ConfigKey) Report(context.Context) (bool, error) {
	r.ResetDetail()
	data, err := os.ReadFile(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			r.Note("%s does not exist", r.Path)
			return false, nil
		}
		r.Note("cannot read %s: %v", r.Path, err)
		return false, nil
	}
	if _, changed := r.Render(string(data)); changed {
		r.Note("%s: %s is not set to %q", r.Path, r.Key, r.Value)
		return false, nil
	}
	return true, nil
}

// Fix implements Rule.
func (r *ConfigKey) Fix(context.Context) (bool, error) {
	if err := r.BeginFix(); err != nil {
		return false, err
	}
	data, err := os.ReadFile(r.Path)
	if err != nil && !os.IsNotExist(err) {
		r.Note("cannot read %s: %v", r.Path, err)
		return false, nil
	}
	out, changed := r.Render(string(data))
	if !changed {
		return true, nil
	}
	mode := r.CreateMode
	if mode == 0 {
		mode = 0644
	}
	if _, err := r.Recorder.ChangeFile(r.Number(), r.Path, []byte(out), mode); err != nil {
		r.Note("could not update %s: %v", r.Path, err)
		return false, nil
	}
	r.Note("set %s in %s", r.Key, r.Path)
	return true, nil
}
