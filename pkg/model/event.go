package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// EventKey identifies a change event: the owning rule number plus a
// per-rule sequence assigned in creation order.
type EventKey struct {
	Rule int `json:"rule"`
	Seq  int `json:"seq"`
}

// String renders the key in the legacy zero-padded form RRRRSSS, or as
// RULE-SEQ when either part does not fit its fixed width.
func (k EventKey) String() string {
	if k.Rule > 9999 || k.Seq > 999 {
		return fmt.Sprintf("%d-%d", k.Rule, k.Seq)
	}
	return fmt.Sprintf("%04d%03d", k.Rule, k.Seq)
}

// Dir returns the path-safe form used for snapshot directories.
func (k EventKey) Dir() string {
	return fmt.Sprintf("%04d-%03d", k.Rule, k.Seq)
}

// Less orders keys by rule, then sequence.
func (k EventKey) Less(o EventKey) bool {
	if k.Rule != o.Rule {
		return k.Rule < o.Rule
	}
	return k.Seq < o.Seq
}

// ParseEventKey accepts "RRRRSSS" (legacy) or "RULE-SEQ".
func ParseEventKey(s string) (EventKey, error) {
	if rule, seq, ok := strings.Cut(s, "-"); ok {
		r, err1 := strconv.Atoi(rule)
		q, err2 := strconv.Atoi(seq)
		if err1 != nil || err2 != nil || r <= 0 || q <= 0 {
			return EventKey{}, fmt.Errorf("invalid event key %q", s)
		}
		return EventKey{Rule: r, Seq: q}, nil
	}
	if len(s) != 7 {
		return EventKey{}, fmt.Errorf("invalid event key %q: want 7 digits", s)
	}
	r, err1 := strconv.Atoi(s[:4])
	q, err2 := strconv.Atoi(s[4:])
	if err1 != nil || err2 != nil || r <= 0 || q <= 0 {
		return EventKey{}, fmt.Errorf("invalid event key %q", s)
	}
	return EventKey{Rule: r, Seq: q}, nil
}

// EventType tags the payload variant of a change event.
type EventType string

const (
	EventPerm          EventType = "perm"
	EventConf          EventType = "conf"
	EventCreation      EventType = "creation"
	EventDeletion      EventType = "deletion"
	EventCommandString EventType = "commandstring"
	EventComm          EventType = "comm"
	EventAppleSec      EventType = "applesec"
	EventPkgHelper     EventType = "pkghelper"
	EventServiceHelper EventType = "servicehelper"
)

// Payload is one variant of the change-event sum type. The set of
// implementations is closed; see the concrete types below.
type Payload interface {
	Type() EventType
	// Target names the object the event concerns: a file path for
	// filesystem events, a package or service name otherwise.
	Target() string
	Validate() error
	isPayload()
}

// Ownership is the (uid, gid, mode) triple of a filesystem object.
type Ownership struct {
	UID  int         `json:"uid"`
	GID  int         `json:"gid"`
	Mode os.FileMode `json:"mode"`
}

func (o Ownership) String() string {
	return fmt.Sprintf("%d:%d %#o", o.UID, o.GID, o.Mode.Perm())
}

// PermChange records an ownership/permission change on a path.
type PermChange struct {
	Path  string    `json:"filepath"`
	Start Ownership `json:"startstate"`
	End   Ownership `json:"endstate"`
}

// ConfChange records a content change on an existing file. The
// pre-change content lives in the snapshot store under the same key.
type ConfChange struct {
	Path string `json:"filepath"`
}

// Creation records a path that a fix created. Existed is true when the
// path was already present, in which case undo leaves it alone.
type Creation struct {
	Path    string `json:"filepath"`
	Existed bool   `json:"existed,omitempty"`
}

// Deletion records a removed file whose prior copy is in the snapshot store.
type Deletion struct {
	Path string `json:"filepath"`
}

// CommandChange carries the literal inverse command captured at fix time.
// Kind is either EventCommandString or EventComm.
type CommandChange struct {
	Kind    EventType `json:"-"`
	Command string    `json:"command"`
	Applied string    `json:"applied,omitempty"`
}

// AppleSecChange records the prior content of an authorization right.
type AppleSecChange struct {
	Right string `json:"right"`
	Prior string `json:"prior"`
}

// PackageState is the installation state of a package.
type PackageState string

const (
	PackageInstalled PackageState = "installed"
	PackageRemoved   PackageState = "removed"
)

// PackageChange records a package install or removal.
type PackageChange struct {
	Package string       `json:"pkgname"`
	Start   PackageState `json:"startstate"`
	End     PackageState `json:"endstate"`
}

// ServiceState is the enablement state of a service.
type ServiceState string

const (
	ServiceEnabled  ServiceState = "enabled"
	ServiceDisabled ServiceState = "disabled"
)

// ServiceChange records a service enable or disable.
type ServiceChange struct {
	Service string       `json:"servicename"`
	Unit    string       `json:"servicetarget,omitempty"`
	Start   ServiceState `json:"startstate"`
	End     ServiceState `json:"endstate"`
}

func (PermChange) Type() EventType     { return EventPerm }
func (ConfChange) Type() EventType     { return EventConf }
func (Creation) Type() EventType       { return EventCreation }
func (Deletion) Type() EventType       { return EventDeletion }
func (AppleSecChange) Type() EventType { return EventAppleSec }
func (PackageChange) Type() EventType  { return EventPkgHelper }
func (ServiceChange) Type() EventType  { return EventServiceHelper }

func (c CommandChange) Type() EventType {
	if c.Kind == EventComm {
		return EventComm
	}
	return EventCommandString
}

func (p PermChange) Target() string     { return p.Path }
func (c ConfChange) Target() string     { return c.Path }
func (c Creation) Target() string       { return c.Path }
func (d Deletion) Target() string       { return d.Path }
func (c CommandChange) Target() string  { return "" }
func (a AppleSecChange) Target() string { return a.Right }
func (p PackageChange) Target() string  { return p.Package }
func (s ServiceChange) Target() string  { return s.Service }

func (PermChange) isPayload()     {}
func (ConfChange) isPayload()     {}
func (Creation) isPayload()       {}
func (Deletion) isPayload()       {}
func (CommandChange) isPayload()  {}
func (AppleSecChange) isPayload() {}
func (PackageChange) isPayload()  {}
func (ServiceChange) isPayload()  {}

func validPath(p string) error {
	if p == "" {
		return fmt.Errorf("filepath is required")
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("filepath must be absolute: %s", p)
	}
	return nil
}

func (p PermChange) Validate() error { return validPath(p.Path) }
func (c ConfChange) Validate() error { return validPath(c.Path) }
func (c Creation) Validate() error   { return validPath(c.Path) }
func (d Deletion) Validate() error   { return validPath(d.Path) }

func (c CommandChange) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func (a AppleSecChange) Validate() error {
	if a.Right == "" {
		return fmt.Errorf("right is required")
	}
	return nil
}

func (p PackageChange) Validate() error {
	if p.Package == "" {
		return fmt.Errorf("pkgname is required")
	}
	if p.Start != PackageInstalled && p.Start != PackageRemoved {
		return fmt.Errorf("startstate must be installed or removed, got %q", p.Start)
	}
	return nil
}

func (s ServiceChange) Validate() error {
	if s.Service == "" {
		return fmt.Errorf("servicename is required")
	}
	if s.Start != ServiceEnabled && s.Start != ServiceDisabled {
		return fmt.Errorf("startstate must be enabled or disabled, got %q", s.Start)
	}
	return nil
}

// ChangeEvent is a single recorded, revertible mutation.
type ChangeEvent struct {
	Key        EventKey
	RecordedAt time.Time
	Payload    Payload
}

// Type returns the payload's event type.
func (e *ChangeEvent) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// Validate checks the key and payload.
func (e *ChangeEvent) Validate() error {
	if e.Key.Rule <= 0 || e.Key.Seq <= 0 {
		return fmt.Errorf("event key %d/%d must be positive", e.Key.Rule, e.Key.Seq)
	}
	if e.Payload == nil {
		return fmt.Errorf("event %s has no payload", e.Key)
	}
	return e.Payload.Validate()
}

type eventEnvelope struct {
	Key        EventKey        `json:"key"`
	RecordedAt time.Time       `json:"recorded_at"`
	EventType  EventType       `json:"eventtype"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON writes the event as {key, recorded_at, eventtype, payload}.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("marshal event %s: nil payload", e.Key)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{
		Key:        e.Key,
		RecordedAt: e.RecordedAt,
		EventType:  e.Payload.Type(),
		Payload:    raw,
	})
}

// UnmarshalJSON decodes the payload variant selected by eventtype.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return err
	}
	e.Key = env.Key
	e.RecordedAt = env.RecordedAt
	e.Payload = p
	return nil
}

// DecodePayload decodes raw JSON into the variant for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case EventPerm:
		var v PermChange
		err = json.Unmarshal(raw, &v)
		p = v
	case EventConf:
		var v ConfChange
		err = json.Unmarshal(raw, &v)
		p = v
	case EventCreation:
		var v Creation
		err = json.Unmarshal(raw, &v)
		p = v
	case EventDeletion:
		var v Deletion
		err = json.Unmarshal(raw, &v)
		p = v
	case EventCommandString, EventComm:
		var v CommandChange
		err = json.Unmarshal(raw, &v)
		v.Kind = t
		p = v
	case EventAppleSec:
		var v AppleSecChange
		err = json.Unmarshal(raw, &v)
		p = v
	case EventPkgHelper:
		var v PackageChange
		err = json.Unmarshal(raw, &v)
		p = v
	case EventServiceHelper:
		var v ServiceChange
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown eventtype %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
