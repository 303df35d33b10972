package types

import (
	"fmt"
	"regexp"
	"time"

	json "github.com/goccy/go-json"
)

// ConfigKey identifies one guild's configuration document.
type ConfigKey string

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,99}$`)

// Validate checks the key is safe to use as a file name, a Redis key and a DynamoDB key.
func (k ConfigKey) Validate() error {
	if !keyPattern.MatchString(string(k)) {
		return Err(ErrInvalidKey, nil, "%q", string(k))
	}
	return nil
}

func (k ConfigKey) String() string { return string(k) }

// Payload is a configuration body: field name -> JSON-typed value.
type Payload map[string]any

// Normalize returns a deep copy with every value coerced to its JSON type (float64 numbers,
// []any arrays, map[string]any objects).
func (p Payload) Normalize() (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("payload encode: %w", err)
	}
	out := Payload{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("payload decode: %w", err)
	}
	return out, nil
}

// Clone returns a deep copy of a payload that already holds JSON-typed values.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Payload:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Document is the persisted unit for a ConfigKey.
// Version is maintained by the coordinator and strictly increases on every committed write.
type Document struct {
	Key           ConfigKey `json:"key"`
	SchemaVersion int       `json:"schemaVersion"`
	Version       int64     `json:"version"`
	Payload       Payload   `json:"payload"`
	LastModified  time.Time `json:"lastModified"`
	// Deleted marks a tombstone. The version history continues past it.
	Deleted bool `json:"deleted,omitempty"`
}

// Live reports whether the document holds configuration (exists and is not a tombstone).
func (d *Document) Live() bool {
	return d != nil && !d.Deleted
}

// WriteIntent is a caller's proposed change to one document.
// ExpectedVersion, when set, must equal the stored version or the write is rejected.
// A nil value in Patch resets that field to its schema default.
// Replace rebuilds the payload from schema defaults instead of the stored payload; the key
// must hold a live document.
type WriteIntent struct {
	Key             ConfigKey
	ExpectedVersion *int64
	Patch           Payload
	Replace         bool
}

// NotificationEvent tells the bot a key changed. Receivers drop events whose NewVersion is
// not newer than the version they already applied.
type NotificationEvent struct {
	ID            string    `json:"id"`
	Key           ConfigKey `json:"key"`
	NewVersion    int64     `json:"newVersion"`
	ChangedFields []string  `json:"changedFields"`
	Deleted       bool      `json:"deleted,omitempty"`
	CommittedAt   time.Time `json:"committedAt"`
}

// Version returns a pointer to v, for WriteIntent.ExpectedVersion.
func Version(v int64) *int64 { return &v }

// NotifyOutcome is the immediate result of handing an event to the notifier.
type NotifyOutcome int

const (
	// NotifyQueued means delivery will be attempted in the background.
	NotifyQueued NotifyOutcome = iota
	// NotifyRejected means the notifier is shut down; the event is not delivered.
	NotifyRejected
)

func (o NotifyOutcome) String() string {
	if o == NotifyQueued {
		return "queued"
	}
	return "rejected"
}
