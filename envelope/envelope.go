package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/gazehub/gazehub/errors"
)

// Topic prefixes used across the bus. The "delayed_" family must never reach
// ordinary subscribers directly; the delayed-dispatch proxy is the only
// component that consumes it.
const (
	PrefixNotify  = "notify."
	PrefixDelayed = "delayed_notify."
	PrefixLogging = "logging."

	// delayedCutoff is the length of the "delayed_" marker stripped when a
	// delayed notification fires and becomes an ordinary one.
	delayedCutoff = len("delayed_")
)

// Notification is the payload unit exchanged over the bus. Subject is the
// fine-grained type tag (distinct from the routing topic, which is derived
// from it). Payload holds structured fields; Attachments hold raw binary
// buffers referenced by position. A non-zero Delay marks the delayed
// variant.
//
// A Notification must not be mutated after it has been handed to the bus.
type Notification struct {
	ID          string
	Subject     string
	Payload     map[string]any
	Attachments [][]byte

	// Delay is the requested hold time in seconds before the delayed
	// dispatch proxy republishes the notification. Zero means immediate.
	Delay float64
}

// Option configures a Notification during construction.
type Option func(*Notification)

// WithField sets a single payload field.
func WithField(key string, value any) Option {
	return func(n *Notification) {
		n.Payload[key] = value
	}
}

// WithFields merges all given fields into the payload.
func WithFields(fields map[string]any) Option {
	return func(n *Notification) {
		for k, v := range fields {
			n.Payload[k] = v
		}
	}
}

// WithAttachment appends a raw binary buffer.
func WithAttachment(buf []byte) Option {
	return func(n *Notification) {
		n.Attachments = append(n.Attachments, buf)
	}
}

// WithDelay marks the notification as delayed by d.
func WithDelay(d time.Duration) Option {
	return func(n *Notification) {
		n.Delay = d.Seconds()
	}
}

// New creates a Notification for the given subject.
func New(subject string, opts ...Option) *Notification {
	n := &Notification{
		ID:      uuid.New().String(),
		Subject: subject,
		Payload: make(map[string]any),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Topic returns the routing topic derived from the subject: the delayed
// prefix when a delay is set, the notify prefix otherwise.
func (n *Notification) Topic() string {
	if n.Delay > 0 {
		return PrefixDelayed + n.Subject
	}
	return PrefixNotify + n.Subject
}

// Fired returns a copy ready for ordinary delivery: the delay is stripped so
// the copy routes under the notify prefix. The receiver is not modified.
func (n *Notification) Fired() *Notification {
	out := &Notification{
		ID:          n.ID,
		Subject:     n.Subject,
		Payload:     make(map[string]any, len(n.Payload)),
		Attachments: n.Attachments,
	}
	for k, v := range n.Payload {
		out.Payload[k] = v
	}
	return out
}

// String returns the value of a payload field as a string, or "" if absent
// or not a string.
func (n *Notification) String(key string) string {
	if v, ok := n.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the value of a payload field as an int. CBOR decodes integers
// as int64 or uint64 depending on sign, so all integer widths are accepted.
func (n *Notification) Int(key string) (int, bool) {
	switch v := n.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Bool returns the value of a payload field as a bool.
func (n *Notification) Bool(key string) bool {
	v, _ := n.Payload[key].(bool)
	return v
}

// Validate checks that the notification is well formed for transit.
func (n *Notification) Validate() error {
	if n.Subject == "" {
		return errors.WrapInvalid(errors.ErrMalformedMessage,
			"Notification", "Validate", "subject is required")
	}
	if err := ValidateTopic(n.Topic()); err != nil {
		return errors.Wrap(err, "Notification", "Validate", "topic check")
	}
	if n.Delay < 0 {
		return errors.WrapInvalid(errors.ErrMalformedMessage,
			"Notification", "Validate", "negative delay")
	}
	return nil
}

// wireFormat is the CBOR wire representation. Attachments ride as native
// byte strings; no base64 detour.
type wireFormat struct {
	ID          string         `cbor:"id"`
	Subject     string         `cbor:"subject"`
	Payload     map[string]any `cbor:"payload"`
	Attachments [][]byte       `cbor:"attachments,omitempty"`
	Delay       float64        `cbor:"delay,omitempty"`
}

// Marshal encodes the notification to its CBOR wire form.
func Marshal(n *Notification) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	data, err := cbor.Marshal(wireFormat{
		ID:          n.ID,
		Subject:     n.Subject,
		Payload:     n.Payload,
		Attachments: n.Attachments,
		Delay:       n.Delay,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Notification", "Marshal", "cbor encode")
	}
	return data, nil
}

// Unmarshal decodes a notification from its CBOR wire form.
func Unmarshal(data []byte) (*Notification, error) {
	var wire wireFormat
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, errors.WrapInvalid(err, "Notification", "Unmarshal", "cbor decode")
	}
	n := &Notification{
		ID:          wire.ID,
		Subject:     wire.Subject,
		Payload:     wire.Payload,
		Attachments: wire.Attachments,
		Delay:       wire.Delay,
	}
	if n.Payload == nil {
		n.Payload = make(map[string]any)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// ValidateTopic checks that a topic maps cleanly onto the bus transport:
// dot-delimited tokens of word characters, no empty tokens.
func ValidateTopic(topic string) error {
	if topic == "" {
		return errors.WrapInvalid(errors.ErrMalformedMessage,
			"Topic", "ValidateTopic", "empty topic")
	}
	for _, tok := range strings.Split(topic, ".") {
		if tok == "" {
			return errors.WrapInvalid(
				fmt.Errorf("topic %q has an empty token", topic),
				"Topic", "ValidateTopic", "token check")
		}
		for _, r := range tok {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '_' || r == '-') {
				return errors.WrapInvalid(
					fmt.Errorf("topic %q has invalid character %q", topic, r),
					"Topic", "ValidateTopic", "character check")
			}
		}
	}
	return nil
}

// MatchesPrefix reports whether topic matches a subscription prefix. This is
// raw byte-prefix matching, so "notify.eye" matches "notify.eye_process.x".
func MatchesPrefix(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix)
}

// StripDelayed converts a delayed topic to its ordinary form by removing the
// "delayed_" marker. Topics without the marker are returned unchanged.
func StripDelayed(topic string) string {
	if strings.HasPrefix(topic, PrefixDelayed) {
		return topic[delayedCutoff:]
	}
	return topic
}
