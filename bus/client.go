package bus

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
)

// Default client tuning. The reconnect buffer is what makes the push sink
// reliable: messages accepted while the broker is briefly unreachable are
// held client-side and flushed on reconnect, in order.
const (
	defaultReconnectWait = 500 * time.Millisecond
	defaultReconnectBuf  = 64 * 1024 * 1024

	// subscriptionDepth bounds the per-subscription delivery channel. A
	// subscriber that stops draining loses messages rather than blocking
	// the relay (at-most-once, fire-and-forget).
	subscriptionDepth = 8192
)

// Client is one process's connection to the bus. Every gazehub process
// (supervisor and workers) holds exactly one Client.
type Client struct {
	name      string
	endpoints Endpoints
	logger    *slog.Logger

	conn *nats.Conn
}

// ClientOption configures a Client before it connects.
type ClientOption func(*Client)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a bus client identified by name (the process role, e.g.
// "supervisor", "eye0") for the given endpoints.
func NewClient(name string, endpoints Endpoints, opts ...ClientOption) (*Client, error) {
	if err := endpoints.Validate(); err != nil {
		return nil, errors.Wrap(err, "Client", "NewClient", "endpoint validation")
	}
	c := &Client{
		name:      name,
		endpoints: endpoints,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect establishes the bus connection. Reconnection is automatic and
// unbounded; pushes issued during an outage are buffered client-side.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := nats.Connect(c.endpoints.PushURL,
		nats.Name("gazehub-"+c.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(defaultReconnectWait),
		nats.ReconnectBufSize(defaultReconnectBuf),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("Bus connection lost", "process", c.name, "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("Bus connection restored", "process", c.name)
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "dial bus")
	}
	c.conn = conn

	// RetryOnFailedConnect returns immediately; wait until the connection
	// is actually up or the context expires.
	for !conn.IsConnected() {
		select {
		case <-ctx.Done():
			conn.Close()
			return errors.WrapTransient(ctx.Err(), "Client", "Connect", "wait for connection")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Name returns the process name this client identifies as.
func (c *Client) Name() string {
	return c.name
}

// Endpoints returns the endpoint addresses this client was built with.
func (c *Client) Endpoints() Endpoints {
	return c.endpoints
}

// Publish broadcasts a notification on its derived topic. Fire-and-forget:
// errors are returned for logging at the call site but delivery is never
// acknowledged and no subscriber can block this call.
func (c *Client) Publish(n *envelope.Notification) error {
	return c.publishRaw(n.Topic(), n)
}

// PublishData broadcasts a notification on an explicit topic. Used for data
// streams whose topics are not subject-derived (e.g. "frame.eye.0").
func (c *Client) PublishData(topic string, n *envelope.Notification) error {
	return c.publishRaw(topic, n)
}

func (c *Client) publishRaw(topic string, n *envelope.Notification) error {
	if c.conn == nil {
		return errors.WrapInvalid(errors.ErrBusClosed, "Client", "Publish", "not connected")
	}
	data, err := envelope.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "Client", "Publish", "encode")
	}
	if err := c.conn.Publish(topic, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "send")
	}
	return nil
}

// Push sends a notification through the reliable ingress path. The call
// returns as soon as the message is accepted into the client-side queue,
// regardless of broker or subscriber readiness. The ingress bridge relays
// pushes onto the broadcast relay in arrival order.
func (c *Client) Push(n *envelope.Notification) error {
	return c.PushData(n.Topic(), n)
}

// PushData sends a notification through the reliable ingress path on an
// explicit topic. The log relay uses it because logging topics carry the
// record level rather than a subject.
func (c *Client) PushData(topic string, n *envelope.Notification) error {
	if c.conn == nil {
		return errors.WrapInvalid(errors.ErrBusClosed, "Client", "Push", "not connected")
	}
	data, err := envelope.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "Client", "Push", "encode")
	}
	if err := c.conn.Publish(ingressPrefix+topic, data); err != nil {
		return errors.WrapTransient(err, "Client", "Push", "send")
	}
	return nil
}

// Notify is the conventional way for a process to emit a control
// notification: it always takes the reliable path. Delayed notifications
// route under the delayed prefix and are held by the delayed dispatch proxy.
func (c *Client) Notify(n *envelope.Notification) error {
	return c.Push(n)
}

// Flush blocks until all buffered outbound messages reached the broker.
// Used by tests and by shutdown paths that must drain before exiting.
func (c *Client) Flush() error {
	if c.conn == nil {
		return errors.WrapInvalid(errors.ErrBusClosed, "Client", "Flush", "not connected")
	}
	if err := c.conn.Flush(); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush")
	}
	return nil
}

// Close drains and closes the bus connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
}

// Message is one delivered bus message: the topic it was routed under and
// the decoded notification.
type Message struct {
	Topic string
	Note  *envelope.Notification
}

// Subscription receives all messages whose topic matches a byte prefix.
// Reads are poll-with-timeout; the subscription never blocks publishers.
type Subscription struct {
	prefix string
	sub    *nats.Subscription
	ch     chan *nats.Msg
	logger *slog.Logger
}

// SubscribePrefix subscribes to every topic matching the given byte prefix.
// Matching is raw prefix matching, mirroring the envelope package's topic
// rules: prefix "notify.eye" matches "notify.eye_process.should_stop".
// Subscription takes effect asynchronously with respect to publishers.
func (c *Client) SubscribePrefix(prefix string) (*Subscription, error) {
	if c.conn == nil {
		return nil, errors.WrapInvalid(errors.ErrBusClosed, "Client", "SubscribePrefix", "not connected")
	}

	ch := make(chan *nats.Msg, subscriptionDepth)
	sub, err := c.conn.ChanSubscribe(wildcardForPrefix(prefix), ch)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "SubscribePrefix", "subscribe")
	}

	return &Subscription{
		prefix: prefix,
		sub:    sub,
		ch:     ch,
		logger: c.logger,
	}, nil
}

// subscribeSubject subscribes to a raw transport subject without prefix
// filtering. Internal: the ingress bridge uses it for "ingress.>".
func (c *Client) subscribeSubject(subject string) (*Subscription, error) {
	if c.conn == nil {
		return nil, errors.WrapInvalid(errors.ErrBusClosed, "Client", "subscribeSubject", "not connected")
	}
	ch := make(chan *nats.Msg, subscriptionDepth)
	sub, err := c.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "subscribeSubject", "subscribe")
	}
	return &Subscription{sub: sub, ch: ch, logger: c.logger}, nil
}

// HasPending reports whether a message is already waiting, letting tick
// loops skip the poll timeout when idle.
func (s *Subscription) HasPending() bool {
	return len(s.ch) > 0
}

// Next returns the next matching message, waiting at most timeout. The
// second return is false if the timeout elapsed. Malformed messages are
// logged and dropped; they never surface to the caller.
func (s *Subscription) Next(timeout time.Duration) (*Message, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case raw, ok := <-s.ch:
			if !ok {
				return nil, false
			}
			msg := s.decode(raw)
			if msg == nil {
				continue
			}
			return msg, true
		case <-deadline.C:
			return nil, false
		}
	}
}

// NextCtx is Next with context cancellation instead of a fixed timeout.
func (s *Subscription) NextCtx(ctx context.Context) (*Message, bool) {
	for {
		select {
		case raw, ok := <-s.ch:
			if !ok {
				return nil, false
			}
			msg := s.decode(raw)
			if msg == nil {
				continue
			}
			return msg, true
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *Subscription) decode(raw *nats.Msg) *Message {
	topic := raw.Subject
	if s.prefix != "" && !envelope.MatchesPrefix(topic, s.prefix) {
		return nil
	}
	n, err := envelope.Unmarshal(raw.Data)
	if err != nil {
		s.logger.Warn("Dropping malformed bus message", "topic", topic, "error", err)
		return nil
	}
	return &Message{Topic: topic, Note: n}
}

// Unsubscribe removes the subscription. Pending undelivered messages are
// discarded.
func (s *Subscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}

// wildcardForPrefix maps a byte prefix onto the widest transport wildcard
// that covers it. The last token is dropped because it may be partial
// ("notify.eye" must match "notify.eye_process.x"); exactness is restored by
// the byte-prefix filter in decode.
func wildcardForPrefix(prefix string) string {
	if prefix == "" {
		return ">"
	}
	idx := strings.LastIndex(prefix, ".")
	if idx <= 0 {
		return ">"
	}
	return prefix[:idx] + ".>"
}
