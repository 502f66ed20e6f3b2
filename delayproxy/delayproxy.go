// Package delayproxy holds delayed notifications and republishes them as
// ordinary ones once their hold time has elapsed.
//
// Pending notifications are keyed by subject: a second delayed notification
// with the same subject overwrites the first, payload and deadline both.
// That makes the proxy a natural debouncer for periodically re-armed
// actions (a process that keeps pushing "delayed_notify.world_process.
// should_start" every frame only ever fires it once, after it stops).
package delayproxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
)

// defaultPollInterval is how often the proxy checks deadlines. Firing is
// therefore late by up to one interval, never early.
const defaultPollInterval = 250 * time.Millisecond

type entry struct {
	note *envelope.Notification
	due  time.Time
}

// Proxy is the delayed dispatch proxy. Exactly one runs per bus, inside the
// supervisor process.
type Proxy struct {
	client   *bus.Client
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]entry
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithPollInterval overrides the deadline poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(p *Proxy) {
		p.interval = d
	}
}

// New creates a proxy that consumes the delayed topic family on client's
// bus.
func New(client *bus.Client, logger *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		client:   client,
		logger:   logger.With("component", "delayproxy"),
		interval: defaultPollInterval,
		now:      time.Now,
		pending:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes delayed notifications until ctx is cancelled. Notifications
// still pending at shutdown are discarded; a delayed notification is a
// request against a running bus, not durable state.
func (p *Proxy) Run(ctx context.Context) error {
	sub, err := p.client.SubscribePrefix(envelope.PrefixDelayed)
	if err != nil {
		return errors.Wrap(err, "Proxy", "Run", "subscribe delayed topics")
	}
	defer sub.Unsubscribe()

	p.logger.Debug("Delayed dispatch proxy running", "poll_interval", p.interval)

	for {
		if msg, ok := sub.Next(p.interval); ok {
			p.admit(msg.Note)
			for sub.HasPending() {
				msg, ok := sub.Next(time.Millisecond)
				if !ok {
					break
				}
				p.admit(msg.Note)
			}
		}
		p.fireDue()

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// admit stores a delayed notification, overwriting any pending one with the
// same subject. Last write wins for payload and deadline alike.
func (p *Proxy) admit(n *envelope.Notification) {
	due := p.now().Add(time.Duration(n.Delay * float64(time.Second)))

	p.mu.Lock()
	p.pending[n.Subject] = entry{note: n, due: due}
	depth := len(p.pending)
	p.mu.Unlock()

	p.logger.Debug("Delayed notification held",
		"subject", n.Subject, "delay_s", n.Delay, "pending", depth)
}

// fireDue republishes every pending notification whose deadline has passed.
func (p *Proxy) fireDue() {
	now := p.now()

	p.mu.Lock()
	var due []*envelope.Notification
	for subject, e := range p.pending {
		if !e.due.After(now) {
			due = append(due, e.note)
			delete(p.pending, subject)
		}
	}
	p.mu.Unlock()

	for _, n := range due {
		if err := p.client.Publish(n.Fired()); err != nil {
			p.logger.Warn("Failed to fire delayed notification",
				"subject", n.Subject, "error", err)
			continue
		}
		p.logger.Debug("Delayed notification fired", "subject", n.Subject)
	}
}

// PendingCount returns the number of notifications currently held.
func (p *Proxy) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
