package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/metric"
)

// Bridge is the reliable ingress bridge: it accepts messages pushed by any
// process onto the push sink and relays each one, in arrival order, onto
// the broadcast relay. An unbounded internal queue decouples acceptance
// from the fan-out so a stalled broadcast side never pushes back on
// producers.
//
// Exactly one Bridge runs per bus, inside the supervisor process.
type Bridge struct {
	client  *Client
	logger  *slog.Logger
	metrics *bridgeMetrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*nats.Msg
	stopped bool
}

// NewBridge creates the ingress bridge on an already-connected client.
// Metrics are optional; pass a nil registry to disable them.
func NewBridge(client *Client, logger *slog.Logger, registry *metric.Registry) (*Bridge, error) {
	metrics, err := newBridgeMetrics(registry)
	if err != nil {
		logger.Error("Failed to initialize bridge metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	b := &Bridge{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Run consumes the ingress subjects until ctx is cancelled. It blocks; run
// it on its own goroutine (the supervisor uses an errgroup).
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.client.subscribeSubject(ingressPrefix + ">")
	if err != nil {
		return errors.Wrap(err, "Bridge", "Run", "subscribe ingress")
	}
	defer sub.Unsubscribe()

	// Forwarder drains the queue in FIFO order. Kept separate from the
	// intake loop so broadcast publishing never delays acceptance.
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.forward()
	}()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.stopped = true
			b.cond.Broadcast()
			b.mu.Unlock()
			<-done
			return nil
		case raw, ok := <-sub.ch:
			if !ok {
				b.mu.Lock()
				b.stopped = true
				b.cond.Broadcast()
				b.mu.Unlock()
				<-done
				return nil
			}
			b.enqueue(raw)
		}
	}
}

func (b *Bridge) enqueue(raw *nats.Msg) {
	b.mu.Lock()
	b.queue = append(b.queue, raw)
	depth := len(b.queue)
	b.cond.Signal()
	b.mu.Unlock()

	b.metrics.recordAccepted(depth)
}

func (b *Bridge) forward() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if b.stopped && len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		raw := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		topic := strings.TrimPrefix(raw.Subject, ingressPrefix)
		if err := b.client.conn.Publish(topic, raw.Data); err != nil {
			// Fire-and-forget: log and drop, the producer is unaffected.
			b.logger.Warn("Bridge relay failed", "topic", topic, "error", err)
			b.metrics.recordDropped()
			continue
		}
		b.metrics.recordRelayed()
	}
}
