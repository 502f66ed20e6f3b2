package bus

import (
	"context"
	"time"

	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
)

// Startup handshake tuning: publish, poll briefly, repeat.
const handshakePollInterval = 50 * time.Millisecond

// Handshake repeatedly pushes an "ipc_startup" notification and waits for
// the caller's own subscription to receive it back. Returning nil
// guarantees the relay's subscription table has synchronized for this
// client, so notifications published afterwards will not be lost to the
// subscribe-propagation window.
//
// The handshake exercises the full path: push sink, ingress bridge,
// broadcast relay, subscription. It therefore also serves as a readiness
// check for the bridge.
func Handshake(ctx context.Context, c *Client) error {
	sub, err := c.SubscribePrefix(envelope.PrefixNotify + "ipc_startup")
	if err != nil {
		return errors.Wrap(err, "Bus", "Handshake", "subscribe")
	}
	defer sub.Unsubscribe()

	for {
		if err := ctx.Err(); err != nil {
			return errors.WrapTransient(errors.ErrHandshakeFailed,
				"Bus", "Handshake", "context expired")
		}
		if err := c.Push(envelope.New("ipc_startup")); err != nil {
			return errors.Wrap(err, "Bus", "Handshake", "push probe")
		}
		if _, ok := sub.Next(handshakePollInterval); ok {
			return nil
		}
	}
}
