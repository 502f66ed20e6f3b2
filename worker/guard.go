package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
)

// aliveGuard is the scoped acquisition around a worker's whole run: entry
// flips the is-alive flag true and announces the start, release
// unconditionally flips it false and announces the stop. The runtime
// arranges for release to run on every exit path, the panic path included.
type aliveGuard struct {
	cfg    Config
	client *bus.Client
	owner  *bus.FlagOwner
	logger *slog.Logger
}

// acquireAlive takes ownership of the role identity. A flag that already
// reads true means another live process owns this identity; the duplicate
// aborts before announcing anything.
func acquireAlive(ctx context.Context, client *bus.Client, cfg Config, logger *slog.Logger) (*aliveGuard, error) {
	owner, err := client.AliveFlagOwner(ctx, cfg.Identity())
	if err != nil {
		return nil, errors.Wrap(err, "Worker", "acquireAlive", "bind flag")
	}

	alive, err := owner.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Worker", "acquireAlive", "read flag")
	}
	if alive {
		return nil, errors.WrapInvalid(errors.ErrDuplicateStart,
			"Worker", "acquireAlive", "identity "+cfg.Identity()+" already live")
	}

	if err := owner.Set(ctx, true); err != nil {
		return nil, errors.Wrap(err, "Worker", "acquireAlive", "set flag")
	}

	g := &aliveGuard{cfg: cfg, client: client, owner: owner, logger: logger}
	g.announce("started")
	return g, nil
}

// release runs the guaranteed teardown: flag false, stopped notification,
// then a short grace so the push drains before the process exits.
func (g *aliveGuard) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.owner.Set(ctx, false); err != nil {
		g.logger.Error("Failed to clear is-alive flag", "error", err)
	}
	g.announce("stopped")
	if err := g.client.Flush(); err != nil {
		g.logger.Warn("Flush on shutdown failed", "error", err)
	}
	time.Sleep(g.cfg.stopGrace())
}

func (g *aliveGuard) announce(event string) {
	opts := []envelope.Option{}
	if g.cfg.Role == RoleEye {
		opts = append(opts, envelope.WithField("eye_id", int64(g.cfg.EyeID)))
	}
	n := envelope.New(g.cfg.ControlSubjectPrefix()+event, opts...)
	if err := g.client.Notify(n); err != nil {
		g.logger.Warn("Failed to announce lifecycle event",
			"event", event, "error", err)
	}
}
