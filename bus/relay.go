package bus

import (
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/gazehub/gazehub/errors"
)

// Relay is the broadcast relay: an embedded broker owned by the supervisor
// process. It binds to an OS-chosen loopback port so several gazehub
// instances can coexist on one machine, and exposes the resolved endpoint
// addresses for spawned workers.
type Relay struct {
	srv    *server.Server
	logger *slog.Logger
}

// RelayConfig configures the embedded broker.
type RelayConfig struct {
	// StoreDir is the directory backing the alive-flag KV bucket.
	StoreDir string

	// ReadyTimeout bounds how long StartRelay waits for the broker to
	// accept connections.
	ReadyTimeout time.Duration
}

// StartRelay boots the embedded broker and blocks until it accepts
// connections. The wildcard bind never leaves this function: endpoint
// addresses handed out by Endpoints() always carry the loopback address.
func StartRelay(cfg RelayConfig, logger *slog.Logger) (*Relay, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
		NoLog:     true,
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, errors.WrapFatal(err, "Relay", "StartRelay", "create broker")
	}

	go srv.Start()

	if !srv.ReadyForConnections(cfg.ReadyTimeout) {
		srv.Shutdown()
		return nil, errors.WrapFatal(errors.ErrEndpointUnreachable,
			"Relay", "StartRelay", "broker not ready")
	}

	logger.Info("Broadcast relay started", "client_url", srv.ClientURL())

	return &Relay{srv: srv, logger: logger}, nil
}

// Endpoints returns the three resolved bus endpoint addresses.
func (r *Relay) Endpoints() Endpoints {
	url := strings.Replace(r.srv.ClientURL(), "0.0.0.0", "127.0.0.1", 1)
	return Endpoints{
		PubURL:  url,
		SubURL:  url,
		PushURL: url,
	}
}

// Shutdown stops the broker and waits for it to wind down.
func (r *Relay) Shutdown() {
	r.srv.Shutdown()
	r.srv.WaitForShutdown()
	r.logger.Debug("Broadcast relay stopped")
}
