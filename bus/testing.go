package bus

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

// StartTestBus boots an embedded relay on a temporary store directory and
// returns a connected client for it. Cleanup is registered on t. Tests run
// against a real broker; there is nothing to mock in the transport.
func StartTestBus(t *testing.T) (*Relay, *Client) {
	t.Helper()

	logger := slog.Default()
	relay, err := StartRelay(RelayConfig{StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start test relay: %v", err)
	}
	t.Cleanup(relay.Shutdown)

	client := TestClient(t, relay, "test")
	return relay, client
}

// TestClient connects an additional named client to a test relay,
// simulating another process on the same bus.
func TestClient(t *testing.T, relay *Relay, name string) *Client {
	t.Helper()
	return TestClientAt(t, relay.Endpoints(), name)
}

// TestClientAt is TestClient for a bus known only by its endpoints, e.g.
// one hosted inside a supervisor under test.
func TestClientAt(t *testing.T, endpoints Endpoints, name string) *Client {
	t.Helper()

	client, err := NewClient(name, endpoints)
	if err != nil {
		t.Fatalf("create test client %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect test client %s: %v", name, err)
	}
	t.Cleanup(client.Close)

	return client
}

// StartTestBridge runs an ingress bridge for the test bus and registers its
// shutdown on t.
func StartTestBridge(t *testing.T, client *Client) {
	t.Helper()

	bridge, err := NewBridge(client, slog.Default(), nil)
	if err != nil {
		t.Fatalf("create test bridge: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}
