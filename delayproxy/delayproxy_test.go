package delayproxy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
)

func startProxy(t *testing.T, client *bus.Client) *Proxy {
	t.Helper()

	p := New(client, slog.Default(), WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the proxy's subscription time to propagate.
	require.NoError(t, client.Flush())
	time.Sleep(50 * time.Millisecond)
	return p
}

func TestDelayedNotificationFiresAfterDelay(t *testing.T) {
	relay, proxyClient := bus.StartTestBus(t)
	startProxy(t, proxyClient)

	sender := bus.TestClient(t, relay, "sender")
	observer := bus.TestClient(t, relay, "observer")

	sub, err := observer.SubscribePrefix("notify.recording.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())

	n := envelope.New("recording.should_stop",
		envelope.WithField("reason", "low disk"),
		envelope.WithDelay(300*time.Millisecond),
	)
	require.NoError(t, sender.Publish(n))

	// Never early: nothing may arrive in the first half of the delay.
	_, early := sub.Next(150 * time.Millisecond)
	assert.False(t, early, "delayed notification fired before its deadline")

	msg, ok := sub.Next(2 * time.Second)
	require.True(t, ok, "delayed notification never fired")
	assert.Equal(t, "notify.recording.should_stop", msg.Topic)
	assert.Equal(t, "recording.should_stop", msg.Note.Subject)
	assert.Equal(t, "low disk", msg.Note.String("reason"))
	assert.Zero(t, msg.Note.Delay, "fired copy must carry no delay")
}

func TestSameSubjectOverwritesPending(t *testing.T) {
	relay, proxyClient := bus.StartTestBus(t)
	p := startProxy(t, proxyClient)

	sender := bus.TestClient(t, relay, "sender")
	observer := bus.TestClient(t, relay, "observer")

	sub, err := observer.SubscribePrefix("notify.world_process.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())

	for i := 0; i < 5; i++ {
		n := envelope.New("world_process.should_start",
			envelope.WithField("attempt", int64(i)),
			envelope.WithDelay(200*time.Millisecond),
		)
		require.NoError(t, sender.Publish(n))
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, sender.Flush())

	msg, ok := sub.Next(2 * time.Second)
	require.True(t, ok)
	attempt, ok := msg.Note.Int("attempt")
	require.True(t, ok)
	assert.Equal(t, 4, attempt, "last write must win")

	// Exactly once: the overwritten holds never fire.
	_, extra := sub.Next(400 * time.Millisecond)
	assert.False(t, extra, "overwritten delayed notification fired")
	assert.Zero(t, p.PendingCount())
}

func TestDistinctSubjectsHeldIndependently(t *testing.T) {
	relay, proxyClient := bus.StartTestBus(t)
	startProxy(t, proxyClient)

	sender := bus.TestClient(t, relay, "sender")
	observer := bus.TestClient(t, relay, "observer")

	sub, err := observer.SubscribePrefix("notify.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())

	require.NoError(t, sender.Publish(envelope.New("eye_process.should_stop",
		envelope.WithDelay(100*time.Millisecond))))
	require.NoError(t, sender.Publish(envelope.New("world_process.should_stop",
		envelope.WithDelay(100*time.Millisecond))))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, ok := sub.Next(2 * time.Second)
		require.True(t, ok)
		seen[msg.Note.Subject] = true
	}
	assert.True(t, seen["eye_process.should_stop"])
	assert.True(t, seen["world_process.should_stop"])
}
