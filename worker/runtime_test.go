package worker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/plugin"
	"github.com/gazehub/gazehub/settings"
)

func testConfig(t *testing.T, relay *bus.Relay) Config {
	t.Helper()
	return Config{
		Role:         RoleEye,
		EyeID:        0,
		Endpoints:    relay.Endpoints(),
		Timebase:     float64(time.Now().UnixNano()) / 1e9,
		UserDir:      t.TempDir(),
		Version:      "test",
		TickInterval: 5 * time.Millisecond,
		StopGrace:    time.Millisecond,
	}
}

func builtinRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(PluginCaptureSource, NewCaptureFactory(nil)))
	require.NoError(t, reg.Register(PluginFramePublisher, NewFramePublisherFactory()))
	require.NoError(t, reg.Register(PluginRecorder, NewRecorderFactory(nil)))
	return reg
}

// runWorker starts a runtime in a goroutine and returns the channel its
// Run error arrives on.
func runWorker(t *testing.T, ctx context.Context, cfg Config, client *bus.Client, reg *plugin.Registry) <-chan error {
	t.Helper()
	rt, err := New(cfg, client, reg, slog.Default())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	return done
}

func TestWorkerLifecycle(t *testing.T) {
	relay, supClient := bus.StartTestBus(t)
	bus.StartTestBridge(t, supClient)

	observer := bus.TestClient(t, relay, "observer")
	sub, err := observer.SubscribePrefix("notify.eye_process.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())
	time.Sleep(50 * time.Millisecond)

	cfg := testConfig(t, relay)
	workerClient := bus.TestClient(t, relay, cfg.Identity())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := runWorker(t, ctx, cfg, workerClient, builtinRegistry(t))

	msg, ok := sub.Next(10 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "eye_process.started", msg.Note.Subject)
	eyeID, _ := msg.Note.Int("eye_id")
	assert.Equal(t, 0, eyeID)

	watchCtx, watchCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer watchCancel()
	watcher, err := supClient.AliveFlagWatcher(watchCtx, "eye0")
	require.NoError(t, err)
	alive, err := watcher.Get(watchCtx)
	require.NoError(t, err)
	assert.True(t, alive)

	// A stop addressed to the other eye must be ignored.
	require.NoError(t, observer.Notify(envelope.New("eye_process.should_stop",
		envelope.WithField("eye_id", int64(1)))))
	select {
	case err := <-done:
		t.Fatalf("worker stopped on another eye's notification: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, observer.Notify(envelope.New("eye_process.should_stop",
		envelope.WithField("eye_id", int64(0)))))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	// The guard cleared the flag and announced the stop.
	alive, err = watcher.Get(watchCtx)
	require.NoError(t, err)
	assert.False(t, alive)

	var sawStopped bool
	for {
		msg, ok := sub.Next(2 * time.Second)
		if !ok {
			break
		}
		if msg.Note.Subject == "eye_process.stopped" {
			sawStopped = true
			break
		}
	}
	assert.True(t, sawStopped, "stopped notification never observed")
}

func TestDuplicateStartRejected(t *testing.T) {
	relay, supClient := bus.StartTestBus(t)
	bus.StartTestBridge(t, supClient)

	cfg := testConfig(t, relay)

	// Another process already owns eye0.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	other := bus.TestClient(t, relay, "other")
	owner, err := other.AliveFlagOwner(ctx, "eye0")
	require.NoError(t, err)
	require.NoError(t, owner.Set(ctx, true))

	workerClient := bus.TestClient(t, relay, cfg.Identity())
	done := runWorker(t, ctx, cfg, workerClient, builtinRegistry(t))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrDuplicateStart)
	case <-time.After(10 * time.Second):
		t.Fatal("duplicate start was not rejected")
	}

	// The legitimate owner's flag is untouched.
	alive, err := owner.Get(ctx)
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestCrashClearsFlagAndAnnouncesStop(t *testing.T) {
	relay, supClient := bus.StartTestBus(t)
	bus.StartTestBridge(t, supClient)

	observer := bus.TestClient(t, relay, "observer")
	sub, err := observer.SubscribePrefix("notify.eye_process.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())
	time.Sleep(50 * time.Millisecond)

	cfg := testConfig(t, relay)

	// Seed the session so the worker loads a plugin that blows up on its
	// third tick.
	store, err := settings.NewStore(cfg.UserDir, cfg.Version, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Save(cfg.Role, cfg.Identity(), &settings.Settings{
		Plugins: []plugin.Descriptor{{Name: "bomb"}},
	}))

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register("bomb", func(*plugin.Environment, map[string]any) (plugin.Plugin, error) {
		return &bombPlugin{Base: plugin.NewBase("bomb")}, nil
	}))

	workerClient := bus.TestClient(t, relay, cfg.Identity())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := runWorker(t, ctx, cfg, workerClient, reg)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrWorkerCrashed)
	case <-time.After(15 * time.Second):
		t.Fatal("crash never surfaced")
	}

	watcher, err := supClient.AliveFlagWatcher(ctx, "eye0")
	require.NoError(t, err)
	alive, err := watcher.Get(ctx)
	require.NoError(t, err)
	assert.False(t, alive, "crash must clear the is-alive flag")

	var sawStopped bool
	for {
		msg, ok := sub.Next(2 * time.Second)
		if !ok {
			break
		}
		if msg.Note.Subject == "eye_process.stopped" {
			sawStopped = true
			break
		}
	}
	assert.True(t, sawStopped, "crash must still announce the stop")
}

type bombPlugin struct {
	plugin.Base
	ticks int
}

func (p *bombPlugin) Tick(plugin.Events) {
	p.ticks++
	if p.ticks >= 3 {
		panic("synthetic capture fault")
	}
}

func TestPluginControlNotificationsPersistAcrossRestart(t *testing.T) {
	relay, supClient := bus.StartTestBus(t)
	bus.StartTestBridge(t, supClient)

	cfg := testConfig(t, relay)
	reg := builtinRegistry(t)
	require.NoError(t, reg.Register("probe", func(*plugin.Environment, map[string]any) (plugin.Plugin, error) {
		p := plugin.NewBase("probe")
		return &p, nil
	}))

	workerClient := bus.TestClient(t, relay, cfg.Identity())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := runWorker(t, ctx, cfg, workerClient, reg)
	time.Sleep(200 * time.Millisecond)

	controller := bus.TestClient(t, relay, "controller")
	require.NoError(t, controller.Notify(envelope.New("start_eye_plugin",
		envelope.WithField("target", "eye0"),
		envelope.WithField("name", "probe"))))
	// A start addressed at the other eye must not load here.
	require.NoError(t, controller.Notify(envelope.New("start_eye_plugin",
		envelope.WithField("target", "eye1"),
		envelope.WithField("name", "probe"))))
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, controller.Notify(envelope.New("eye_process.should_stop",
		envelope.WithField("eye_id", int64(0)))))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	// Shutdown snapshotted the session: builtins plus exactly one probe.
	store, err := settings.NewStore(cfg.UserDir, cfg.Version, slog.Default())
	require.NoError(t, err)
	st, restored := store.Load(cfg.Role, cfg.Identity())
	require.True(t, restored)

	var probes int
	for _, d := range st.Plugins {
		if d.Name == "probe" {
			probes++
		}
	}
	assert.Equal(t, 1, probes, "exactly the targeted start must have loaded")
	assert.Len(t, st.Plugins, 4)
}
