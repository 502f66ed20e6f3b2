package logrelay

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazehub/gazehub/bus"
)

func TestLevelNameRoundTrip(t *testing.T) {
	for _, level := range []slog.Level{
		slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError,
	} {
		assert.Equal(t, level, parseLevel(levelName(level)))
	}
}

func TestHandlerEnabledRespectsMinimumLevel(t *testing.T) {
	_, client := bus.StartTestBus(t)
	h := NewHandler(client, slog.LevelInfo)

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestRecordsReachSinkFileAndConsole(t *testing.T) {
	relay, supClient := bus.StartTestBus(t)
	bus.StartTestBridge(t, supClient)

	userDir := t.TempDir()
	var console bytes.Buffer
	consoleLogger := slog.New(slog.NewTextHandler(&console, nil))

	sink, err := NewSink(supClient, consoleLogger, userDir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sink.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)

	worker := bus.TestClient(t, relay, "eye0")
	logger := slog.New(NewHandler(worker, slog.LevelDebug)).With("component", "runtime")
	logger.Warn("Capture source stalled", "frame", 42)
	require.NoError(t, worker.Flush())

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(userDir, SessionLogName))
		return err == nil && bytes.Contains(data, []byte("Capture source stalled"))
	}, 5*time.Second, 20*time.Millisecond, "record never reached the session log")

	data, err := os.ReadFile(filepath.Join(userDir, SessionLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "eye0")
	assert.Contains(t, string(data), "[warn]")

	out := console.String()
	assert.Contains(t, out, "Capture source stalled")
	assert.Contains(t, out, "process=eye0")
	assert.Contains(t, out, "level=WARN")
}

func TestWithAttrsAndGroupsFlattenIntoPayload(t *testing.T) {
	relay, supClient := bus.StartTestBus(t)
	bus.StartTestBridge(t, supClient)

	observer := bus.TestClient(t, relay, "observer")
	sub, err := observer.SubscribePrefix("logging.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())
	time.Sleep(50 * time.Millisecond)

	worker := bus.TestClient(t, relay, "world")
	base := NewHandler(worker, slog.LevelDebug)
	logger := slog.New(base).With("session", "abc").WithGroup("plugin")
	logger.Info("Loaded", "name", "recorder")
	require.NoError(t, worker.Flush())

	msg, ok := sub.Next(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "logging.info", msg.Topic)
	assert.Equal(t, "world", msg.Note.String("process"))
	assert.Equal(t, "abc", msg.Note.String("session"))
	assert.Equal(t, "recorder", msg.Note.String("plugin.name"))
}
