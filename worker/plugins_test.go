package worker

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/plugin"
)

func TestFrameTopic(t *testing.T) {
	assert.Equal(t, "frame.eye.0", frameTopic("eye0"))
	assert.Equal(t, "frame.eye.1", frameTopic("eye1"))
	assert.Equal(t, "frame.world", frameTopic("world"))
}

func TestSyntheticSourceProducesMonotonicFrames(t *testing.T) {
	now := 0.0
	src := NewSyntheticSource(4, 4, func() float64 { now += 0.1; return now })

	first, err := src.Grab()
	require.NoError(t, err)
	second, err := src.Grab()
	require.NoError(t, err)

	assert.Equal(t, 1, first.Index)
	assert.Equal(t, 2, second.Index)
	assert.Greater(t, second.Timestamp, first.Timestamp)
	assert.Len(t, first.Data, 16)
}

func testEnv(t *testing.T, identity string) (*bus.Relay, *plugin.Environment) {
	t.Helper()
	relay, client := bus.StartTestBus(t)
	role := RoleWorld
	if identity != "world" {
		role = RoleEye
	}
	return relay, &plugin.Environment{
		Client:   client,
		Logger:   slog.Default(),
		Role:     role,
		Identity: identity,
		Clock:    func() float64 { return 0 },
	}
}

func TestFramePublisherHonorsStartStop(t *testing.T) {
	relay, env := testEnv(t, "eye0")

	observer := bus.TestClient(t, relay, "observer")
	sub, err := observer.SubscribePrefix("frame.eye.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())

	p, err := NewFramePublisherFactory()(env, nil)
	require.NoError(t, err)

	frame := &Frame{Index: 3, Timestamp: 1.5, Width: 4, Height: 4,
		Format: "gray8", Data: []byte{1, 2, 3, 4}}
	events := plugin.Events{EventFrame: frame}

	// Inactive until frame_publishing.started arrives.
	p.Tick(events)
	_, got := sub.Next(100 * time.Millisecond)
	assert.False(t, got, "must not publish before being switched on")

	p.OnNotify(envelope.New("frame_publishing.started",
		envelope.WithField("format", "gray8")))
	p.Tick(events)

	msg, got := sub.Next(2 * time.Second)
	require.True(t, got)
	assert.Equal(t, "frame.eye.0", msg.Topic)
	width, _ := msg.Note.Int("width")
	index, _ := msg.Note.Int("index")
	assert.Equal(t, 4, width)
	assert.Equal(t, 3, index)
	assert.Equal(t, "gray8", msg.Note.String("format"))
	require.Len(t, msg.Note.Attachments, 1)
	assert.Equal(t, frame.Data, msg.Note.Attachments[0])

	p.OnNotify(envelope.New("frame_publishing.stopped"))
	p.Tick(events)
	_, got = sub.Next(100 * time.Millisecond)
	assert.False(t, got, "must not publish after being switched off")
}

func TestRecorderWritesFramesBetweenStartAndStop(t *testing.T) {
	_, env := testEnv(t, "eye0")

	p, err := NewRecorderFactory(nil)(env, nil)
	require.NoError(t, err)

	recPath := t.TempDir()
	p.OnNotify(envelope.New("recording.started",
		envelope.WithField("record_eye", true),
		envelope.WithField("rec_path", recPath)))

	for i, ts := range []float64{1.0, 1.1, 1.2} {
		p.Tick(plugin.Events{EventFrame: &Frame{
			Index: i, Timestamp: ts, Width: 2, Height: 2, Data: []byte{0, 1, 2, 3}}})
	}
	p.OnNotify(envelope.New("recording.stopped"))

	data, err := os.ReadFile(filepath.Join(recPath, "eye0.raw"))
	require.NoError(t, err)
	assert.Len(t, data, 3*(28+4))
}

func TestRecorderIgnoresStartWithoutRecordEye(t *testing.T) {
	_, env := testEnv(t, "eye1")

	p, err := NewRecorderFactory(nil)(env, nil)
	require.NoError(t, err)

	recPath := t.TempDir()
	p.OnNotify(envelope.New("recording.started",
		envelope.WithField("record_eye", false),
		envelope.WithField("rec_path", recPath)))
	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 1, Data: []byte{0}}})

	_, err = os.Stat(filepath.Join(recPath, "eye1.raw"))
	assert.True(t, os.IsNotExist(err), "eye must not record when record_eye is false")
}

func TestRecorderStopsOnShouldStop(t *testing.T) {
	_, env := testEnv(t, "eye0")

	p, err := NewRecorderFactory(nil)(env, nil)
	require.NoError(t, err)

	recPath := t.TempDir()
	p.OnNotify(envelope.New("recording.started",
		envelope.WithField("record_eye", true),
		envelope.WithField("rec_path", recPath)))
	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 1.0, Data: []byte{0}}})

	p.OnNotify(envelope.New("recording.should_stop",
		envelope.WithField("reason", "test abort")))
	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 2.0, Data: []byte{0}}})

	// Only the frame written before the abort request made it to disk.
	data, err := os.ReadFile(filepath.Join(recPath, "eye0.raw"))
	require.NoError(t, err)
	assert.Len(t, data, 28+1)
}

func TestSceneRecorderConvertsShouldStopToStopped(t *testing.T) {
	relay, env := testEnv(t, "world")
	bus.StartTestBridge(t, env.Client)

	observer := bus.TestClient(t, relay, "observer")
	sub, err := observer.SubscribePrefix("notify.recording.stopped")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())
	time.Sleep(50 * time.Millisecond)

	p, err := NewRecorderFactory(nil)(env, nil)
	require.NoError(t, err)

	recPath := t.TempDir()
	p.OnNotify(envelope.New("recording.started",
		envelope.WithField("rec_path", recPath)))
	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 1.0, Data: []byte{0}}})

	p.OnNotify(envelope.New("recording.should_stop",
		envelope.WithField("reason", "non-monotonic timestamp from eye0")))

	msg, got := sub.Next(5 * time.Second)
	require.True(t, got, "scene recorder must broadcast recording.stopped")
	assert.Equal(t, "recording.stopped", msg.Note.Subject)
	assert.Contains(t, msg.Note.String("reason"), "non-monotonic")

	// The scene writer closed before the broadcast went out.
	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 2.0, Data: []byte{0}}})
	data, err := os.ReadFile(filepath.Join(recPath, "world.raw"))
	require.NoError(t, err)
	assert.Len(t, data, 28+1)
}

func TestRecorderAbortsOnNonMonotonicTimestamp(t *testing.T) {
	relay, env := testEnv(t, "eye0")
	bus.StartTestBridge(t, env.Client)

	observer := bus.TestClient(t, relay, "observer")
	sub, err := observer.SubscribePrefix("notify.recording.")
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, observer.Flush())
	time.Sleep(50 * time.Millisecond)

	p, err := NewRecorderFactory(nil)(env, nil)
	require.NoError(t, err)

	recPath := t.TempDir()
	p.OnNotify(envelope.New("recording.started",
		envelope.WithField("record_eye", true),
		envelope.WithField("rec_path", recPath)))

	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 2.0, Data: []byte{0}}})
	p.Tick(plugin.Events{EventFrame: &Frame{Timestamp: 1.0, Data: []byte{0}}})

	msg, got := sub.Next(5 * time.Second)
	require.True(t, got, "abort must broadcast recording.should_stop")
	assert.Equal(t, "recording.should_stop", msg.Note.Subject)
	assert.Contains(t, msg.Note.String("reason"), "non-monotonic")

	// Writer is closed: only the first frame made it to disk.
	data, err := os.ReadFile(filepath.Join(recPath, "eye0.raw"))
	require.NoError(t, err)
	assert.Len(t, data, 28+1)
}
