package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gazehub/gazehub/errors"
)

func TestTopicDerivation(t *testing.T) {
	n := New("eye_process.should_start", WithField("eye_id", 0))
	assert.Equal(t, "notify.eye_process.should_start", n.Topic())

	d := New("eye_process.should_start", WithDelay(2*time.Second))
	assert.Equal(t, "delayed_notify.eye_process.should_start", d.Topic())
	assert.InDelta(t, 2.0, d.Delay, 1e-9)
}

func TestFiredStripsDelay(t *testing.T) {
	n := New("recording.should_stop", WithDelay(3*time.Second), WithField("remote_notify", "all"))
	fired := n.Fired()

	assert.Zero(t, fired.Delay)
	assert.Equal(t, "notify.recording.should_stop", fired.Topic())
	assert.Equal(t, "all", fired.String("remote_notify"))
	// Original is untouched.
	assert.InDelta(t, 3.0, n.Delay, 1e-9)
}

func TestWireRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0xff, 0x10, 0x80}
	n := New("frame.eye.0",
		WithFields(map[string]any{
			"width":  int64(192),
			"height": int64(192),
			"format": "jpeg",
			"online": true,
		}),
		WithAttachment(raw),
	)

	data, err := Marshal(n)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, n.Subject, got.Subject)
	assert.Equal(t, "jpeg", got.String("format"))
	assert.True(t, got.Bool("online"))
	w, ok := got.Int("width")
	require.True(t, ok)
	assert.Equal(t, 192, w)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, raw, got.Attachments[0])
}

func TestMarshalRejectsInvalid(t *testing.T) {
	_, err := Marshal(&Notification{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedMessage)

	n := New("ok.subject")
	n.Delay = -1
	_, err = Marshal(n)
	require.Error(t, err)
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not cbor at all"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, ValidateTopic("notify.eye_process.should_stop"))
	assert.NoError(t, ValidateTopic("frame.eye.0"))
	assert.Error(t, ValidateTopic(""))
	assert.Error(t, ValidateTopic("notify..double"))
	assert.Error(t, ValidateTopic("notify.bad topic"))
	assert.Error(t, ValidateTopic("notify.star*"))
}

func TestMatchesPrefix(t *testing.T) {
	// Byte-prefix semantics: mid-token prefixes match.
	assert.True(t, MatchesPrefix("notify.eye_process.should_stop", "notify.eye_process."))
	assert.True(t, MatchesPrefix("notify.eye_process.should_stop", "notify.eye"))
	assert.True(t, MatchesPrefix("logging.error", "logging."))
	assert.False(t, MatchesPrefix("notify.world_process.started", "notify.eye"))
}

func TestStripDelayed(t *testing.T) {
	assert.Equal(t, "notify.recording.should_stop", StripDelayed("delayed_notify.recording.should_stop"))
	assert.Equal(t, "notify.recording.should_stop", StripDelayed("notify.recording.should_stop"))
}
