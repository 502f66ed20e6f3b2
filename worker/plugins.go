package worker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/plugin"
)

// Builtin plugin type names.
const (
	PluginCaptureSource  = "capture_source"
	PluginFramePublisher = "frame_publisher"
	PluginRecorder       = "recorder"
)

// EventFrame is the events key under which the capture plugin publishes
// the frame it grabbed this tick. Plugins ordered after it consume it.
const EventFrame = "frame"

// NewCaptureFactory returns the capture_source factory. A nil opener
// falls back to the synthetic source.
func NewCaptureFactory(open CaptureOpener) plugin.Factory {
	return func(env *plugin.Environment, args map[string]any) (plugin.Plugin, error) {
		device, _ := args["device"].(string)

		var src CaptureSource
		if open != nil {
			opened, err := open(device)
			if err != nil {
				return nil, err
			}
			src = opened
		} else {
			src = NewSyntheticSource(192, 192, env.Clock)
		}

		return &capturePlugin{
			Base:   plugin.NewBase(PluginCaptureSource),
			env:    env,
			source: src,
			device: device,
		}, nil
	}
}

// capturePlugin grabs one frame per tick and feeds it into the event
// pipeline. It must be ordered before every frame consumer.
type capturePlugin struct {
	plugin.Base
	env    *plugin.Environment
	source CaptureSource
	device string
}

func (p *capturePlugin) Tick(events plugin.Events) {
	f, err := p.source.Grab()
	if err != nil {
		p.env.Logger.Warn("Capture grab failed", "device", p.device, "error", err)
		return
	}
	if f != nil {
		events[EventFrame] = f
	}
}

func (p *capturePlugin) Teardown() {
	if err := p.source.Close(); err != nil {
		p.env.Logger.Warn("Capture source close failed", "error", err)
	}
}

func (p *capturePlugin) Config() map[string]any {
	return map[string]any{"device": p.device}
}

// NewFramePublisherFactory returns the frame_publisher factory.
func NewFramePublisherFactory() plugin.Factory {
	return func(env *plugin.Environment, _ map[string]any) (plugin.Plugin, error) {
		return &framePublisherPlugin{
			Base:  plugin.NewBase(PluginFramePublisher),
			env:   env,
			topic: frameTopic(env.Identity),
		}, nil
	}
}

// framePublisherPlugin broadcasts captured frames on the role's frame
// topic while frame publishing is switched on over the bus.
type framePublisherPlugin struct {
	plugin.Base
	env    *plugin.Environment
	topic  string
	active bool
	format string
}

func (p *framePublisherPlugin) OnNotify(n *envelope.Notification) {
	switch n.Subject {
	case "frame_publishing.started":
		p.active = true
		p.format = n.String("format")
		p.env.Logger.Info("Frame publishing started", "format", p.format)
	case "frame_publishing.stopped":
		p.active = false
		p.env.Logger.Info("Frame publishing stopped")
	}
}

func (p *framePublisherPlugin) Tick(events plugin.Events) {
	if !p.active {
		return
	}
	f, ok := events[EventFrame].(*Frame)
	if !ok {
		return
	}
	n := envelope.New("frame",
		envelope.WithField("width", int64(f.Width)),
		envelope.WithField("height", int64(f.Height)),
		envelope.WithField("index", int64(f.Index)),
		envelope.WithField("timestamp", f.Timestamp),
		envelope.WithField("format", formatOr(p.format, f.Format)),
		envelope.WithAttachment(f.Data),
	)
	if err := p.env.Client.PublishData(p.topic, n); err != nil {
		p.env.Logger.Warn("Frame publish failed", "topic", p.topic, "error", err)
	}
}

func formatOr(requested, native string) string {
	if requested != "" {
		return requested
	}
	return native
}

// frameTopic maps a role identity onto its frame stream topic: "eye0"
// publishes on "frame.eye.0", every other identity on "frame.<identity>".
func frameTopic(identity string) string {
	if strings.HasPrefix(identity, RoleEye) {
		return "frame.eye." + strings.TrimPrefix(identity, RoleEye)
	}
	return "frame." + identity
}

// NewRecorderFactory returns the recorder factory. A nil writer factory
// falls back to the raw file backend.
func NewRecorderFactory(newWriter WriterFactory) plugin.Factory {
	if newWriter == nil {
		newWriter = NewRawFileWriter
	}
	return func(env *plugin.Environment, _ map[string]any) (plugin.Plugin, error) {
		return &recorderPlugin{
			Base:      plugin.NewBase(PluginRecorder),
			env:       env,
			newWriter: newWriter,
		}, nil
	}
}

// recorderPlugin writes captured frames to disk between recording.started
// and recording.stopped. A non-monotonic frame timestamp poisons the
// session: the writer is closed and recording.should_stop is broadcast.
type recorderPlugin struct {
	plugin.Base
	env       *plugin.Environment
	newWriter WriterFactory

	writer FrameWriter
	lastTS float64
}

func (p *recorderPlugin) OnNotify(n *envelope.Notification) {
	switch n.Subject {
	case "recording.started":
		p.start(n)
	case "recording.stopped":
		p.stop()
	case "recording.should_stop":
		p.abort(n)
	}
}

// abort handles a session abort request. Every recorder closes its writer
// immediately; the scene recorder additionally converts the request into
// recording.stopped so the rest of the session winds down consistently.
func (p *recorderPlugin) abort(n *envelope.Notification) {
	p.stop()
	if p.env.Role == RoleEye {
		return
	}
	opts := []envelope.Option{}
	if reason := n.String("reason"); reason != "" {
		opts = append(opts, envelope.WithField("reason", reason))
	}
	if err := p.env.Client.Notify(envelope.New("recording.stopped", opts...)); err != nil {
		p.env.Logger.Warn("Failed to broadcast recording stop", "error", err)
	}
}

func (p *recorderPlugin) start(n *envelope.Notification) {
	if p.writer != nil {
		return
	}
	if p.env.Role == RoleEye && !n.Bool("record_eye") {
		return
	}
	recPath := n.String("rec_path")
	path := filepath.Join(recPath, p.env.Identity+".raw")
	writer, err := p.newWriter(path, n.Bool("compression"))
	if err != nil {
		p.env.Logger.Error("Failed to open recording", "path", path, "error", err)
		return
	}
	p.writer = writer
	p.lastTS = -1
	p.env.Logger.Info("Recording started", "path", path)
}

func (p *recorderPlugin) stop() {
	if p.writer == nil {
		return
	}
	if err := p.writer.Close(); err != nil {
		p.env.Logger.Warn("Recording close failed", "error", err)
	}
	p.writer = nil
	p.env.Logger.Info("Recording stopped")
}

func (p *recorderPlugin) Tick(events plugin.Events) {
	if p.writer == nil {
		return
	}
	f, ok := events[EventFrame].(*Frame)
	if !ok {
		return
	}
	if p.lastTS >= 0 && f.Timestamp <= p.lastTS {
		p.env.Logger.Error("Non-monotonic frame timestamp, aborting recording",
			"timestamp", f.Timestamp, "last", p.lastTS)
		p.stop()
		if err := p.env.Client.Notify(envelope.New("recording.should_stop",
			envelope.WithField("reason", fmt.Sprintf(
				"non-monotonic timestamp from %s", p.env.Identity)))); err != nil {
			p.env.Logger.Warn("Failed to broadcast recording abort", "error", err)
		}
		return
	}
	if err := p.writer.Write(f); err != nil {
		p.env.Logger.Warn("Frame write failed", "error", err)
		return
	}
	p.lastTS = f.Timestamp
}

func (p *recorderPlugin) Teardown() {
	p.stop()
}
