package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/plugin"
	"github.com/gazehub/gazehub/settings"
)

// Runtime is one worker process's main loop: a plugin container driven by
// a single-goroutine tick cycle, wrapped in the alive guard. All plugin
// methods run on the loop goroutine; determinism of tick order is a
// correctness requirement, so there is no background scheduling.
type Runtime struct {
	cfg      Config
	client   *bus.Client
	registry *plugin.Registry
	logger   *slog.Logger

	store     *settings.Store
	st        *settings.Settings
	container *plugin.Container
	stop      bool
}

// New creates a runtime for an already-connected bus client.
func New(cfg Config, client *bus.Client, registry *plugin.Registry, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Runtime", "New", "config")
	}
	return &Runtime{
		cfg:      cfg,
		client:   client,
		registry: registry,
		logger:   logger.With("process", cfg.Identity()),
	}, nil
}

// Run executes the worker until it is told to stop, the context is
// cancelled, or the loop crashes. The alive guard's release runs on every
// one of those paths; a crash surfaces as ErrWorkerCrashed after the flag
// has been cleared and the stopped notification sent.
func (r *Runtime) Run(ctx context.Context) (err error) {
	guard, err := acquireAlive(ctx, r.client, r.cfg, r.logger)
	if err != nil {
		if errors.IsInvalid(err) {
			r.logger.Error("Refusing duplicate start", "identity", r.cfg.Identity())
		}
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Worker loop crashed",
				"panic", rec, "stack", string(debug.Stack()))
			err = errors.WrapFatal(errors.ErrWorkerCrashed,
				"Runtime", "Run", fmt.Sprintf("panic: %v", rec))
		}
		r.shutdown()
		guard.release()
	}()

	if err := r.setup(); err != nil {
		return err
	}

	sub, err := r.client.SubscribePrefix(envelope.PrefixNotify)
	if err != nil {
		return errors.Wrap(err, "Runtime", "Run", "subscribe notifications")
	}
	defer sub.Unsubscribe()

	r.logger.Info("Worker running",
		"role", r.cfg.Role, "plugins", r.container.Active())

	interval := r.cfg.tickInterval()
	for !r.stop {
		if ctx.Err() != nil {
			break
		}

		// The poll doubles as loop pacing when the bus is idle.
		if msg, ok := sub.Next(interval); ok {
			r.dispatch(msg.Note)
			for sub.HasPending() {
				msg, ok := sub.Next(time.Millisecond)
				if !ok {
					break
				}
				r.dispatch(msg.Note)
			}
		}

		events := plugin.Events{}
		r.container.Tick(events)
		r.container.Clean()
	}

	r.logger.Info("Worker loop exited", "identity", r.cfg.Identity())
	return nil
}

func (r *Runtime) setup() error {
	store, err := settings.NewStore(r.cfg.UserDir, r.cfg.Version, r.logger)
	if err != nil {
		return errors.Wrap(err, "Runtime", "setup", "settings store")
	}
	r.store = store

	st, restored := store.Load(r.cfg.Role, r.cfg.Identity())
	r.st = st

	env := &plugin.Environment{
		Client:   r.client,
		Logger:   r.logger,
		UserDir:  r.cfg.UserDir,
		Role:     r.cfg.Role,
		Identity: r.cfg.Identity(),
		RecDir:   r.cfg.RecDir,
		Clock:    r.clock(),
	}
	r.container = plugin.NewContainer(env, r.registry, r.logger)

	descriptors := st.Plugins
	if !restored || len(descriptors) == 0 {
		descriptors = r.defaultPlugins()
	}
	for _, d := range descriptors {
		if _, err := r.container.Add(d); err != nil {
			// A stale store may reference a plugin that no longer exists;
			// skip it rather than refuse to start.
			r.logger.Warn("Skipping unloadable plugin",
				"plugin", d.Name, "error", err)
		}
	}
	return nil
}

// clock returns the shared-timebase clock: seconds since the reference the
// supervisor resolved at startup. Every process on the bus agrees on it.
func (r *Runtime) clock() func() float64 {
	timebase := r.cfg.Timebase
	return func() float64 {
		return float64(time.Now().UnixNano())/1e9 - timebase
	}
}

func (r *Runtime) defaultPlugins() []plugin.Descriptor {
	switch r.cfg.Role {
	case RoleEye, RoleWorld:
		return []plugin.Descriptor{
			{Name: PluginCaptureSource},
			{Name: PluginFramePublisher},
			{Name: PluginRecorder},
		}
	default:
		return nil
	}
}

func (r *Runtime) dispatch(n *envelope.Notification) {
	switch n.Subject {
	case r.cfg.ControlSubjectPrefix() + "should_stop":
		if r.matchesIdentity(n) {
			r.logger.Info("Stop requested", "identity", r.cfg.Identity())
			r.stop = true
		}
	case "meta.should_doc":
		r.sendDoc()
	case r.startPluginSubject():
		r.handleStartPlugin(n)
	case r.stopPluginSubject():
		r.handleStopPlugin(n)
	}
	r.container.Notify(n)
}

// matchesIdentity decides whether a role-control notification addresses
// this worker. Eye control may carry an eye_id; a missing one addresses
// both eyes.
func (r *Runtime) matchesIdentity(n *envelope.Notification) bool {
	if r.cfg.Role != RoleEye {
		return true
	}
	id, ok := n.Int("eye_id")
	return !ok || id == r.cfg.EyeID
}

func (r *Runtime) startPluginSubject() string {
	if r.cfg.Role == RoleEye {
		return "start_eye_plugin"
	}
	return "start_plugin"
}

func (r *Runtime) stopPluginSubject() string {
	if r.cfg.Role == RoleEye {
		return "stop_eye_plugin"
	}
	return "stop_plugin"
}

// matchesTarget checks a plugin-control notification's target field. Eye
// workers require an exact match because both eyes see the same topic;
// other roles also accept an empty target.
func (r *Runtime) matchesTarget(n *envelope.Notification) bool {
	target := n.String("target")
	if r.cfg.Role == RoleEye {
		return target == r.cfg.Identity()
	}
	return target == "" || target == r.cfg.Identity()
}

func (r *Runtime) handleStartPlugin(n *envelope.Notification) {
	if !r.matchesTarget(n) {
		return
	}
	name := n.String("name")
	d := plugin.Descriptor{Name: name, Args: argsMap(n.Payload["args"])}
	if _, err := r.container.Add(d); err != nil {
		r.logger.Error("Failed to start plugin", "plugin", name, "error", err)
	}
}

func (r *Runtime) handleStopPlugin(n *envelope.Notification) {
	if !r.matchesTarget(n) {
		return
	}
	name := n.String("name")
	p, ok := r.container.ByName(name)
	if !ok {
		r.logger.Warn("Stop requested for plugin that is not loaded", "plugin", name)
		return
	}
	p.Deactivate()
}

func (r *Runtime) sendDoc() {
	n := envelope.New("meta.doc",
		envelope.WithField("actor", r.cfg.Identity()),
		envelope.WithField("doc", roleDoc(r.cfg.Role)),
	)
	if err := r.client.Notify(n); err != nil {
		r.logger.Warn("Failed to answer doc request", "error", err)
	}
}

func roleDoc(role string) string {
	switch role {
	case RoleEye:
		return "Captures one eye camera and feeds its frames to detection and recording."
	case RoleWorld:
		return "Captures the scene camera and hosts the primary plugin pipeline."
	case RolePlayer:
		return "Replays a previously recorded session."
	case RoleService:
		return "Headless capture without any display surface."
	default:
		return ""
	}
}

// shutdown persists the session and tears the container down. Runs on
// every exit path; tolerates a setup that never completed.
func (r *Runtime) shutdown() {
	if r.container == nil {
		return
	}
	if r.store != nil && r.st != nil {
		r.st.Plugins = r.container.Snapshot()
		if err := r.store.Save(r.cfg.Role, r.cfg.Identity(), r.st); err != nil {
			r.logger.Warn("Failed to persist session settings", "error", err)
		}
	}
	r.container.TeardownAll()
}

// argsMap normalizes a decoded payload value into plugin args. The wire
// codec may deliver nested maps with interface keys.
func argsMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	}
	return nil
}
