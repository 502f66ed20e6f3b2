// Package plugin implements the per-process container of pluggable
// behaviors that run inside a worker's tick loop. Plugins are loaded and
// unloaded at runtime; the container owns every instance it creates and is
// the only component allowed to hold a long-lived reference to one.
package plugin

import (
	"log/slog"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/envelope"
)

// Events is the accumulator threaded through one tick. Earlier plugins
// write into it, later plugins read from it; that pipeline order is why
// container order matters.
type Events map[string]any

// Environment is the shared context handed to every plugin at
// construction. It stays valid for the plugin's whole lifetime.
type Environment struct {
	Client   *bus.Client
	Logger   *slog.Logger
	UserDir  string
	Role     string
	Identity string

	// RecDir is the recording the player role was started with. Empty for
	// live-capture roles.
	RecDir string

	// Clock returns the shared timebase in seconds. All processes on one
	// bus agree on it.
	Clock func() float64
}

// Plugin is the full capability surface. Most plugins care about a few
// methods only; embed Base to default the rest to no-ops.
//
// Input handlers return true when the event was consumed, which stops
// propagation to later plugins in the container.
type Plugin interface {
	// Name identifies the plugin type, matching its registry entry.
	Name() string

	// Alive reports whether the instance is active. Deactivate flips it
	// false; the container removes the instance on the next Clean.
	Alive() bool
	Deactivate()

	// Tick runs once per loop iteration, in container order.
	Tick(events Events)

	// OnNotify delivers a bus notification the owning process received.
	OnNotify(n *envelope.Notification)

	OnClick(x, y float64, button int) bool
	OnKey(key int) bool
	OnChar(r rune) bool
	OnDrop(paths []string) bool

	// Teardown releases everything the plugin acquired. Called exactly
	// once, by the container, after deactivation.
	Teardown()

	// Config returns the arguments that reconstruct this instance.
	Config() map[string]any
}

// Base provides the no-op capability defaults. Embed it by value and call
// NewBase in the plugin's factory.
type Base struct {
	name  string
	alive bool
}

// NewBase creates an active base for a plugin of the given type name.
func NewBase(name string) Base {
	return Base{name: name, alive: true}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Alive() bool { return b.alive }

func (b *Base) Deactivate() { b.alive = false }

func (b *Base) Tick(Events) {}

func (b *Base) OnNotify(*envelope.Notification) {}

func (b *Base) OnClick(float64, float64, int) bool { return false }

func (b *Base) OnKey(int) bool { return false }

func (b *Base) OnChar(rune) bool { return false }

func (b *Base) OnDrop([]string) bool { return false }

func (b *Base) Teardown() {}

func (b *Base) Config() map[string]any { return map[string]any{} }
