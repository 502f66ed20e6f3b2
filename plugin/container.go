package plugin

import (
	"log/slog"

	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
)

// Container holds the ordered set of active plugin instances for one
// worker process. Insertion order is activation order: it decides the tick
// pipeline (later plugins see events earlier ones produced this tick) and
// input-handler precedence (first consumer wins).
//
// The container is confined to the worker's loop goroutine. Clean must
// only run between ticks, never concurrently with Tick or Notify.
type Container struct {
	env    *Environment
	reg    *Registry
	logger *slog.Logger

	plugins  []Plugin
	deferred []Descriptor
}

// NewContainer creates a container that builds instances from reg.
func NewContainer(env *Environment, reg *Registry, logger *slog.Logger) *Container {
	return &Container{
		env:    env,
		reg:    reg,
		logger: logger.With("component", "plugins"),
	}
}

// Add constructs an instance from its descriptor, appends it and returns
// it. Multiple instances of the same type may coexist.
func (c *Container) Add(d Descriptor) (Plugin, error) {
	p, err := c.reg.New(d.Name, c.env, d.Args)
	if err != nil {
		return nil, errors.Wrap(err, "Container", "Add", "instantiate")
	}
	c.plugins = append(c.plugins, p)
	c.logger.Debug("Plugin loaded", "plugin", d.Name, "active", len(c.plugins))
	return p, nil
}

// DeferAdd queues a descriptor to be added on the next Clean. Used when
// the request arrives mid-iteration (e.g. from a notification handler) and
// must not grow the slice under the running loop.
func (c *Container) DeferAdd(d Descriptor) {
	c.deferred = append(c.deferred, d)
}

// Notify forwards a notification to every active instance in container
// order. A panicking handler is logged and skipped; delivery continues to
// the remaining instances.
func (c *Container) Notify(n *envelope.Notification) {
	for _, p := range c.plugins {
		if !p.Alive() {
			continue
		}
		c.notifyOne(p, n)
	}
}

func (c *Container) notifyOne(p Plugin, n *envelope.Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Plugin notification handler panicked",
				"plugin", p.Name(), "subject", n.Subject, "panic", r)
		}
	}()
	p.OnNotify(n)
}

// Tick runs every active instance's produce-events method once, in order.
// Panics propagate: a crashing tick takes the worker down through its
// lifecycle guard, which is the intended failure mode.
func (c *Container) Tick(events Events) {
	for _, p := range c.plugins {
		if p.Alive() {
			p.Tick(events)
		}
	}
}

// HandleClick offers a click to each active instance until one consumes it.
func (c *Container) HandleClick(x, y float64, button int) bool {
	for _, p := range c.plugins {
		if p.Alive() && p.OnClick(x, y, button) {
			return true
		}
	}
	return false
}

// HandleKey offers a key press to each active instance until one consumes it.
func (c *Container) HandleKey(key int) bool {
	for _, p := range c.plugins {
		if p.Alive() && p.OnKey(key) {
			return true
		}
	}
	return false
}

// HandleChar offers a character to each active instance until one consumes it.
func (c *Container) HandleChar(r rune) bool {
	for _, p := range c.plugins {
		if p.Alive() && p.OnChar(r) {
			return true
		}
	}
	return false
}

// HandleDrop offers dropped paths to each active instance until one
// consumes them.
func (c *Container) HandleDrop(paths []string) bool {
	for _, p := range c.plugins {
		if p.Alive() && p.OnDrop(paths) {
			return true
		}
	}
	return false
}

// Clean finalizes removals and applies deferred adds. Every instance whose
// alive flag went false since the last Clean has its Teardown called
// exactly once and its reference dropped; removal targets by instance
// identity, not name.
func (c *Container) Clean() {
	kept := c.plugins[:0]
	for _, p := range c.plugins {
		if p.Alive() {
			kept = append(kept, p)
			continue
		}
		p.Teardown()
		c.logger.Debug("Plugin unloaded", "plugin", p.Name())
	}
	// Zero the tail so dropped instances are collectable.
	for i := len(kept); i < len(c.plugins); i++ {
		c.plugins[i] = nil
	}
	c.plugins = kept

	pending := c.deferred
	c.deferred = nil
	for _, d := range pending {
		if _, err := c.Add(d); err != nil {
			c.logger.Warn("Deferred plugin add failed", "plugin", d.Name, "error", err)
		}
	}
}

// Snapshot returns the ordered descriptors of all active instances,
// suitable for persisting and re-adding later.
func (c *Container) Snapshot() []Descriptor {
	out := make([]Descriptor, 0, len(c.plugins))
	for _, p := range c.plugins {
		if p.Alive() {
			out = append(out, Descriptor{Name: p.Name(), Args: p.Config()})
		}
	}
	return out
}

// Active returns the current number of active instances.
func (c *Container) Active() int {
	n := 0
	for _, p := range c.plugins {
		if p.Alive() {
			n++
		}
	}
	return n
}

// ByName returns the first active instance of the given type, if any.
func (c *Container) ByName(name string) (Plugin, bool) {
	for _, p := range c.plugins {
		if p.Alive() && p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// DeactivateAll marks every instance for removal. TeardownAll is the
// shutdown path: deactivate, then clean, in one call.
func (c *Container) DeactivateAll() {
	for _, p := range c.plugins {
		p.Deactivate()
	}
}

// TeardownAll tears down every instance in container order and empties the
// container. Used on worker shutdown after the final settings snapshot.
func (c *Container) TeardownAll() {
	c.DeactivateAll()
	c.Clean()
}
