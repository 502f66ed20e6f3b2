// Package worker implements the managed child processes: the tick loop,
// the lifecycle guard around it, and the builtin plugins that run inside
// it. A worker is spawned by the supervisor with the bus endpoints, the
// shared timebase and its role identity, and runs until told to stop or
// until it crashes; either way its is-alive flag ends up false and a
// stopped notification is published.
package worker

import (
	"fmt"
	"time"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/errors"
)

// Worker roles. An eye role carries an eye id; every other role has a
// single identity equal to its name.
const (
	RoleEye     = "eye"
	RoleWorld   = "world"
	RolePlayer  = "player"
	RoleService = "service"
)

// defaultTickInterval paces the loop when no notification is pending,
// roughly matching a 30 Hz capture cadence.
const defaultTickInterval = 33 * time.Millisecond

// defaultStopGrace is how long the worker lingers after publishing its
// stopped notification, so the push drains before the process exits.
const defaultStopGrace = time.Second

// Config is everything a spawned worker receives from the supervisor.
type Config struct {
	Role      string
	EyeID     int
	Endpoints bus.Endpoints

	// Timebase is the shared start reference in unix seconds. Timestamps
	// produced by this worker are seconds since it.
	Timebase float64

	UserDir string
	Version string

	// RecDir is the recording the player role opens. Unused by other roles.
	RecDir string

	TickInterval time.Duration
	StopGrace    time.Duration
}

// Identity returns the role identity string ("eye0", "eye1", "world", ...).
func (c Config) Identity() string {
	if c.Role == RoleEye {
		return fmt.Sprintf("eye%d", c.EyeID)
	}
	return c.Role
}

// ControlSubjectPrefix returns the notification subject family that
// controls this role ("eye_process.", "world_process.", ...).
func (c Config) ControlSubjectPrefix() string {
	return c.Role + "_process."
}

// Validate checks the config before the worker starts.
func (c Config) Validate() error {
	switch c.Role {
	case RoleEye, RoleWorld, RolePlayer, RoleService:
	default:
		return errors.WrapInvalid(errors.ErrUnknownRole,
			"Config", "Validate", "role "+c.Role)
	}
	if c.Role == RoleEye && (c.EyeID < 0 || c.EyeID > 1) {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", fmt.Sprintf("eye id %d out of range", c.EyeID))
	}
	if err := c.Endpoints.Validate(); err != nil {
		return errors.Wrap(err, "Config", "Validate", "endpoints")
	}
	if c.UserDir == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "user directory is required")
	}
	if c.Role == RolePlayer && c.RecDir == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Config", "Validate", "player requires a recording directory")
	}
	return nil
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	return defaultTickInterval
}

func (c Config) stopGrace() time.Duration {
	if c.StopGrace > 0 {
		return c.StopGrace
	}
	return defaultStopGrace
}
