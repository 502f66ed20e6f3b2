package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/worker"
)

// Process is the supervisor's handle on one spawned worker. Done is closed
// when the OS process has exited and been waited on.
type Process interface {
	Done() <-chan struct{}
}

// SpawnFunc launches a worker with the given configuration. The default
// re-executes this binary's hidden worker subcommand; tests substitute an
// in-process launcher.
type SpawnFunc func(ctx context.Context, cfg worker.Config) (Process, error)

// procRecord tracks one managed worker between spawn and reap.
type procRecord struct {
	identity string
	role     string
	proc     Process
}

func (p *procRecord) exited() bool {
	select {
	case <-p.proc.Done():
		return true
	default:
		return false
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

// spawnArgs builds the worker subcommand arguments: the full bus contract
// plus the role-specific extras (eye id, player recording directory).
func spawnArgs(cfg worker.Config) []string {
	args := []string{
		"worker",
		"--role", cfg.Role,
		"--pub-url", cfg.Endpoints.PubURL,
		"--sub-url", cfg.Endpoints.SubURL,
		"--push-url", cfg.Endpoints.PushURL,
		"--timebase", fmt.Sprintf("%.9f", cfg.Timebase),
		"--user-dir", cfg.UserDir,
		"--app-version", cfg.Version,
	}
	if cfg.Role == worker.RoleEye {
		args = append(args, "--eye-id", fmt.Sprint(cfg.EyeID))
	}
	if cfg.Role == worker.RolePlayer {
		args = append(args, "--rec-dir", cfg.RecDir)
	}
	return args
}

// execSpawner returns the production spawner: re-execute exePath with the
// worker subcommand and the full bus contract on the command line.
func execSpawner(exePath string) SpawnFunc {
	return func(_ context.Context, cfg worker.Config) (Process, error) {
		cmd := exec.Command(exePath, spawnArgs(cfg)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrSpawnFailed, err),
				"Supervisor", "spawn", cfg.Identity())
		}

		p := &execProcess{cmd: cmd, done: make(chan struct{})}
		go func() {
			defer close(p.done)
			_ = cmd.Wait()
		}()
		return p, nil
	}
}
