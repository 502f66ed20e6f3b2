// Package supervisor implements the launcher process: it owns the bus
// (embedded relay, ingress bridge, delayed dispatch proxy, log sink),
// listens for process-control notifications and spawns or joins worker
// processes accordingly.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gazehub/gazehub/bus"
	"github.com/gazehub/gazehub/delayproxy"
	"github.com/gazehub/gazehub/envelope"
	"github.com/gazehub/gazehub/errors"
	"github.com/gazehub/gazehub/logrelay"
	"github.com/gazehub/gazehub/metric"
	"github.com/gazehub/gazehub/worker"
)

// Application modes. Each seeds one initial worker after startup.
const (
	AppCapture = "capture"
	AppService = "service"
	AppPlayer  = "player"
)

const (
	defaultPollInterval = time.Second
	defaultJoinTimeout  = 10 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	UserDir string
	Version string

	// AppMode selects which worker starts first. Defaults to capture.
	AppMode string

	// RecDir is the recording the player mode opens. Required when AppMode
	// is player.
	RecDir string

	// StoreDir is the relay's persistence directory. Defaults to a
	// subdirectory of UserDir.
	StoreDir string

	PollInterval time.Duration
	JoinTimeout  time.Duration

	// Spawn launches workers. Defaults to re-executing this binary.
	Spawn SpawnFunc
}

func (c *Config) applyDefaults() error {
	if c.UserDir == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Supervisor", "Config", "user directory is required")
	}
	if c.AppMode == "" {
		c.AppMode = AppCapture
	}
	switch c.AppMode {
	case AppCapture, AppService, AppPlayer:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Supervisor", "Config", "unknown app mode "+c.AppMode)
	}
	if c.AppMode == AppPlayer && c.RecDir == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Supervisor", "Config", "player mode requires a recording directory")
	}
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(c.UserDir, "broker")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	if c.Spawn == nil {
		exe, err := os.Executable()
		if err != nil {
			return errors.WrapFatal(err, "Supervisor", "Config", "resolve executable")
		}
		c.Spawn = execSpawner(exe)
	}
	return nil
}

// appRole maps an application mode onto the role it seeds.
func appRole(mode string) string {
	switch mode {
	case AppService:
		return worker.RoleService
	case AppPlayer:
		return worker.RolePlayer
	default:
		return worker.RoleWorld
	}
}

// Supervisor is the top-level control loop.
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *supervisorMetrics
	registry *metric.Registry

	relay    *bus.Relay
	client   *bus.Client
	timebase float64
	procs    map[string]*procRecord

	ready chan struct{}
}

// New creates a supervisor. A nil registry disables metrics.
func New(cfg Config, logger *slog.Logger, registry *metric.Registry) (*Supervisor, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	metrics, err := newSupervisorMetrics(registry)
	if err != nil {
		return nil, errors.Wrap(err, "Supervisor", "New", "register metrics")
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.With("process", "launcher"),
		metrics:  metrics,
		registry: registry,
		procs:    make(map[string]*procRecord),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the bus is up and the startup handshake completed.
// Endpoints is valid after that.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Endpoints returns the three bus addresses the relay bound.
func (s *Supervisor) Endpoints() bus.Endpoints { return s.relay.Endpoints() }

// Run executes the supervisor until the bus goes idle with no managed
// processes left, or until ctx is cancelled (interrupt). On interrupt the
// still-active set is logged and joined best-effort.
func (s *Supervisor) Run(ctx context.Context) error {
	relay, err := bus.StartRelay(bus.RelayConfig{StoreDir: s.cfg.StoreDir}, s.logger)
	if err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "start relay")
	}
	s.relay = relay
	defer relay.Shutdown()

	client, err := bus.NewClient("launcher", relay.Endpoints(), bus.WithLogger(s.logger))
	if err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "create bus client")
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer connectCancel()
	if err := client.Connect(connectCtx); err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "connect")
	}
	s.client = client
	defer client.Close()

	// Background bus services outlive the control loop so late worker
	// pushes still drain during the join.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	group, gctx := errgroup.WithContext(bgCtx)

	bridge, err := bus.NewBridge(client, s.logger, s.registry)
	if err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "create bridge")
	}
	group.Go(func() error { return bridge.Run(gctx) })

	proxy := delayproxy.New(client, s.logger)
	group.Go(func() error { return proxy.Run(gctx) })

	sink, err := logrelay.NewSink(client, s.logger, s.cfg.UserDir)
	if err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "open log sink")
	}
	group.Go(func() error { return sink.Run(gctx) })

	// The control subscription must exist before the handshake runs: once
	// the handshake returns, the relay is known to deliver to subscriptions
	// this client registered earlier, so the app-mode seed and any operator
	// start request sent from then on cannot be lost.
	ctrl, err := client.SubscribePrefix(envelope.PrefixNotify)
	if err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "control subscription")
	}
	defer ctrl.Unsubscribe()

	hsCtx, hsCancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hsCancel()
	if err := bus.Handshake(hsCtx, client); err != nil {
		return errors.Wrap(err, "Supervisor", "Run", "startup handshake")
	}

	s.timebase = float64(time.Now().UnixNano()) / 1e9
	close(s.ready)

	s.logger.Info("Supervisor running",
		"app", s.cfg.AppMode,
		"pub", relay.Endpoints().PubURL,
		"version", s.cfg.Version)

	s.seedAppMode()

	interrupted := s.controlLoop(ctx, ctrl)
	s.joinChildren(interrupted)

	bgCancel()
	if err := group.Wait(); err != nil {
		s.logger.Warn("Bus service exited with error", "error", err)
	}
	return nil
}

// seedAppMode requests the initial worker for the selected application
// mode, the way an operator would over the bus.
func (s *Supervisor) seedAppMode() {
	subject := appRole(s.cfg.AppMode) + "_process.should_start"
	opts := []envelope.Option{}
	if s.cfg.AppMode == AppPlayer {
		opts = append(opts, envelope.WithField("rec_dir", s.cfg.RecDir))
	}
	if err := s.client.Notify(envelope.New(subject, opts...)); err != nil {
		s.logger.Error("Failed to seed initial process", "subject", subject, "error", err)
	}
}

// controlLoop handles process-control notifications until the bus goes
// idle with no children, or ctx is cancelled. Returns true on interrupt.
func (s *Supervisor) controlLoop(ctx context.Context, sub *bus.Subscription) bool {
	for {
		msg, ok := sub.Next(s.cfg.PollInterval)
		s.reap()

		if ctx.Err() != nil {
			return true
		}
		if ok {
			s.handle(ctx, msg.Note)
			continue
		}
		if len(s.procs) == 0 {
			s.logger.Info("Bus idle and no managed processes, shutting down")
			return false
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, n *envelope.Notification) {
	s.metrics.recordHandled()

	switch {
	case strings.HasSuffix(n.Subject, "_process.should_start"):
		role := strings.TrimSuffix(n.Subject, "_process.should_start")
		s.handleStart(ctx, role, n)
	case n.Subject == "launcher_process.should_stop":
		s.stopChildren()
	case n.Subject == "meta.should_doc":
		s.sendDoc()
	}
}

// handleStart spawns a worker for role unless its identity is already
// live. The is-alive flag is the authority: a flag that reads true means
// some process owns the identity, managed by us or not, and the start is
// rejected.
func (s *Supervisor) handleStart(ctx context.Context, role string, n *envelope.Notification) {
	switch role {
	case worker.RoleEye, worker.RoleWorld, worker.RolePlayer, worker.RoleService:
	case "launcher":
		return
	default:
		s.logger.Warn("Start requested for unknown role", "role", role)
		return
	}

	eyeID := 0
	if role == worker.RoleEye {
		id, ok := n.Int("eye_id")
		if !ok {
			s.logger.Warn("Eye start without eye_id, ignoring")
			return
		}
		eyeID = id
	}
	recDir := ""
	if role == worker.RolePlayer {
		recDir = n.String("rec_dir")
		if recDir == "" {
			s.logger.Warn("Player start without rec_dir, ignoring")
			return
		}
	}

	wcfg := worker.Config{
		Role:      role,
		EyeID:     eyeID,
		Endpoints: s.relay.Endpoints(),
		Timebase:  s.timebase,
		UserDir:   s.cfg.UserDir,
		Version:   s.cfg.Version,
		RecDir:    recDir,
	}
	identity := wcfg.Identity()

	if rec, ok := s.procs[identity]; ok && !rec.exited() {
		s.logger.Warn("Rejecting duplicate start, process already managed",
			"identity", identity)
		s.metrics.recordRejected()
		return
	}

	flagCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	watcher, err := s.client.AliveFlagWatcher(flagCtx, identity)
	if err != nil {
		s.logger.Error("Cannot read is-alive flag", "identity", identity, "error", err)
		return
	}
	alive, err := watcher.Get(flagCtx)
	if err != nil {
		s.logger.Error("Cannot read is-alive flag", "identity", identity, "error", err)
		return
	}
	if alive {
		s.logger.Warn("Rejecting duplicate start, identity still alive",
			"identity", identity)
		s.metrics.recordRejected()
		return
	}

	proc, err := s.cfg.Spawn(ctx, wcfg)
	if err != nil {
		s.logger.Error("Spawn failed", "identity", identity, "error", err)
		return
	}
	s.procs[identity] = &procRecord{identity: identity, role: role, proc: proc}
	s.metrics.recordSpawn(len(s.procs))
	s.logger.Info("Worker spawned", "identity", identity, "running", len(s.procs))
}

// stopChildren fans a launcher stop out to every managed process.
func (s *Supervisor) stopChildren() {
	s.logger.Info("Launcher stop requested", "running", len(s.procs))
	for identity, rec := range s.procs {
		if rec.exited() {
			continue
		}
		opts := []envelope.Option{}
		if rec.role == worker.RoleEye {
			opts = append(opts,
				envelope.WithField("eye_id", int64(eyeIDFromIdentity(identity))))
		}
		n := envelope.New(rec.role+"_process.should_stop", opts...)
		if err := s.client.Notify(n); err != nil {
			s.logger.Warn("Failed to request stop", "identity", identity, "error", err)
		}
	}
}

func eyeIDFromIdentity(identity string) int {
	var id int
	_, _ = fmt.Sscanf(identity, worker.RoleEye+"%d", &id)
	return id
}

func (s *Supervisor) sendDoc() {
	n := envelope.New("meta.doc",
		envelope.WithField("actor", "launcher"),
		envelope.WithField("doc",
			"Owns the bus endpoints and starts or joins worker processes on request."),
	)
	if err := s.client.Notify(n); err != nil {
		s.logger.Warn("Failed to answer doc request", "error", err)
	}
}

// reap drops records of processes that have exited.
func (s *Supervisor) reap() {
	for identity, rec := range s.procs {
		if rec.exited() {
			delete(s.procs, identity)
			s.metrics.recordReaped(len(s.procs))
			s.logger.Info("Worker reaped", "identity", identity, "running", len(s.procs))
		}
	}
}

// joinChildren waits for every managed process, bounded by the join
// timeout. On interrupt the still-active set is logged first.
func (s *Supervisor) joinChildren(interrupted bool) {
	if interrupted && len(s.procs) > 0 {
		active := make([]string, 0, len(s.procs))
		for identity := range s.procs {
			active = append(active, identity)
		}
		s.logger.Warn("Interrupted with active processes, joining best-effort",
			"active", active)
		s.stopChildren()
	}

	deadline := time.After(s.cfg.JoinTimeout)
	for identity, rec := range s.procs {
		select {
		case <-rec.proc.Done():
			delete(s.procs, identity)
		case <-deadline:
			s.logger.Error("Worker did not exit within join timeout",
				"identity", identity)
		}
	}
}
