package supervisor

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/ruifung/mcswrappr/internal/lineasm"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultGraceWindow    = 60 * time.Second
	DefaultHealthInterval = 10 * time.Second
	DefaultStopCommand    = "stop"

	// killReapTimeout bounds how long an escalated Stop waits for a killed
	// child to be reaped before returning.
	killReapTimeout = 5 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	// Command is the full argv of the child, interpreter first.
	Command []string
	// Dir is the child's working directory.
	Dir string

	GraceWindow    time.Duration
	HealthInterval time.Duration
	// StopCommand is written to the child's stdin to request shutdown.
	StopCommand string
	// MaxLineLength caps decoded output lines, in characters.
	MaxLineLength int

	Spawner  Spawner
	Observer Observer
	Logger   *zap.Logger
}

// Supervisor runs one child process at a time and broadcasts its output
// lines to a sink.
type Supervisor struct {
	opts Options
	sink func(string)
	log  *zap.Logger

	// opMu serializes Start, Stop and Restart.
	opMu sync.Mutex
	// writeMu keeps concurrent commands from interleaving on stdin.
	writeMu sync.Mutex

	mu              sync.Mutex
	state           State
	child           Child
	startedAt       time.Time
	intentionalStop bool
	// stopRequested holds children whose termination an operator asked
	// for. The exit watcher reads it so a quick restart cannot turn a
	// requested stop into a crash.
	stopRequested map[Child]struct{}
	restarts      int
}

// New returns a stopped Supervisor that delivers every output line of the
// child to sink.
func New(opts Options, sink func(string)) *Supervisor {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.StopCommand == "" {
		opts.StopCommand = DefaultStopCommand
	}
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if sink == nil {
		sink = func(string) {}
	}
	return &Supervisor{
		opts:            opts,
		sink:            sink,
		log:             opts.Logger,
		state:           Stopped,
		intentionalStop: true,
		stopRequested:   make(map[Child]struct{}),
	}
}

// Start spawns the child unless one is already running or starting.
// A spawn failure is returned as a *SpawnError and leaves the supervisor
// Stopped.
func (s *Supervisor) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start()
}

func (s *Supervisor) start() error {
	s.mu.Lock()
	switch s.state {
	case Starting, Killing:
		s.mu.Unlock()
		return nil
	case Running:
		if s.child != nil && s.child.Alive() {
			s.mu.Unlock()
			return nil
		}
		// The child died and the exit watcher has not caught up yet.
		s.child = nil
	}
	s.state = Starting
	s.mu.Unlock()

	s.log.Info("starting server", zap.Strings("command", s.opts.Command), zap.String("dir", s.opts.Dir))
	child, err := s.opts.Spawner.Spawn(s.opts.Command, s.opts.Dir)
	if err != nil {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
		spawnErr := &SpawnError{Command: s.opts.Command, Err: err}
		s.log.Error("failed to start server", zap.Error(spawnErr))
		return spawnErr
	}

	now := time.Now()
	s.mu.Lock()
	s.child = child
	s.startedAt = now
	s.intentionalStop = false
	s.state = Running
	s.mu.Unlock()

	var pumps conc.WaitGroup
	pumps.Go(func() { s.pump(child.Stdout()) })
	pumps.Go(func() { s.pump(child.Stderr()) })
	go s.watch(child, now, &pumps)

	s.log.Info("server started", zap.Int("pid", child.PID()))
	s.opts.Observer.OnStart(child.PID(), now)
	return nil
}

func (s *Supervisor) pump(r io.Reader) {
	w := lineasm.NewWriter(s.opts.MaxLineLength, s.sink)
	if _, err := io.Copy(w, r); err != nil {
		s.log.Debug("output stream closed", zap.Error(err))
	}
	w.Close()
}

func (s *Supervisor) watch(child Child, startedAt time.Time, pumps *conc.WaitGroup) {
	<-child.Done()
	pumps.Wait()

	s.mu.Lock()
	_, intentional := s.stopRequested[child]
	delete(s.stopRequested, child)
	if s.child == child {
		s.child = nil
		s.state = Stopped
	}
	s.mu.Unlock()

	info := ExitInfo{
		PID:       child.PID(),
		ExitCode:  child.ExitCode(),
		StartedAt: startedAt,
		EndedAt:   time.Now(),
		Reason:    ReasonStopped,
	}
	if intentional {
		s.log.Info("server exited", zap.Int("pid", info.PID), zap.Int("exit_code", info.ExitCode))
	} else {
		info.Reason = ReasonCrashed
		s.log.Warn("server exited unexpectedly", zap.Int("pid", info.PID), zap.Int("exit_code", info.ExitCode))
	}
	s.opts.Observer.OnExit(info)
}

// Stop asks the child to shut down and blocks until it exits or the grace
// window elapses, in which case the child is killed. Stop is a no-op when
// nothing is running.
func (s *Supervisor) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop()
}

func (s *Supervisor) stop() error {
	s.mu.Lock()
	child := s.child
	if s.state != Running || child == nil {
		s.mu.Unlock()
		return nil
	}
	s.intentionalStop = true
	if !child.Alive() {
		s.child = nil
		s.state = Stopped
		s.mu.Unlock()
		return nil
	}
	s.state = StoppingGraceful
	s.stopRequested[child] = struct{}{}
	s.mu.Unlock()

	s.log.Info("stopping server", zap.Duration("grace_window", s.opts.GraceWindow))
	if err := s.write(child, s.opts.StopCommand); err != nil {
		s.log.Warn("could not send stop command, sending SIGTERM", zap.Error(err))
		if err := child.Terminate(); err != nil {
			s.log.Warn("terminate failed", zap.Error(err))
		}
	}

	timer := time.NewTimer(s.opts.GraceWindow)
	defer timer.Stop()
	select {
	case <-child.Done():
		s.release(child)
		return nil
	case <-timer.C:
	}

	s.log.Warn("server did not stop within grace window, killing it", zap.Duration("grace_window", s.opts.GraceWindow))
	err := s.Kill()
	if err != nil {
		return err
	}
	// Let the old process release its files and port before a restart.
	reap := time.NewTimer(killReapTimeout)
	defer reap.Stop()
	select {
	case <-child.Done():
	case <-reap.C:
		s.log.Warn("killed server has not exited yet", zap.Int("pid", child.PID()))
	}
	return nil
}

// Kill terminates the child immediately. It may interrupt a Stop in
// progress and is a no-op when nothing is running.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	child := s.child
	if child == nil || s.state == Killing {
		s.mu.Unlock()
		return nil
	}
	s.intentionalStop = true
	s.state = Killing
	s.stopRequested[child] = struct{}{}
	s.mu.Unlock()

	s.log.Warn("killing server", zap.Int("pid", child.PID()))
	if err := child.Kill(); err != nil {
		// The process may have survived, so keep tracking it.
		s.mu.Lock()
		if s.child == child && s.state == Killing {
			s.state = Running
		}
		s.mu.Unlock()
		s.log.Error("kill failed, server is still tracked", zap.Int("pid", child.PID()), zap.Error(err))
		return err
	}
	s.release(child)
	return nil
}

// release drops the handle if it still refers to child.
func (s *Supervisor) release(child Child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == child {
		s.child = nil
		s.state = Stopped
	}
}

// Restart stops the child, waiting out the grace window if needed, then
// starts it again.
func (s *Supervisor) Restart() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.stop(); err != nil {
		return err
	}
	return s.start()
}

// WriteCommand sends text to the child's stdin, adding a trailing newline
// if missing. It does nothing when no child is alive.
func (s *Supervisor) WriteCommand(text string) error {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil || !child.Alive() {
		return nil
	}
	return s.write(child, text)
}

func (s *Supervisor) write(child Child, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(child.Stdin(), text)
	return err
}

// InputHandler returns a raw input destination for the console. Write
// failures are logged rather than returned, so a child that is between
// restarts does not get the destination deregistered.
func (s *Supervisor) InputHandler() func(string) error {
	return func(line string) error {
		if err := s.WriteCommand(line); err != nil {
			s.log.Warn("failed to write to server stdin", zap.Error(err))
		}
		return nil
	}
}

// HealthCheck restarts a dead child unless the last stop was intentional.
func (s *Supervisor) HealthCheck() error {
	s.mu.Lock()
	alive := s.child != nil && s.child.Alive()
	skip := alive || s.intentionalStop || s.state == Starting || s.state == StoppingGraceful || s.state == Killing
	if !skip {
		s.restarts++
	}
	s.mu.Unlock()
	if skip {
		return nil
	}

	s.log.Warn("server is not running, restarting")
	return s.Start()
}

// Run performs health checks with a fixed delay between them until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	timer := time.NewTimer(s.opts.HealthInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := s.HealthCheck(); err != nil {
				s.log.Error("health check restart failed", zap.Error(err))
			}
			timer.Reset(s.opts.HealthInterval)
		}
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for status reporting.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:           s.state,
		IntentionalStop: s.intentionalStop,
		Restarts:        s.restarts,
	}
	if s.child != nil {
		st.PID = s.child.PID()
		started := s.startedAt
		st.StartedAt = &started
		st.Uptime = time.Since(started).Truncate(time.Second).String()
	}
	return st
}
