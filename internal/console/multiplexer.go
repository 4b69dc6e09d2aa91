package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ruifung/mcswrappr/internal/logutil"
)

// Defaults for zero-valued Options fields.
const (
	DefaultPrefix     = "."
	DefaultQueueSlack = 256
	DefaultInputRate  = 50
	DefaultInputBurst = 100

	maxLocalReadErrors = 5
	localReadBackoff   = time.Second
	localDrainTimeout  = time.Second
)

// Detach reasons reported to observers and logs.
const (
	ReasonDetached     = "detached"
	ReasonReadError    = "read_error"
	ReasonWriteError   = "write_error"
	ReasonSlowConsumer = "slow_consumer"
	ReasonShutdown     = "shutdown"
)

// Dispatcher consumes reserved-prefix input lines. Dispatch reports whether
// the line was handled.
type Dispatcher interface {
	Dispatch(line string, s *Session) bool
}

// Observer receives multiplexer events, typically for metrics.
type Observer interface {
	SessionAttached(info Info)
	SessionDetached(info Info, reason string)
	LineBroadcast()
	InputDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionAttached(Info)         {}
func (nopObserver) SessionDetached(Info, string) {}
func (nopObserver) LineBroadcast()               {}
func (nopObserver) InputDropped(string)          {}

// Options configures a Multiplexer.
type Options struct {
	// ReplayCapacity is the number of recent lines replayed on attach.
	ReplayCapacity int
	// QueueSlack is how many lines a session may fall behind live output,
	// on top of the replay, before it is considered hung.
	QueueSlack int
	// Prefix marks built-in commands. Prefixed input is never forwarded to
	// raw input destinations.
	Prefix string
	// InputRate and InputBurst limit lines per second from each remote
	// session.
	InputRate  rate.Limit
	InputBurst int
	// OnLocalEOF is called once when local input reaches end of file.
	OnLocalEOF func()

	Observer Observer
	Logger   *zap.Logger
}

type inputDest struct {
	id int
	fn func(string) error
}

// Multiplexer fans output out to every attached session and merges their
// input into one command stream.
type Multiplexer struct {
	opts   Options
	log    *zap.Logger
	replay *ReplayBuffer

	mu       sync.Mutex
	sessions []*Session
	local    *Session
	closed   bool

	dispatchMu sync.RWMutex
	dispatcher Dispatcher

	inputMu   sync.RWMutex
	inputs    []inputDest
	nextInput int
}

// NewMultiplexer creates a Multiplexer with no sessions attached.
func NewMultiplexer(opts Options) *Multiplexer {
	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = DefaultReplayCapacity
	}
	if opts.QueueSlack <= 0 {
		opts.QueueSlack = DefaultQueueSlack
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.InputRate <= 0 {
		opts.InputRate = DefaultInputRate
	}
	if opts.InputBurst <= 0 {
		opts.InputBurst = DefaultInputBurst
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Multiplexer{
		opts:   opts,
		log:    opts.Logger,
		replay: NewReplayBuffer(opts.ReplayCapacity),
	}
}

// SetDispatcher installs the command dispatcher consulted for every input
// line.
func (m *Multiplexer) SetDispatcher(d Dispatcher) {
	m.dispatchMu.Lock()
	m.dispatcher = d
	m.dispatchMu.Unlock()
}

// AttachLocal creates the local session. It may be called once; in may be
// nil for an output-only console.
func (m *Multiplexer) AttachLocal(in LineReader, out LineWriter) (*Session, error) {
	s := newSession(KindLocal, in, out, m.opts.ReplayCapacity+m.opts.QueueSlack)
	s.writerDone = make(chan struct{})
	if err := m.register(s); err != nil {
		return nil, err
	}

	go m.writeLoop(s)
	if in != nil {
		go m.readLoop(s)
	}
	return s, nil
}

// AttachRemote registers a remote session, replays recent output to it and
// starts reading its input. onClose is called once when the session is
// detached for any reason; transports use it to close the connection.
func (m *Multiplexer) AttachRemote(in LineReader, out LineWriter, onClose func(), opts ...AttachOption) (*Session, error) {
	s := newSession(KindRemote, in, out, m.opts.ReplayCapacity+m.opts.QueueSlack)
	s.onClose = onClose
	s.limiter = rate.NewLimiter(m.opts.InputRate, m.opts.InputBurst)
	for _, opt := range opts {
		opt(s)
	}
	if err := m.register(s); err != nil {
		return nil, err
	}

	go m.writeLoop(s)
	go m.readLoop(s)
	return s, nil
}

// register adds s to the registry and queues the replay for it under the
// same lock broadcast uses, so the session sees history then live output
// with no gap or duplicate.
func (m *Multiplexer) register(s *Session) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if s.Kind == KindLocal {
		if m.local != nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: local session already attached", ErrInvalidOperation)
		}
		m.local = s
	}
	for _, line := range m.replay.Snapshot() {
		s.queue <- outMsg{line: line}
	}
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()

	info := s.Info()
	m.opts.Observer.SessionAttached(info)
	m.log.Info("session attached",
		zap.String("session_id", s.ID),
		zap.Stringer("kind", s.Kind),
		zap.String("user", logutil.SanitizeForLog(s.User)),
		zap.String("remote_addr", s.RemoteAddr),
	)
	return nil
}

// Detach removes a remote session and stops its input loop. Detaching the
// local session fails with ErrInvalidOperation. Detaching twice is a no-op.
func (m *Multiplexer) Detach(s *Session) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidOperation)
	}
	if s.Kind == KindLocal {
		return fmt.Errorf("%w: the local session cannot be detached", ErrInvalidOperation)
	}
	m.detach(s, ReasonDetached, nil)
	return nil
}

func (m *Multiplexer) detach(s *Session, reason string, cause error) {
	m.mu.Lock()
	idx := -1
	for i, existing := range m.sessions {
		if existing == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.sessions = append(m.sessions[:idx:idx], m.sessions[idx+1:]...)
	m.mu.Unlock()

	s.close()
	m.opts.Observer.SessionDetached(s.Info(), reason)

	fields := []zap.Field{
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.String("user", logutil.SanitizeForLog(s.User)),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	m.log.Info("session detached", fields...)
}

// Broadcast records line in the replay buffer and queues it for every
// attached session. It never blocks on a session; a remote session whose
// queue is full is detached.
func (m *Multiplexer) Broadcast(line string) {
	var hung []*Session
	m.mu.Lock()
	m.replay.Append(line)
	for _, s := range m.sessions {
		if !s.enqueue(outMsg{line: line}) && s.Kind == KindRemote {
			hung = append(hung, s)
		}
	}
	m.mu.Unlock()

	m.opts.Observer.LineBroadcast()
	for _, s := range hung {
		m.detach(s, ReasonSlowConsumer, nil)
	}
}

// AddInputHandler registers a raw input destination. Non-command lines
// from every session are passed to each destination in registration order.
// A destination that returns an error or panics is removed. The returned
// function removes the destination.
func (m *Multiplexer) AddInputHandler(fn func(string) error) (remove func()) {
	m.inputMu.Lock()
	m.nextInput++
	id := m.nextInput
	m.inputs = append(m.inputs, inputDest{id: id, fn: fn})
	m.inputMu.Unlock()
	return func() { m.removeInput(id) }
}

func (m *Multiplexer) removeInput(id int) {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	for i, d := range m.inputs {
		if d.id == id {
			m.inputs = append(m.inputs[:i:i], m.inputs[i+1:]...)
			return
		}
	}
}

func (m *Multiplexer) readLoop(s *Session) {
	failures := 0
	for {
		line, err := s.in.ReadLine()
		if s.Closed() {
			return
		}
		if err != nil {
			if s.Kind == KindRemote {
				m.detach(s, ReasonReadError, &SessionIOError{SessionID: s.ID, Op: "read", Err: err})
				return
			}
			if errors.Is(err, io.EOF) {
				m.log.Info("local console input closed")
				if m.opts.OnLocalEOF != nil {
					m.opts.OnLocalEOF()
				}
				return
			}
			failures++
			if failures >= maxLocalReadErrors {
				m.log.Error("giving up on local console input", zap.Error(err))
				return
			}
			m.log.Warn("local console read failed", zap.Error(err))
			select {
			case <-s.done:
				return
			case <-time.After(localReadBackoff):
			}
			continue
		}
		failures = 0

		if s.limiter != nil && !s.limiter.Allow() {
			m.opts.Observer.InputDropped("rate_limited")
			s.Println("Input rate limit exceeded, line dropped.")
			continue
		}
		m.handleInput(line, s)
	}
}

func (m *Multiplexer) handleInput(line string, s *Session) {
	m.log.Debug("console input",
		zap.String("session_id", s.ID),
		zap.String("line", logutil.SanitizeForLog(line)),
	)

	m.dispatchMu.RLock()
	d := m.dispatcher
	m.dispatchMu.RUnlock()
	if d != nil && d.Dispatch(line, s) {
		return
	}

	if strings.HasPrefix(line, m.opts.Prefix) {
		name := strings.TrimPrefix(line, m.opts.Prefix)
		if fields := strings.Fields(name); len(fields) > 0 {
			name = fields[0]
		}
		m.opts.Observer.InputDropped("unknown_command")
		s.Printf("Unknown command %q. Type %shelp for a list of commands.", name, m.opts.Prefix)
		return
	}
	m.forward(line)
}

func (m *Multiplexer) forward(line string) {
	m.inputMu.RLock()
	dests := make([]inputDest, len(m.inputs))
	copy(dests, m.inputs)
	m.inputMu.RUnlock()

	for _, d := range dests {
		if err := callInput(d.fn, line); err != nil {
			m.removeInput(d.id)
			m.log.Warn("input destination failed, removing it", zap.Error(err))
		}
	}
}

func callInput(fn func(string) error, line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(line)
}

func (m *Multiplexer) writeLoop(s *Session) {
	if s.writerDone != nil {
		defer close(s.writerDone)
	}
	for {
		select {
		case <-s.done:
			if s.Kind == KindLocal {
				m.drain(s)
			}
			return
		case msg := <-s.queue:
			if err := m.write(s, msg); err != nil && s.Kind == KindRemote {
				m.detach(s, ReasonWriteError, &SessionIOError{SessionID: s.ID, Op: "write", Err: err})
				return
			}
			// Local write failures are dropped: logging them would loop
			// straight back into the same sink.
		}
	}
}

func (m *Multiplexer) drain(s *Session) {
	for {
		select {
		case msg := <-s.queue:
			if m.write(s, msg) != nil {
				return
			}
		default:
			return
		}
	}
}

func (m *Multiplexer) write(s *Session, msg outMsg) error {
	if msg.clear {
		if c, ok := s.out.(Clearer); ok {
			return c.Clear()
		}
		return nil
	}
	return s.out.WriteLine(msg.line)
}

// Sessions returns a snapshot of the attached sessions, local first.
func (m *Multiplexer) Sessions() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}

// SessionCount returns the number of attached sessions, local included.
func (m *Multiplexer) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Lookup returns the attached session with the given ID.
func (m *Multiplexer) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Local returns the local session, or nil before AttachLocal.
func (m *Multiplexer) Local() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Replay returns the current replay buffer contents, oldest first.
func (m *Multiplexer) Replay() []string {
	return m.replay.Snapshot()
}

// Close detaches every remote session, flushes pending local output and
// refuses further attaches.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	remotes := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Kind == KindRemote {
			remotes = append(remotes, s)
		}
	}
	local := m.local
	m.mu.Unlock()

	for _, s := range remotes {
		m.detach(s, ReasonShutdown, nil)
	}
	if local != nil {
		local.close()
		select {
		case <-local.writerDone:
		case <-time.After(localDrainTimeout):
		}
	}
}
