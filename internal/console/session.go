package console

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Kind distinguishes the local console from remote operator sessions.
type Kind int

const (
	// KindLocal is the host's own terminal. It is never detached and read
	// errors on it are tolerated.
	KindLocal Kind = iota
	// KindRemote is an operator attached through a transport. Any I/O
	// error detaches it.
	KindRemote
)

// String returns "local" or "remote".
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// MarshalText encodes the kind by name in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// LineReader is a blocking source of input lines, without terminators.
type LineReader interface {
	ReadLine() (string, error)
}

// LineWriter is an output sink that writes one line at a time.
type LineWriter interface {
	WriteLine(line string) error
}

// Clearer is implemented by writers that can clear the operator's screen.
type Clearer interface {
	Clear() error
}

// AttachOption sets descriptive metadata on a new remote session.
type AttachOption func(*Session)

// WithRemoteAddr records the peer address of the session.
func WithRemoteAddr(addr string) AttachOption {
	return func(s *Session) { s.RemoteAddr = addr }
}

// WithUser records the authenticated operator name.
func WithUser(user string) AttachOption {
	return func(s *Session) { s.User = user }
}

// WithTransport records which transport created the session ("ssh",
// "websocket").
func WithTransport(name string) AttachOption {
	return func(s *Session) { s.Transport = name }
}

type outMsg struct {
	line  string
	clear bool
}

// Session is one attached terminal. Output is queued and written by a
// dedicated goroutine, so a slow sink never stalls broadcast.
type Session struct {
	ID         string
	Kind       Kind
	RemoteAddr string
	User       string
	Transport  string
	AttachedAt time.Time

	in      LineReader
	out     LineWriter
	onClose func()
	limiter *rate.Limiter

	queue     chan outMsg
	done      chan struct{}
	closeOnce sync.Once

	// writerDone is closed when the writer goroutine exits. Only the local
	// session waits on it.
	writerDone chan struct{}
}

func newSession(kind Kind, in LineReader, out LineWriter, queueSize int) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Kind:       kind,
		AttachedAt: time.Now(),
		in:         in,
		out:        out,
		queue:      make(chan outMsg, queueSize),
		done:       make(chan struct{}),
	}
}

// Println queues a line for this session only. It reports false if the
// session is closed or its queue is full.
func (s *Session) Println(line string) bool {
	return s.enqueue(outMsg{line: line})
}

// Printf formats and queues a line for this session only.
func (s *Session) Printf(format string, args ...any) bool {
	return s.Println(fmt.Sprintf(format, args...))
}

// Clear asks the session's terminal to clear its display, if supported.
func (s *Session) Clear() bool {
	return s.enqueue(outMsg{clear: true})
}

func (s *Session) enqueue(m outMsg) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- m:
		return true
	default:
		return false
	}
}

// Done is closed when the session has been detached.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has been detached.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Info is a read-only description of a session.
type Info struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	User       string    `json:"user,omitempty"`
	Transport  string    `json:"transport,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
}

// Info returns the session's description.
func (s *Session) Info() Info {
	return Info{
		ID:         s.ID,
		Kind:       s.Kind,
		RemoteAddr: s.RemoteAddr,
		User:       s.User,
		Transport:  s.Transport,
		AttachedAt: s.AttachedAt,
	}
}
