package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/logutil"
)

// ErrNotHandled may be returned by a handler to let the line fall through
// as if the command were not registered.
var ErrNotHandled = errors.New("command not handled")

// Handler runs one command for the session that issued it.
type Handler func(args []string, s *console.Session) error

// HandlerError wraps a failure inside a command handler, including a
// recovered panic.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Hook observes dispatched commands, e.g. for auditing. err is nil on
// success.
type Hook func(name string, args []string, s *console.Session, err error)

type command struct {
	help    string
	handler Handler
}

// Dispatcher is a concurrency-safe name to handler table.
type Dispatcher struct {
	prefix string
	log    *zap.Logger

	mu       sync.RWMutex
	commands map[string]command
	hooks    []Hook
}

// NewDispatcher returns an empty Dispatcher for the given prefix.
func NewDispatcher(prefix string, logger *zap.Logger) *Dispatcher {
	if prefix == "" {
		prefix = console.DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		prefix:   prefix,
		log:      logger,
		commands: make(map[string]command),
	}
}

// Prefix returns the reserved command prefix.
func (d *Dispatcher) Prefix() string { return d.prefix }

// Register adds or replaces the handler for name.
func (d *Dispatcher) Register(name, help string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands[name] = command{help: help, handler: h}
}

// OnDispatch adds a hook called after every handled command.
func (d *Dispatcher) OnDispatch(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Dispatch runs the command in line if it carries the prefix and names a
// registered command. It reports whether the line was consumed.
func (d *Dispatcher) Dispatch(line string, s *console.Session) bool {
	name, args, ok := d.parse(line)
	if !ok {
		return false
	}

	d.mu.RLock()
	cmd, found := d.commands[name]
	hooks := d.hooks
	d.mu.RUnlock()
	if !found {
		return false
	}

	err := run(cmd.handler, args, s)
	if errors.Is(err, ErrNotHandled) {
		return false
	}
	if err != nil {
		herr := &HandlerError{Command: name, Err: err}
		d.log.Error("command failed",
			zap.String("command", name),
			zap.String("session_id", sessionID(s)),
			zap.String("user", logutil.SanitizeForLog(sessionUser(s))),
			zap.Error(herr),
		)
		if s != nil {
			s.Printf("Command %s%s failed: %v", d.prefix, name, err)
		}
		err = herr
	}
	for _, h := range hooks {
		h(name, args, s, err)
	}
	return true
}

func (d *Dispatcher) parse(line string) (string, []string, bool) {
	if !strings.HasPrefix(line, d.prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, d.prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

func run(h Handler, args []string, s *console.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(args, s)
}

// Help lists registered commands as "name - help" lines, sorted by name.
func (d *Dispatcher) Help() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.commands))
	for name := range d.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, fmt.Sprintf("%s%s - %s", d.prefix, name, d.commands[name].help))
	}
	return out
}

func sessionID(s *console.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func sessionUser(s *console.Session) string {
	if s == nil {
		return ""
	}
	return s.User
}
