package commands

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/supervisor"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	lines  []string
	clears int
}

func (r *recorder) WriteLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

func (r *recorder) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type blockingReader struct{ done chan struct{} }

func (b blockingReader) ReadLine() (string, error) {
	<-b.done
	return "", io.EOF
}

func newSession(t *testing.T) (*console.Multiplexer, *console.Session, *recorder) {
	t.Helper()
	m := console.NewMultiplexer(console.Options{})
	out := &recorder{}
	in := blockingReader{done: make(chan struct{})}
	s, err := m.AttachRemote(in, out, func() { close(in.done) }, console.WithUser("admin"))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, s, out
}

type fakeController struct {
	mu     sync.Mutex
	calls  []string
	err    error
	status supervisor.Status
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) Start() error   { return f.record("start") }
func (f *fakeController) Stop() error    { return f.record("stop") }
func (f *fakeController) Kill() error    { return f.record("kill") }
func (f *fakeController) Restart() error { return f.record("restart") }

func (f *fakeController) Status() supervisor.Status { return f.status }

func (f *fakeController) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// --- Dispatcher ---

func TestDispatch_ParsesNameAndArgs(t *testing.T) {
	d := NewDispatcher(".", nil)
	var gotArgs []string
	d.Register("say", "", func(args []string, _ *console.Session) error {
		gotArgs = args
		return nil
	})

	assert.True(t, d.Dispatch(".say   hello   world ", nil))
	assert.Equal(t, []string{"hello", "world"}, gotArgs)
}

func TestDispatch_IgnoresUnprefixedAndUnknown(t *testing.T) {
	d := NewDispatcher(".", nil)
	called := false
	d.Register("stop", "", func([]string, *console.Session) error {
		called = true
		return nil
	})

	assert.False(t, d.Dispatch("stop", nil))
	assert.False(t, d.Dispatch(".nope", nil))
	assert.False(t, d.Dispatch(".", nil))
	assert.False(t, d.Dispatch(".   ", nil))
	assert.False(t, called)
}

func TestDispatch_NamesAreCaseSensitive(t *testing.T) {
	d := NewDispatcher(".", nil)
	d.Register("killServer", "", func([]string, *console.Session) error { return nil })
	assert.True(t, d.Dispatch(".killServer", nil))
	assert.False(t, d.Dispatch(".killserver", nil))
}

func TestDispatch_CustomPrefix(t *testing.T) {
	d := NewDispatcher("!", nil)
	d.Register("start", "", func([]string, *console.Session) error { return nil })
	assert.True(t, d.Dispatch("!start", nil))
	assert.False(t, d.Dispatch(".start", nil))
	assert.Equal(t, "!", d.Prefix())
}

func TestRegister_Overwrites(t *testing.T) {
	d := NewDispatcher(".", nil)
	var which string
	d.Register("x", "", func([]string, *console.Session) error { which = "first"; return nil })
	d.Register("x", "", func([]string, *console.Session) error { which = "second"; return nil })

	d.Dispatch(".x", nil)
	assert.Equal(t, "second", which)
}

func TestDispatch_NotHandledFallsThrough(t *testing.T) {
	d := NewDispatcher(".", nil)
	d.Register("maybe", "", func([]string, *console.Session) error { return ErrNotHandled })
	assert.False(t, d.Dispatch(".maybe", nil))
}

func TestDispatch_HandlerErrorIsContained(t *testing.T) {
	_, s, out := newSession(t)
	d := NewDispatcher(".", nil)
	d.Register("broken", "", func([]string, *console.Session) error { return errors.New("disk full") })

	var hookErr error
	d.OnDispatch(func(_ string, _ []string, _ *console.Session, err error) { hookErr = err })

	assert.True(t, d.Dispatch(".broken", s))
	var herr *HandlerError
	require.ErrorAs(t, hookErr, &herr)
	assert.Equal(t, "broken", herr.Command)

	require.Eventually(t, func() bool { return len(out.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, "Command .broken failed: disk full", out.snapshot()[0])
}

func TestDispatch_HandlerPanicIsContained(t *testing.T) {
	d := NewDispatcher(".", nil)
	d.Register("panic", "", func([]string, *console.Session) error { panic("boom") })

	var hookErr error
	d.OnDispatch(func(_ string, _ []string, _ *console.Session, err error) { hookErr = err })

	assert.NotPanics(t, func() { assert.True(t, d.Dispatch(".panic", nil)) })
	assert.ErrorContains(t, hookErr, "panic: boom")
}

func TestHelp_SortedWithPrefix(t *testing.T) {
	d := NewDispatcher(".", nil)
	d.Register("stop", "stop it", func([]string, *console.Session) error { return nil })
	d.Register("start", "start it", func([]string, *console.Session) error { return nil })
	assert.Equal(t, []string{".start - start it", ".stop - stop it"}, d.Help())
}

// --- core commands ---

func TestCore_SupervisorCommands(t *testing.T) {
	ctrl := &fakeController{}
	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{Server: ctrl})

	for _, line := range []string{".start", ".stop", ".killServer", ".kill", ".restart"} {
		assert.True(t, d.Dispatch(line, nil), line)
	}
	assert.Equal(t, []string{"start", "stop", "kill", "kill", "restart"}, ctrl.called())
}

func TestCore_StopWrapperStopsThenShutsDown(t *testing.T) {
	ctrl := &fakeController{}
	var order []string
	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{
		Server: ctrl,
		Shutdown: func() {
			order = append(ctrl.called(), "shutdown")
		},
	})

	assert.True(t, d.Dispatch(".stopWrapper", nil))
	assert.Equal(t, []string{"stop", "shutdown"}, order)
}

func TestCore_StartFailureReportedToIssuer(t *testing.T) {
	_, s, out := newSession(t)
	ctrl := &fakeController{err: errors.New("java not found")}
	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{Server: ctrl})

	assert.True(t, d.Dispatch(".start", s))
	require.Eventually(t, func() bool { return len(out.snapshot()) == 1 }, waitFor, tick)
	assert.Contains(t, out.snapshot()[0], "java not found")
}

func TestCore_ClearOnlyIssuer(t *testing.T) {
	m, s, out := newSession(t)
	other := &recorder{}
	_, err := m.AttachRemote(blockingReader{done: make(chan struct{})}, other, nil)
	require.NoError(t, err)

	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{Server: &fakeController{}})
	assert.True(t, d.Dispatch(".clear", s))

	require.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return out.clears == 1
	}, waitFor, tick)
	other.mu.Lock()
	assert.Equal(t, 0, other.clears)
	other.mu.Unlock()
}

func TestCore_Status(t *testing.T) {
	_, s, out := newSession(t)
	ctrl := &fakeController{status: supervisor.Status{State: supervisor.Running, PID: 42, Uptime: "1m0s", Restarts: 2}}
	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{Server: ctrl})

	assert.True(t, d.Dispatch(".status", s))
	require.Eventually(t, func() bool { return len(out.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, "Server is running (pid 42, up 1m0s, 2 automatic restarts).", out.snapshot()[0])
}

func TestCore_SessionsMarksIssuer(t *testing.T) {
	m, s, out := newSession(t)
	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{Server: &fakeController{}, Sessions: m})

	assert.True(t, d.Dispatch(".sessions", s))
	require.Eventually(t, func() bool { return len(out.snapshot()) == 2 }, waitFor, tick)
	lines := out.snapshot()
	assert.Equal(t, "1 attached:", lines[0])
	assert.Contains(t, lines[1], s.ID)
	assert.Contains(t, lines[1], "admin")
	assert.Contains(t, lines[1], "(you)")
}

func TestCore_Help(t *testing.T) {
	_, s, out := newSession(t)
	d := NewDispatcher(".", nil)
	RegisterCore(d, Core{Server: &fakeController{}})

	assert.True(t, d.Dispatch(".help", s))
	require.Eventually(t, func() bool { return len(out.snapshot()) == len(d.Help()) }, waitFor, tick)
	assert.Contains(t, out.snapshot(), ".stopWrapper - stop the server and exit the wrapper")
}
