package console

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// --- helpers ---

type recorder struct {
	mu     sync.Mutex
	lines  []string
	clears int
	fail   error
	block  chan struct{}
}

func (r *recorder) WriteLine(line string) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
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

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

type chanReader struct {
	ch     chan string
	closed chan struct{}
	once   sync.Once
}

func newChanReader() *chanReader {
	return &chanReader{ch: make(chan string, 64), closed: make(chan struct{})}
}

func (c *chanReader) ReadLine() (string, error) {
	select {
	case line, ok := <-c.ch:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	case <-c.closed:
		return "", io.ErrClosedPipe
	}
}

func (c *chanReader) Close() { c.once.Do(func() { close(c.closed) }) }

type fakeDispatcher struct {
	mu      sync.Mutex
	handled []string
	names   map[string]bool
}

func (d *fakeDispatcher) Dispatch(line string, s *Session) bool {
	if !strings.HasPrefix(line, ".") {
		return false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 || !d.names[fields[0]] {
		return false
	}
	d.mu.Lock()
	d.handled = append(d.handled, line)
	d.mu.Unlock()
	return true
}

func (d *fakeDispatcher) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.handled...)
}

type destRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (d *destRecorder) handle(line string) error {
	d.mu.Lock()
	d.lines = append(d.lines, line)
	d.mu.Unlock()
	return nil
}

func (d *destRecorder) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

func attachRemote(t *testing.T, m *Multiplexer) (*Session, *chanReader, *recorder) {
	t.Helper()
	in := newChanReader()
	out := &recorder{}
	s, err := m.AttachRemote(in, out, in.Close, WithUser("admin"), WithRemoteAddr("127.0.0.1:5555"))
	require.NoError(t, err)
	return s, in, out
}

func numbered(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "line " + strconv.Itoa(i+1)
	}
	return out
}

// --- replay ---

func TestAttachRemote_ReplaysLastKLines(t *testing.T) {
	m := NewMultiplexer(Options{ReplayCapacity: 5})
	for _, line := range numbered(8) {
		m.Broadcast(line)
	}

	_, _, out := attachRemote(t, m)
	m.Broadcast("live")

	want := append(numbered(8)[3:], "live")
	require.Eventually(t, func() bool { return out.count() == len(want) }, waitFor, tick)
	assert.Equal(t, want, out.snapshot())
}

func TestAttachRemote_ReplaysAllWhenFewerThanK(t *testing.T) {
	m := NewMultiplexer(Options{ReplayCapacity: 10})
	for _, line := range numbered(3) {
		m.Broadcast(line)
	}

	_, _, out := attachRemote(t, m)
	require.Eventually(t, func() bool { return out.count() == 3 }, waitFor, tick)
	assert.Equal(t, numbered(3), out.snapshot())
}

func TestAttachRemote_NoGapOrDuplicateUnderConcurrentBroadcast(t *testing.T) {
	const total = 500
	m := NewMultiplexer(Options{ReplayCapacity: 1000})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			m.Broadcast(strconv.Itoa(i))
		}
	}()

	var outs []*recorder
	for i := 0; i < 10; i++ {
		_, _, out := attachRemote(t, m)
		outs = append(outs, out)
	}
	wg.Wait()

	for _, out := range outs {
		require.Eventually(t, func() bool { return out.count() == total }, waitFor, tick)
		for i, line := range out.snapshot() {
			require.Equal(t, strconv.Itoa(i), line)
		}
	}
}

// --- detach ---

func TestDetach_LocalSessionIsRejected(t *testing.T) {
	m := NewMultiplexer(Options{})
	local, err := m.AttachLocal(nil, &recorder{})
	require.NoError(t, err)
	attachRemote(t, m)

	before := m.Sessions()
	err = m.Detach(local)
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, before, m.Sessions())
	assert.False(t, local.Closed())
}

func TestAttachLocal_OnlyOnce(t *testing.T) {
	m := NewMultiplexer(Options{})
	_, err := m.AttachLocal(nil, &recorder{})
	require.NoError(t, err)
	_, err = m.AttachLocal(nil, &recorder{})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestDetach_IsIdempotentAndClosesOnce(t *testing.T) {
	m := NewMultiplexer(Options{})
	in := newChanReader()
	var closes atomic.Int32
	s, err := m.AttachRemote(in, &recorder{}, func() {
		closes.Add(1)
		in.Close()
	})
	require.NoError(t, err)

	require.NoError(t, m.Detach(s))
	require.NoError(t, m.Detach(s))
	assert.Equal(t, int32(1), closes.Load())
	assert.Equal(t, 0, m.SessionCount())
	assert.True(t, s.Closed())
}

func TestDetach_StopsInputLoop(t *testing.T) {
	m := NewMultiplexer(Options{})
	dest := &destRecorder{}
	m.AddInputHandler(dest.handle)

	s, in, _ := attachRemote(t, m)
	require.NoError(t, m.Detach(s))

	// The loop may still be parked in ReadLine; whatever it returns must
	// not be routed anywhere.
	select {
	case in.ch <- "late":
	default:
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, dest.snapshot())
}

// --- broadcast isolation ---

func TestBroadcast_WriteFailureDetachesOnlyThatSession(t *testing.T) {
	m := NewMultiplexer(Options{})
	bad, _, badOut := attachRemote(t, m)
	badOut.fail = errors.New("broken pipe")
	good, _, goodOut := attachRemote(t, m)

	m.Broadcast("one")
	m.Broadcast("two")

	require.Eventually(t, func() bool { return bad.Closed() }, waitFor, tick)
	require.Eventually(t, func() bool { return goodOut.count() == 2 }, waitFor, tick)
	assert.False(t, good.Closed())
	assert.Equal(t, []string{"one", "two"}, goodOut.snapshot())

	_, found := m.Lookup(bad.ID)
	assert.False(t, found)
}

func TestBroadcast_HungSessionIsDetached(t *testing.T) {
	m := NewMultiplexer(Options{ReplayCapacity: 2, QueueSlack: 2})
	hungIn := newChanReader()
	hungOut := &recorder{block: make(chan struct{})}
	defer close(hungOut.block)
	hung, err := m.AttachRemote(hungIn, hungOut, hungIn.Close)
	require.NoError(t, err)
	_, _, okOut := attachRemote(t, m)

	sent := 0
	for ; sent < 100 && !hung.Closed(); sent++ {
		m.Broadcast(fmt.Sprintf("msg %d", sent))
		time.Sleep(time.Millisecond)
	}

	assert.True(t, hung.Closed())
	assert.Less(t, sent, 100)
	require.Eventually(t, func() bool { return okOut.count() == sent }, waitFor, tick)
	assert.Equal(t, 1, m.SessionCount())
}

func TestBroadcast_LocalSessionSurvivesWriteFailure(t *testing.T) {
	m := NewMultiplexer(Options{})
	out := &recorder{fail: errors.New("stdout closed")}
	local, err := m.AttachLocal(nil, out)
	require.NoError(t, err)

	m.Broadcast("x")
	time.Sleep(20 * time.Millisecond)
	assert.False(t, local.Closed())
	assert.Equal(t, 1, m.SessionCount())
}

// --- input routing ---

func TestInput_CommandConsumedAndPlainLineForwarded(t *testing.T) {
	m := NewMultiplexer(Options{})
	d := &fakeDispatcher{names: map[string]bool{"stop": true}}
	m.SetDispatcher(d)
	dest := &destRecorder{}
	m.AddInputHandler(dest.handle)

	_, in, _ := attachRemote(t, m)
	in.ch <- ".stop"
	in.ch <- "say hello"

	require.Eventually(t, func() bool { return len(dest.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"say hello"}, dest.snapshot())
	assert.Equal(t, []string{".stop"}, d.calls())
}

func TestInput_UnknownCommandIsNotForwarded(t *testing.T) {
	m := NewMultiplexer(Options{})
	m.SetDispatcher(&fakeDispatcher{names: map[string]bool{}})
	dest := &destRecorder{}
	m.AddInputHandler(dest.handle)

	_, in, out := attachRemote(t, m)
	in.ch <- ".frobnicate now"
	in.ch <- "list"

	require.Eventually(t, func() bool { return len(dest.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"list"}, dest.snapshot())
	require.Eventually(t, func() bool { return out.count() == 1 }, waitFor, tick)
	assert.Contains(t, out.snapshot()[0], `Unknown command "frobnicate"`)
}

func TestInput_FailingDestinationIsRemoved(t *testing.T) {
	m := NewMultiplexer(Options{})
	var failing, panicking atomic.Int32
	m.AddInputHandler(func(string) error {
		failing.Add(1)
		return errors.New("stdin closed")
	})
	m.AddInputHandler(func(string) error {
		panicking.Add(1)
		panic("boom")
	})
	dest := &destRecorder{}
	m.AddInputHandler(dest.handle)

	s, in, _ := attachRemote(t, m)
	in.ch <- "a"
	in.ch <- "b"

	require.Eventually(t, func() bool { return len(dest.snapshot()) == 2 }, waitFor, tick)
	assert.Equal(t, int32(1), failing.Load())
	assert.Equal(t, int32(1), panicking.Load())
	assert.False(t, s.Closed())
}

func TestInput_RemoveHandler(t *testing.T) {
	m := NewMultiplexer(Options{})
	dest := &destRecorder{}
	remove := m.AddInputHandler(dest.handle)
	remove()

	other := &destRecorder{}
	m.AddInputHandler(other.handle)

	_, in, _ := attachRemote(t, m)
	in.ch <- "x"
	require.Eventually(t, func() bool { return len(other.snapshot()) == 1 }, waitFor, tick)
	assert.Empty(t, dest.snapshot())
}

func TestInput_RemoteReadErrorDetaches(t *testing.T) {
	m := NewMultiplexer(Options{})
	s, in, _ := attachRemote(t, m)
	close(in.ch)

	require.Eventually(t, func() bool { return s.Closed() }, waitFor, tick)
	assert.Equal(t, 0, m.SessionCount())
}

func TestInput_LocalEOFKeepsSession(t *testing.T) {
	eof := make(chan struct{})
	m := NewMultiplexer(Options{OnLocalEOF: func() { close(eof) }})
	in := newChanReader()
	out := &recorder{}
	local, err := m.AttachLocal(in, out)
	require.NoError(t, err)
	close(in.ch)

	select {
	case <-eof:
	case <-time.After(waitFor):
		t.Fatal("OnLocalEOF not called")
	}
	assert.False(t, local.Closed())
	m.Broadcast("still here")
	require.Eventually(t, func() bool { return out.count() == 1 }, waitFor, tick)
}

func TestInput_RemoteRateLimited(t *testing.T) {
	m := NewMultiplexer(Options{InputRate: 0.01, InputBurst: 2})
	dest := &destRecorder{}
	m.AddInputHandler(dest.handle)

	_, in, out := attachRemote(t, m)
	for i := 0; i < 5; i++ {
		in.ch <- fmt.Sprintf("cmd %d", i)
	}

	require.Eventually(t, func() bool { return out.count() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"cmd 0", "cmd 1"}, dest.snapshot())
	assert.Contains(t, out.snapshot()[0], "rate limit")
}

// --- session output ---

func TestSession_PrintlnAndClearAreSessionLocal(t *testing.T) {
	m := NewMultiplexer(Options{})
	a, _, aOut := attachRemote(t, m)
	_, _, bOut := attachRemote(t, m)

	a.Println("only for a")
	a.Clear()
	m.Broadcast("for everyone")

	require.Eventually(t, func() bool { return aOut.count() == 2 && bOut.count() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"only for a", "for everyone"}, aOut.snapshot())
	assert.Equal(t, []string{"for everyone"}, bOut.snapshot())
	aOut.mu.Lock()
	assert.Equal(t, 1, aOut.clears)
	aOut.mu.Unlock()
}

func TestSessions_Snapshot(t *testing.T) {
	m := NewMultiplexer(Options{})
	_, err := m.AttachLocal(nil, &recorder{})
	require.NoError(t, err)
	s, _, _ := attachRemote(t, m)

	infos := m.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, KindLocal, infos[0].Kind)
	assert.Equal(t, s.ID, infos[1].ID)
	assert.Equal(t, "admin", infos[1].User)
	assert.Equal(t, "127.0.0.1:5555", infos[1].RemoteAddr)

	got, ok := m.Lookup(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestClose_DetachesRemotesAndFlushesLocal(t *testing.T) {
	m := NewMultiplexer(Options{})
	localOut := &recorder{}
	_, err := m.AttachLocal(nil, localOut)
	require.NoError(t, err)
	s, _, _ := attachRemote(t, m)

	m.Broadcast("bye")
	m.Close()

	assert.True(t, s.Closed())
	assert.Equal(t, []string{"bye"}, localOut.snapshot())

	_, err = m.AttachRemote(newChanReader(), &recorder{}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "local", KindLocal.String())
	assert.Equal(t, "remote", KindRemote.String())
}
