package console

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"

	"golang.org/x/term"
)

const clearScreen = "\x1b[H\x1b[2J"

// StreamIO reads and writes lines on plain byte streams, such as a piped
// stdin or a raw network connection.
type StreamIO struct {
	r  *bufio.Reader
	mu sync.Mutex
	w  io.Writer
}

// NewStreamIO wraps r and w. Either may be nil if unused.
func NewStreamIO(r io.Reader, w io.Writer) *StreamIO {
	s := &StreamIO{w: w}
	if r != nil {
		s.r = bufio.NewReader(r)
	}
	return s
}

// ReadLine returns the next line without its LF or CRLF terminator. A
// final unterminated line is returned before io.EOF.
func (s *StreamIO) ReadLine() (string, error) {
	if s.r == nil {
		return "", io.EOF
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSuffix(line, "\r"), nil
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func (s *StreamIO) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line+"\n")
	return err
}

func (s *StreamIO) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, clearScreen)
	return err
}

// TerminalIO gives an interactive terminal line editing, echo and a prompt
// using golang.org/x/term. Output lines are printed above the prompt
// without disturbing what the operator is typing.
type TerminalIO struct {
	t *term.Terminal
}

// NewTerminalIO wraps rw, which must already be in raw mode (an SSH
// channel with a pty, or a local tty after term.MakeRaw).
func NewTerminalIO(rw io.ReadWriter, prompt string) *TerminalIO {
	return &TerminalIO{t: term.NewTerminal(rw, prompt)}
}

func (t *TerminalIO) ReadLine() (string, error) {
	return t.t.ReadLine()
}

func (t *TerminalIO) WriteLine(line string) error {
	_, err := t.t.Write([]byte(line + "\n"))
	return err
}

func (t *TerminalIO) Clear() error {
	_, err := t.t.Write([]byte(clearScreen))
	return err
}

// Resize updates the terminal dimensions after a window change.
func (t *TerminalIO) Resize(width, height int) error {
	return t.t.SetSize(width, height)
}
