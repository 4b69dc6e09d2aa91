package lineasm

import "unicode/utf8"

// DefaultMaxLineLength is the line cap in characters used when none is given.
const DefaultMaxLineLength = 1024

// Assembler decodes UTF-8 bytes into lines. It is not safe for concurrent
// use; each stream gets its own Assembler.
type Assembler struct {
	maxLen int
	emit   func(string)

	// pending holds the undecoded tail of the previous chunk, always a
	// proper prefix of a multi-byte sequence.
	pending []byte
	line    []rune
	// cr is set when the last character seen was '\r'. It is held back
	// until the next character shows whether it ends a CRLF terminator.
	cr bool
}

// New returns an Assembler that calls emit for every completed line.
// If maxLen <= 0, DefaultMaxLineLength is used.
func New(maxLen int, emit func(string)) *Assembler {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	return &Assembler{
		maxLen:  maxLen,
		emit:    emit,
		pending: make([]byte, 0, utf8.UTFMax),
		line:    make([]rune, 0, 128),
	}
}

// Feed consumes p. When final is true the stream has ended: a non-empty
// partial line is emitted and any incomplete trailing sequence is dropped.
// The Assembler is reset afterwards and may be reused.
func (a *Assembler) Feed(p []byte, final bool) {
	buf := p
	if len(a.pending) > 0 {
		buf = make([]byte, 0, len(a.pending)+len(p))
		buf = append(buf, a.pending...)
		buf = append(buf, p...)
		a.pending = a.pending[:0]
	}

	for len(buf) > 0 {
		if !utf8.FullRune(buf) {
			if !final {
				a.pending = append(a.pending, buf...)
			}
			break
		}
		r, size := utf8.DecodeRune(buf)
		buf = buf[size:]
		if r == utf8.RuneError && size == 1 {
			continue
		}
		a.accept(r)
	}

	if final {
		if a.cr {
			a.push('\r')
			a.cr = false
		}
		if len(a.line) > 0 {
			a.flush()
		}
		a.pending = a.pending[:0]
	}
}

func (a *Assembler) accept(r rune) {
	if a.cr {
		a.cr = false
		if r == '\n' {
			a.flush()
			return
		}
		a.push('\r')
	}
	switch r {
	case '\n':
		a.flush()
	case '\r':
		a.cr = true
	default:
		a.push(r)
	}
}

func (a *Assembler) push(r rune) {
	if len(a.line) < a.maxLen {
		a.line = append(a.line, r)
	}
}

func (a *Assembler) flush() {
	s := string(a.line)
	a.line = a.line[:0]
	if a.emit != nil {
		a.emit(s)
	}
}

// Writer adapts an Assembler to io.Writer. Close flushes the final line.
type Writer struct {
	a *Assembler
}

// NewWriter returns a Writer feeding a new Assembler.
func NewWriter(maxLen int, emit func(string)) *Writer {
	return &Writer{a: New(maxLen, emit)}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.a.Feed(p, false)
	return len(p), nil
}

func (w *Writer) Close() error {
	w.a.Feed(nil, true)
	return nil
}
