package console

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIO_ReadLineStripsTerminators(t *testing.T) {
	s := NewStreamIO(strings.NewReader("list\r\nsay hi\nlast"), nil)

	for _, want := range []string{"list", "say hi", "last"} {
		got, err := s.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := s.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamIO_WriteLineAndClear(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreamIO(nil, &buf)
	require.NoError(t, s.WriteLine("hello"))
	require.NoError(t, s.Clear())
	assert.Equal(t, "hello\n"+clearScreen, buf.String())

	_, err := s.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

type rw struct {
	io.Reader
	io.Writer
}

func TestTerminalIO_ReadsAndWritesLines(t *testing.T) {
	var out bytes.Buffer
	tio := NewTerminalIO(rw{strings.NewReader("stop\r"), &out}, "> ")

	line, err := tio.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "stop", line)

	require.NoError(t, tio.WriteLine("Server stopped"))
	assert.Contains(t, out.String(), "Server stopped\r\n")
}
