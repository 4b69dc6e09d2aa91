package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/ruifung/mcswrappr/internal/console"
)

const localPrompt = "> "

type stdio struct {
	io.Reader
	io.Writer
}

// interactive reports whether the wrapper runs on a terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// attachLocalConsole attaches the host terminal. On a tty the terminal is
// put in raw mode for line editing; otherwise input is read line by line.
func attachLocalConsole(mux *console.Multiplexer) (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !interactive() {
		local := console.NewStreamIO(os.Stdin, os.Stdout)
		if _, err := mux.AttachLocal(local, local); err != nil {
			return nil, err
		}
		return func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	restore = func() { term.Restore(fd, state) }

	tio := console.NewTerminalIO(stdio{os.Stdin, os.Stdout}, localPrompt)
	if w, h, err := term.GetSize(fd); err == nil {
		tio.Resize(w, h)
	}
	if _, err := mux.AttachLocal(tio, tio); err != nil {
		restore()
		return nil, err
	}
	return restore, nil
}

// readPassword prompts on the terminal without echo, or reads one line
// from piped stdin.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(pw), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
