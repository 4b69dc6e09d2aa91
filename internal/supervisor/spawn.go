package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Spawner starts child processes. The default implementation uses os/exec;
// tests substitute a fake.
type Spawner interface {
	Spawn(argv []string, dir string) (Child, error)
}

// Child is a running process as seen by the supervisor.
type Child interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	Alive() bool
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill ends the process immediately (SIGKILL).
	Kill() error
	// Done is closed once the process has exited and all of its output
	// has been handed to the Stdout and Stderr readers.
	Done() <-chan struct{}
	// ExitCode is -1 until Done is closed.
	ExitCode() int
}

// ExecSpawner spawns real processes.
type ExecSpawner struct {
	// WaitDelay bounds how long output copying may outlive the process,
	// e.g. when a grandchild inherited the pipes.
	WaitDelay time.Duration
}

func (e ExecSpawner) Spawn(argv []string, dir string) (Child, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, err
	}

	c := &execChild{
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
	}
	c.exitCode.Store(-1)
	c.alive.Store(true)
	go c.wait(outW, errW)
	return c, nil
}

type execChild struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *io.PipeReader
	stderr   *io.PipeReader
	done     chan struct{}
	alive    atomic.Bool
	exitCode atomic.Int32
	waitOnce sync.Once
}

func (c *execChild) wait(outW, errW *io.PipeWriter) {
	c.waitOnce.Do(func() {
		err := c.cmd.Wait()
		c.alive.Store(false)

		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		c.exitCode.Store(int32(code))

		outW.Close()
		errW.Close()
		c.stdin.Close()
		close(c.done)
	})
}

// Stdin returns the child's standard input.
func (c *execChild) Stdin() io.Writer { return c.stdin }

// Stdout returns the child's standard output. It reaches EOF once the child
// has been reaped.
func (c *execChild) Stdout() io.Reader { return c.stdout }

// Stderr returns the child's standard error.
func (c *execChild) Stderr() io.Reader { return c.stderr }

// Alive reports whether the child has not been reaped yet.
func (c *execChild) Alive() bool { return c.alive.Load() }

// Done is closed after the child exits and its pipes are closed.
func (c *execChild) Done() <-chan struct{} { return c.done }

// ExitCode is the child's exit status, or -1 if it did not exit normally.
func (c *execChild) ExitCode() int { return int(c.exitCode.Load()) }

// PID returns the operating system process id, or -1 before start.
func (c *execChild) PID() int {
	if c.cmd.Process == nil {
		return -1
	}
	return c.cmd.Process.Pid
}

// Terminate sends SIGTERM.
func (c *execChild) Terminate() error { return c.signal(syscall.SIGTERM) }

// Kill sends SIGKILL.
func (c *execChild) Kill() error { return c.signal(syscall.SIGKILL) }

func (c *execChild) signal(sig syscall.Signal) error {
	if !c.Alive() {
		return nil
	}
	if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
