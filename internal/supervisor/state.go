package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of the supervised process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	StoppingGraceful
	Killing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case StoppingGraceful:
		return "stopping"
	case Killing:
		return "killing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SpawnError reports that the child process could not be started.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Status is a point-in-time view of the supervisor.
type Status struct {
	State           State      `json:"state"`
	PID             int        `json:"pid,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Uptime          string     `json:"uptime,omitempty"`
	IntentionalStop bool       `json:"intentional_stop"`
	Restarts        int        `json:"restarts"`
}

// Exit reasons reported to observers.
const (
	ReasonStopped = "stopped"
	ReasonCrashed = "crashed"
)

// ExitInfo describes one finished run of the child.
type ExitInfo struct {
	PID       int
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
	Reason    string
}

// Observer is notified of child starts and exits. Calls happen outside the
// supervisor's locks and must not block for long.
type Observer interface {
	OnStart(pid int, at time.Time)
	OnExit(info ExitInfo)
}

// Observers fans notifications out to several observers.
type Observers []Observer

// OnStart notifies every observer in order.
func (o Observers) OnStart(pid int, at time.Time) {
	for _, ob := range o {
		ob.OnStart(pid, at)
	}
}

// OnExit notifies every observer in order.
func (o Observers) OnExit(info ExitInfo) {
	for _, ob := range o {
		ob.OnExit(info)
	}
}

type nopObserver struct{}

func (nopObserver) OnStart(int, time.Time) {}
func (nopObserver) OnExit(ExitInfo)        {}
