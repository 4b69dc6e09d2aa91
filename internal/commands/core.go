package commands

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/supervisor"
)

// Controller is the supervisor surface driven by the built-in commands.
type Controller interface {
	Start() error
	Stop() error
	Kill() error
	Restart() error
	Status() supervisor.Status
}

// SessionLister reports attached console sessions.
type SessionLister interface {
	Sessions() []console.Info
}

// Core wires the built-in commands to their collaborators.
type Core struct {
	Server   Controller
	Sessions SessionLister
	// Shutdown terminates the wrapper. It is called after the server has
	// been stopped.
	Shutdown func()
	Logger   *zap.Logger
}

// RegisterCore installs start, stop, killServer (alias kill), restart,
// stopWrapper, clear, status, sessions and help.
func RegisterCore(d *Dispatcher, c Core) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}

	d.Register("start", "start the server", func(_ []string, _ *console.Session) error {
		return c.Server.Start()
	})
	d.Register("stop", "stop the server gracefully, killing it after the grace window", func(_ []string, _ *console.Session) error {
		return c.Server.Stop()
	})
	kill := func(_ []string, _ *console.Session) error {
		return c.Server.Kill()
	}
	d.Register("killServer", "kill the server immediately", kill)
	d.Register("kill", "alias for killServer", kill)
	d.Register("restart", "stop the server, then start it again", func(_ []string, _ *console.Session) error {
		return c.Server.Restart()
	})
	d.Register("stopWrapper", "stop the server and exit the wrapper", func(_ []string, s *console.Session) error {
		log.Info("stopping wrapper, terminating server", zap.String("session_id", sessionID(s)))
		err := c.Server.Stop()
		if c.Shutdown != nil {
			c.Shutdown()
		}
		return err
	})

	d.Register("clear", "clear your own screen", func(_ []string, s *console.Session) error {
		if s != nil {
			s.Clear()
		}
		return nil
	})
	d.Register("status", "show server state", func(_ []string, s *console.Session) error {
		st := c.Server.Status()
		if st.PID > 0 {
			s.Printf("Server is %s (pid %d, up %s, %d automatic restarts).", st.State, st.PID, st.Uptime, st.Restarts)
		} else {
			s.Printf("Server is %s (%d automatic restarts).", st.State, st.Restarts)
		}
		if st.IntentionalStop {
			s.Println("Automatic restart is off until the next start.")
		}
		return nil
	})
	d.Register("sessions", "list attached consoles", func(_ []string, s *console.Session) error {
		if c.Sessions == nil {
			return nil
		}
		infos := c.Sessions.Sessions()
		s.Printf("%d attached:", len(infos))
		for _, info := range infos {
			line := []string{info.Kind.String(), info.ID}
			if info.User != "" {
				line = append(line, info.User)
			}
			if info.RemoteAddr != "" {
				line = append(line, info.RemoteAddr)
			}
			if info.ID == sessionID(s) {
				line = append(line, "(you)")
			}
			s.Println("  " + strings.Join(line, " "))
		}
		return nil
	})
	d.Register("help", "list commands", func(_ []string, s *console.Session) error {
		for _, line := range d.Help() {
			s.Println(line)
		}
		return nil
	})
}
