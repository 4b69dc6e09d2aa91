package sshserver

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/logutil"
)

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatus struct {
	Status uint32
}

// handleSession serves one session channel until the client closes it or
// the console detaches it.
func (s *Server) handleSession(conn *ssh.ServerConn, ch ssh.Channel, requests <-chan *ssh.Request) {
	var (
		tio        *console.TerminalIO
		sess       *console.Session
		cols, rows int
		start      time.Time
	)
	user := conn.User()
	remoteAddr := conn.RemoteAddr().String()

	for req := range requests {
		ok := false
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				cols, rows = int(p.Columns), int(p.Rows)
				ok = true
			}
		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				cols, rows = int(w.Columns), int(w.Rows)
				if tio != nil && cols > 0 && rows > 0 {
					tio.Resize(cols, rows)
				}
				ok = true
			}
		case "env":
			ok = true
		case "shell":
			ok = sess == nil
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if req.Type != "shell" || !ok {
			if req.Type == "exec" || req.Type == "subsystem" {
				s.log.Info("refused non-interactive ssh request",
					zap.String("user", logutil.SanitizeForLog(user)),
					zap.String("type", req.Type),
				)
			}
			continue
		}

		tio = console.NewTerminalIO(ch, s.opts.Prompt)
		if cols > 0 && rows > 0 {
			tio.Resize(cols, rows)
		}
		attached, err := s.mux.AttachRemote(tio, tio, func() { closeChannel(ch) },
			console.WithRemoteAddr(remoteAddr),
			console.WithUser(user),
			console.WithTransport(transportName),
		)
		if err != nil {
			s.log.Warn("attach ssh session failed", zap.Error(err))
			tio.WriteLine("Console unavailable: " + err.Error())
			closeChannel(ch)
			continue
		}
		sess = attached
		start = time.Now()
		if s.opts.Greeting != "" {
			sess.Println(s.opts.Greeting)
		}
		s.opts.OnEvent(Event{
			Type:       EventSessionStart,
			User:       user,
			RemoteAddr: remoteAddr,
			SessionID:  sess.ID,
		})
	}

	if sess == nil {
		ch.Close()
		return
	}
	s.mux.Detach(sess)
	ch.Close()
	s.opts.OnEvent(Event{
		Type:       EventSessionEnd,
		User:       user,
		RemoteAddr: remoteAddr,
		SessionID:  sess.ID,
		Duration:   time.Since(start),
	})
}

// closeChannel reports a clean exit to the client and closes the channel.
func closeChannel(ch ssh.Channel) {
	ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatus{}))
	ch.Close()
}
