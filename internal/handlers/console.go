package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/ruifung/mcswrappr/internal/audit"
	"github.com/ruifung/mcswrappr/internal/console"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 * 1024
)

// wsLines adapts a WebSocket to the console line interfaces. Each text
// message in carries one or more input lines; each output line is sent as
// its own text message.
type wsLines struct {
	ctx     context.Context
	conn    *websocket.Conn
	pending []string
}

func (c *wsLines) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return "", err
		}
		if typ != websocket.MessageText {
			continue
		}
		text := strings.ReplaceAll(string(data), "\r\n", "\n")
		c.pending = strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsLines) WriteLine(line string) error {
	ctx, cancel := context.WithTimeout(c.ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, []byte(line))
}

// consoleWS attaches the WebSocket as a remote console session until
// either side ends it.
func (a *API) consoleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.Logger.Warn("accept console websocket failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	var once sync.Once
	lines := &wsLines{ctx: ctx, conn: conn}
	user := userFrom(r)

	sess, err := a.Console.AttachRemote(lines, lines, func() { once.Do(func() { close(done) }) },
		console.WithRemoteAddr(r.RemoteAddr),
		console.WithUser(user),
		console.WithTransport("websocket"),
	)
	if err != nil {
		status := websocket.StatusInternalError
		if errors.Is(err, console.ErrClosed) {
			status = websocket.StatusGoingAway
		}
		conn.Close(status, "console unavailable")
		return
	}

	start := time.Now()
	a.logSession(audit.EventSessionStart, user, r.RemoteAddr, sess.ID, 0)
	<-done
	conn.Close(websocket.StatusNormalClosure, "")
	a.logSession(audit.EventSessionEnd, user, r.RemoteAddr, sess.ID, time.Since(start))
}

func (a *API) logSession(event, user, addr, sessionID string, d time.Duration) {
	if a.Auditor == nil {
		return
	}
	a.Auditor.Log(audit.Entry{
		EventType:  event,
		Username:   user,
		SourceIP:   addr,
		SessionID:  sessionID,
		DurationMs: d.Milliseconds(),
	})
}
