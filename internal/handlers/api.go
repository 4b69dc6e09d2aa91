package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ruifung/mcswrappr/internal/audit"
	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/supervisor"
)

// Log tail sizes for GET /api/v1/logs.
const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disabled"
	if a.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus == "disconnected" {
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"server":   a.Server.Status().State.String(),
		"database": dbStatus,
	})
}

type statusResponse struct {
	supervisor.Status
	Sessions int `json:"sessions"`
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:   a.Server.Status(),
		Sessions: len(a.Console.Sessions()),
	})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Console.Sessions())
}

func (a *API) detachSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.Console.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if s.Kind == console.KindLocal {
		writeError(w, http.StatusConflict, "The local console cannot be detached")
		return
	}
	if err := a.Console.Detach(s); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) serverAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	var op func() error
	switch action {
	case "start":
		op = a.Server.Start
	case "stop":
		op = a.Server.Stop
	case "kill":
		op = a.Server.Kill
	case "restart":
		op = a.Server.Restart
	default:
		writeError(w, http.StatusNotFound, "Unknown action")
		return
	}

	err := op()
	if a.Auditor != nil {
		details := action + " (http)"
		if err != nil {
			details += " (failed: " + err.Error() + ")"
		}
		a.Auditor.Log(audit.Entry{
			EventType: audit.EventCommand,
			Username:  userFrom(r),
			SourceIP:  r.RemoteAddr,
			Details:   details,
		})
	}
	if err != nil {
		a.Logger.Warn("server action failed", zap.String("action", action), zap.Error(err))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.Server.Status())
}

func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit log disabled")
		return
	}
	q := r.URL.Query()
	opts := audit.QueryOptions{
		EventType: q.Get("event_type"),
		Username:  q.Get("username"),
		SessionID: q.Get("session_id"),
	}
	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name+" timestamp, want RFC 3339")
			return
		}
		*dst = &t
	}
	var ok bool
	if opts.Limit, ok = intParam(r, "limit", 0); !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if opts.Offset, ok = intParam(r, "offset", 0); !ok {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	res, err := a.Auditor.Query(opts)
	if err != nil {
		a.Logger.Error("audit query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to query audit log")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	if a.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "Run history disabled")
		return
	}
	limit, ok := intParam(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	runs, err := a.Runs.Recent(limit)
	if err != nil {
		a.Logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) readLogs(w http.ResponseWriter, r *http.Request) {
	if a.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "Log file disabled")
		return
	}
	n, ok := intParam(r, "lines", defaultLogLines)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid lines")
		return
	}
	if n == 0 {
		n = defaultLogLines
	}
	n = min(n, maxLogLines)
	lines, err := a.Logs.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (a *API) clearLogs(w http.ResponseWriter, r *http.Request) {
	if a.Logs == nil {
		writeError(w, http.StatusServiceUnavailable, "Log file disabled")
		return
	}
	if err := a.Logs.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.Logger.Info("log file cleared", zap.String("user", userFrom(r)))
	w.WriteHeader(http.StatusNoContent)
}
