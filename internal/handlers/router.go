// Package handlers serves the optional HTTP admin API and the WebSocket
// console.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ruifung/mcswrappr/internal/audit"
	"github.com/ruifung/mcswrappr/internal/auth"
	"github.com/ruifung/mcswrappr/internal/commands"
	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/metrics"
)

// Console is the multiplexer surface used by the API.
type Console interface {
	AttachRemote(in console.LineReader, out console.LineWriter, onClose func(), opts ...console.AttachOption) (*console.Session, error)
	Detach(s *console.Session) error
	Lookup(id string) (*console.Session, bool)
	Sessions() []console.Info
}

// LogStore reads and clears the wrapper log file.
type LogStore interface {
	ReadTail(n int) ([]string, error)
	Clear() error
}

// API holds the collaborators behind the admin routes. Auditor, Runs,
// Logs, Metrics and DB are optional.
type API struct {
	Server      commands.Controller
	Console     Console
	Credentials auth.Credentials
	Auditor     *audit.Auditor
	Runs        *audit.RunRecorder
	Logs        LogStore
	Metrics     *metrics.Metrics
	DB          *gorm.DB
	Logger      *zap.Logger
}

// Router builds the route tree. Everything except /health requires HTTP
// basic auth with the operator credentials; with password login disabled
// those routes always answer 401.
func (a *API) Router() http.Handler {
	if a.Logger == nil {
		a.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/health", a.health)

	r.Group(func(r chi.Router) {
		r.Use(a.basicAuth)
		if a.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
		}
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", a.status)
			r.Get("/sessions", a.listSessions)
			r.Delete("/sessions/{id}", a.detachSession)
			r.Post("/server/{action}", a.serverAction)
			r.Get("/audit", a.queryAudit)
			r.Get("/runs", a.listRuns)
			r.Get("/logs", a.readLogs)
			r.Delete("/logs", a.clearLogs)
			r.Get("/console", a.consoleWS)
		})
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if a.Metrics != nil {
			a.Metrics.ObserveHTTP(r.Method, status)
		}
		a.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

type userKey struct{}

func (a *API) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="mcswrappr"`)
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if err := a.Credentials.Verify(user, pass); err != nil {
			if a.Auditor != nil {
				a.Auditor.Log(audit.Entry{
					EventType: audit.EventLoginFailure,
					Username:  user,
					SourceIP:  r.RemoteAddr,
					Details:   "http basic",
				})
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="mcswrappr"`)
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}
