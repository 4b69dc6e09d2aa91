// Package metrics exposes wrapper activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruifung/mcswrappr/internal/commands"
	"github.com/ruifung/mcswrappr/internal/console"
	"github.com/ruifung/mcswrappr/internal/supervisor"
)

const namespace = "mcsw"

// Metrics holds the wrapper's collectors on a private registry. It
// implements console.Observer and supervisor.Observer.
type Metrics struct {
	registry *prometheus.Registry

	SessionsAttached prometheus.Gauge
	BroadcastLines   prometheus.Counter
	SessionsDropped  *prometheus.CounterVec
	DroppedInput     *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	ServerStarts     prometheus.Counter
	ServerExits      *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsAttached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_attached",
			Help:      "Console sessions currently attached, including the local console.",
		}),
		BroadcastLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_lines_total",
			Help:      "Lines broadcast to console sessions.",
		}),
		SessionsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_dropped_total",
			Help:      "Sessions detached, by reason.",
		}, []string{"reason"}),
		DroppedInput: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_dropped_total",
			Help:      "Input lines not delivered, by reason.",
		}, []string{"reason"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Built-in commands executed, by command and result.",
		}, []string{"command", "result"}),
		ServerStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_starts_total",
			Help:      "Times the server process was started.",
		}),
		ServerExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_exits_total",
			Help:      "Server process exits, by reason.",
		}, []string{"reason"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests, by method and status code.",
		}, []string{"method", "code"}),
	}
}

// WatchServerState exports the supervisor state as mcsw_server_state.
func (m *Metrics) WatchServerState(state func() supervisor.State) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_state",
		Help:      "Supervisor state: 0 stopped, 1 starting, 2 running, 3 stopping, 4 killing.",
	}, func() float64 { return float64(state()) })
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionAttached(console.Info) {
	m.SessionsAttached.Inc()
}

func (m *Metrics) SessionDetached(_ console.Info, reason string) {
	m.SessionsAttached.Dec()
	m.SessionsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) LineBroadcast() {
	m.BroadcastLines.Inc()
}

func (m *Metrics) InputDropped(reason string) {
	m.DroppedInput.WithLabelValues(reason).Inc()
}

func (m *Metrics) OnStart(int, time.Time) {
	m.ServerStarts.Inc()
}

func (m *Metrics) OnExit(info supervisor.ExitInfo) {
	m.ServerExits.WithLabelValues(info.Reason).Inc()
}

// CommandHook counts built-in commands.
func (m *Metrics) CommandHook() commands.Hook {
	return func(name string, _ []string, _ *console.Session, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.Commands.WithLabelValues(name, result).Inc()
	}
}

// ObserveHTTP counts one admin API response.
func (m *Metrics) ObserveHTTP(method string, code int) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
