// Package monitoring serves the operator endpoints on a separate listener:
// Prometheus metrics and a JSON snapshot of the open push channels.
package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nuha.dev/safezone/internal/common"
	"nuha.dev/safezone/internal/events"
	"nuha.dev/safezone/internal/geofence"
	"nuha.dev/safezone/internal/push"
	"nuha.dev/safezone/internal/registry"
	"nuha.dev/safezone/internal/util"
)

// StreamStats is the websocket server side of the metrics.
type StreamStats interface {
	Dropped() uint64
	Active() int64
}

type MonitoringConfig struct {
	ListenAddr string
}

type MonitoringServer struct {
	reg      *registry.Registry
	stream   StreamStats
	gatherer prometheus.Gatherer
	server   *http.Server
	log      log.Logger

	Locations *prometheus.CounterVec
	Incidents prometheus.Counter
	Relayed   prometheus.Counter
}

var roles = []common.Role{common.RoleAdmin, common.RoleGuide, common.RoleTourist}

// NewMonApi registers the collectors against promReg, the default registry
// when nil.
func NewMonApi(reg *registry.Registry, stream StreamStats, promReg prometheus.Registerer, config *MonitoringConfig) (*MonitoringServer, error) {
	if promReg == nil {
		promReg = prometheus.DefaultRegisterer
	}
	m := &MonitoringServer{reg: reg, stream: stream, gatherer: prometheus.DefaultGatherer}
	if g, ok := promReg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()

	m.Locations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safezone_location_reports_total",
		Help: "Accepted tourist location reports, labeled by resulting status.",
	}, []string{"status"})
	m.Incidents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safezone_incidents_opened_total",
		Help: "Geofence incidents opened on this instance.",
	})
	m.Relayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safezone_events_relayed_total",
		Help: "Events received from peer instances.",
	})
	collectors := []prometheus.Collector{m.Locations, m.Incidents, m.Relayed}

	for _, role := range roles {
		role := role
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "safezone_push_connections",
			Help:        "Open push channels by role.",
			ConstLabels: prometheus.Labels{"role": string(role)},
		}, func() float64 {
			return float64(reg.CountByRole()[role])
		}))
	}
	collectors = append(collectors,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "safezone_push_delivered_total",
			Help: "Messages handed to push channels.",
		}, func() float64 {
			pushed, _ := reg.Stat()
			return float64(pushed)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "safezone_push_failed_total",
			Help: "Push attempts that found the channel gone.",
		}, func() float64 {
			_, failed := reg.Stat()
			return float64(failed)
		}),
	)
	if stream != nil {
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "safezone_ws_dropped_total",
				Help: "Messages dropped because a client send queue was full.",
			}, func() float64 { return float64(stream.Dropped()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "safezone_ws_sessions",
				Help: "Websocket sessions being served, including unauthenticated ones.",
			}, func() float64 { return float64(stream.Active()) }),
		)
	}
	for _, c := range collectors {
		if err := promReg.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/connections", m.serve_http)
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m, nil
}

// Attach counts tracking events as they pass the bus.
func (m *MonitoringServer) Attach(bus *events.Bus) {
	bus.Subscribe("monitoring", m.Handle, events.TopicLocationUpdated, events.TopicStatusChanged)
}

func (m *MonitoringServer) Handle(ctx context.Context, topic string, msg events.Message) {
	if msg.Origin != "" {
		m.Relayed.Inc()
		return
	}
	switch v := msg.Body.(type) {
	case push.LocationUpdate:
		m.Locations.WithLabelValues(string(v.Status)).Inc()
	case push.StatusChange:
		if v.Action == push.ActionLeftZone && v.Status == geofence.Critical && v.IncidentId != 0 {
			m.Incidents.Inc()
		}
	}
}

type ConnectionsResponse struct {
	Total       int                 `json:"total"`
	ByRole      map[common.Role]int `json:"by_role"`
	Connections []registry.Tag      `json:"connections"`
	Pushed      uint64              `json:"pushed"`
	Failed      uint64              `json:"failed"`
	Dropped     uint64              `json:"dropped"`
}

func (m *MonitoringServer) Snapshot() ConnectionsResponse {
	res := ConnectionsResponse{Connections: m.reg.Snapshot(), ByRole: m.reg.CountByRole()}
	res.Total = len(res.Connections)
	res.Pushed, res.Failed = m.reg.Stat()
	if m.stream != nil {
		res.Dropped = m.stream.Dropped()
	}
	return res
}

func (m *MonitoringServer) serve_http(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.Snapshot())
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.server.Handler
}

func (m *MonitoringServer) Run() error {
	m.log.Info().Msgf("starting monitoring server on : %s", m.server.Addr)
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}
