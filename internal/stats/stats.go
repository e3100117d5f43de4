package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ActiveConnections = "ActiveConnections"
	TotalConnections  = "TotalConnections"
	ActiveRooms       = "ActiveRooms"
	RateLimited       = "RateLimited"
	RemoteEvents      = "RemoteEvents"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	// Record reports one handled session event. It never blocks the caller.
	Record(event string, d time.Duration, ok bool)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	handlers   *expvar.Map
	updateChan chan *metricsUpdateReq
	done       chan struct{}
	stopOnce   sync.Once

	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

type metricsUpdateReq struct {
	name  string
	value int

	event    string
	duration time.Duration
	ok       bool
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and mounts its
// expvar and Prometheus endpoints on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
		vars:       new(expvar.Map).Init(),
		handlers:   new(expvar.Map).Init(),
		registry:   prometheus.NewRegistry(),
	}

	factory := promauto.With(su.registry)
	su.gauges = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "geochat",
		Name:      "server_stat",
		Help:      "Server counters mirrored from /debug/vars.",
	}, []string{"name"})
	su.events = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "geochat",
		Name:      "session_events_total",
		Help:      "Session events handled, by event and outcome.",
	}, []string{"event", "ok"})
	su.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "geochat",
		Name:      "session_event_duration_seconds",
		Help:      "Session event handling latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"event"})

	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
	su.vars.Set("Handlers", su.handlers)
}

func (su *StatsUpdater) updateMetrics() {
	for {
		var req *metricsUpdateReq
		select {
		case <-su.done:
			return
		case req = <-su.updateChan:
		}

		if req.event != "" {
			su.observe(req)
			continue
		}

		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			panic("metric not found: " + req.name)
		}

		metric.Add(int64(req.value))
		su.gauges.WithLabelValues(req.name).Set(float64(metric.Value()))
	}
}

func (su *StatsUpdater) observe(req *metricsUpdateReq) {
	outcome := "error"
	if req.ok {
		outcome = "ok"
	}

	su.handlers.Add(req.event+"."+outcome, 1)
	su.events.WithLabelValues(req.event, strconv.FormatBool(req.ok)).Inc()
	su.duration.WithLabelValues(req.event).Observe(req.duration.Seconds())
}

// send drops the update when the buffer is full so a slow metrics
// goroutine never stalls a connection. Updates after Stop are discarded.
func (su *StatsUpdater) send(req *metricsUpdateReq) {
	select {
	case <-su.done:
		return
	default:
	}

	select {
	case su.updateChan <- req:
	default:
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.send(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.send(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) Record(event string, d time.Duration, ok bool) {
	su.send(&metricsUpdateReq{event: event, duration: d, ok: ok})
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
	su.gauges.WithLabelValues(name).Set(0)
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}
