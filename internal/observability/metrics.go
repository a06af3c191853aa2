package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tasksAdmitted        *prometheus.CounterVec
	tasksFinished        *prometheus.CounterVec
	batches              *prometheus.CounterVec
	conversationsCreated *prometheus.CounterVec
	conversationsClosed  *prometheus.CounterVec
	turns                *prometheus.CounterVec
	contentPolicyStrikes prometheus.Counter
	responderTicks       *prometheus.CounterVec
	responderTickSeconds prometheus.Histogram
	activeConversations  prometheus.Gauge
	queueDepth           prometheus.Gauge
	httpRequests         *prometheus.CounterVec
	httpSeconds          *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasksAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_tasks_admitted_total",
			Help: "Task admission attempts by result.",
		}, []string{"result"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_tasks_finished_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"status"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_batches_total",
			Help: "Conversation creation batches by result.",
		}, []string{"result"}),
		conversationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_conversations_created_total",
			Help: "Conversation creation attempts by result.",
		}, []string{"result"}),
		conversationsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_conversations_closed_total",
			Help: "Closed conversations by reason.",
		}, []string{"reason"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_consumer_turns_total",
			Help: "Generated consumer turns by result.",
		}, []string{"result"}),
		contentPolicyStrikes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsim_content_policy_strikes_total",
			Help: "Generations rejected by the content policy.",
		}),
		responderTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_responder_ticks_total",
			Help: "Responder loop ticks by result.",
		}, []string{"result"}),
		responderTickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convsim_responder_tick_duration_seconds",
			Help:    "Wall time of one responder tick.",
			Buckets: prometheus.DefBuckets,
		}),
		activeConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convsim_active_conversations",
			Help: "Open conversations seen by the last responder tick.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convsim_queue_depth",
			Help: "Queued conversation slots.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsim_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convsim_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksAdmitted, m.tasksFinished, m.batches,
		m.conversationsCreated, m.conversationsClosed, m.turns, m.contentPolicyStrikes,
		m.responderTicks, m.responderTickSeconds, m.activeConversations, m.queueDepth,
		m.httpRequests, m.httpSeconds,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskAdmitted(result string) {
	if m != nil {
		m.tasksAdmitted.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) TaskFinished(status string) {
	if m != nil {
		m.tasksFinished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Batch(result string) {
	if m != nil {
		m.batches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ConversationCreated(result string) {
	if m != nil {
		m.conversationsCreated.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ConversationClosed(reason string) {
	if m != nil {
		m.conversationsClosed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Turn(result string) {
	if m != nil {
		m.turns.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ContentPolicyStrike() {
	if m != nil {
		m.contentPolicyStrikes.Inc()
	}
}

func (m *Metrics) ResponderTick(result string, took time.Duration, active int) {
	if m == nil {
		return
	}
	m.responderTicks.WithLabelValues(result).Inc()
	m.responderTickSeconds.Observe(took.Seconds())
	m.activeConversations.Set(float64(active))
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// HTTPRequest records one served request. route is the matched mux pattern.
func (m *Metrics) HTTPRequest(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpSeconds.WithLabelValues(route).Observe(took.Seconds())
}
