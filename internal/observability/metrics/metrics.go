package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaycast"

// Recorder owns the Prometheus collectors for the HTTP surface, the ingest
// gateway, the metadata bridge and the viewer loops. Each Recorder registers
// into its own registry so tests can build isolated instances.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	publishEvents   *prometheus.CounterVec
	activeStreams   prometheus.Gauge
	activeViewers   prometheus.Gauge
	registryQueries *prometheus.CounterVec
	bridgeRequests  *prometheus.CounterVec
	bridgeLatency   *prometheus.HistogramVec
	syncTicks       *prometheus.CounterVec
	playback        *prometheus.CounterVec
	chatMessages    *prometheus.CounterVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder backed by a fresh registry that also exposes the
// Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		publishEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_events_total",
			Help:      "Ingest lifecycle events by type.",
		}, []string{"event"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Current number of publishing sessions.",
		}),
		activeViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_players",
			Help:      "Current number of relay playback sessions.",
		}),
		registryQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_queries_total",
			Help:      "Session registry lookups by operation and result.",
		}, []string{"operation", "result"}),
		bridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_requests_total",
			Help:      "Metadata bridge requests by action and outcome.",
		}, []string{"action", "outcome"}),
		bridgeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "metadata_request_duration_seconds",
			Help:      "Metadata bridge request latency by action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		syncTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_sync_ticks_total",
			Help:      "Client synchronization ticks by outcome.",
		}, []string{"outcome"}),
		playback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "viewer_playback_transitions_total",
			Help:      "Playback state transitions by target state.",
		}, []string{"state"}),
		chatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages handled by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		r.requests, r.requestDuration, r.publishEvents, r.activeStreams, r.activeViewers,
		r.registryQueries, r.bridgeRequests, r.bridgeLatency, r.syncTicks, r.playback, r.chatMessages,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Passing nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one HTTP request keyed by method, normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// PublishStarted records an accepted publisher and raises the active stream gauge.
func (r *Recorder) PublishStarted() {
	if r == nil {
		return
	}
	r.publishEvents.WithLabelValues("post-publish").Inc()
	r.activeStreams.Inc()
}

// PublishStopped records the end of a publish session.
func (r *Recorder) PublishStopped() {
	if r == nil {
		return
	}
	r.publishEvents.WithLabelValues("done-publish").Inc()
	r.activeStreams.Dec()
}

// PublishRejected records a publisher refused during pre-publish.
func (r *Recorder) PublishRejected(reason string) {
	if r == nil {
		return
	}
	r.publishEvents.WithLabelValues("rejected-" + normalizeName(reason)).Inc()
}

// PlayerJoined and PlayerLeft track relay playback sessions.
func (r *Recorder) PlayerJoined() {
	if r == nil {
		return
	}
	r.activeViewers.Inc()
}

func (r *Recorder) PlayerLeft() {
	if r == nil {
		return
	}
	r.activeViewers.Dec()
}

// ObserveRegistryQuery records a registry lookup. result is one of ok,
// offline or error.
func (r *Recorder) ObserveRegistryQuery(operation, result string) {
	if r == nil {
		return
	}
	r.registryQueries.WithLabelValues(normalizeName(operation), normalizeName(result)).Inc()
}

// ObserveBridgeRequest records a metadata bridge call.
func (r *Recorder) ObserveBridgeRequest(action string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.bridgeRequests.WithLabelValues(action, outcome).Inc()
	r.bridgeLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveSyncTick records one synchronization tick: committed, failed or skipped.
func (r *Recorder) ObserveSyncTick(outcome string) {
	if r == nil {
		return
	}
	r.syncTicks.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObservePlaybackTransition counts entries into a playback state.
func (r *Recorder) ObservePlaybackTransition(state string) {
	if r == nil {
		return
	}
	r.playback.WithLabelValues(normalizeName(state)).Inc()
}

// ObserveChatMessage counts chat traffic; direction is sent or forwarded.
func (r *Recorder) ObserveChatMessage(direction string) {
	if r == nil {
		return
	}
	r.chatMessages.WithLabelValues(normalizeName(direction)).Inc()
}

// Handler exposes the registry in the Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier flags path segments that carry stream keys or record
// IDs so the path label stays bounded.
func looksLikeIdentifier(segment string) bool {
	switch segment {
	case "api", "streams", "chat", "events", "start", "stop", "health", "metadata", "rtmp-config", "live", "metrics", "readyz":
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
