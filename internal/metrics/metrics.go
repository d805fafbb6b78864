// Package metrics exposes process-wide counters and gauges for the
// storage fabric server via github.com/VictoriaMetrics/metrics, a
// dependency the teacher repository already declares but never wires
// into a running process. WritePrometheus is served on GET /metrics.
package metrics

import (
	"io"
	"math"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	connectionsActive = metrics.NewCounter("kvfabric_connections_active_total")
	connectionsOpened = metrics.NewCounter("kvfabric_connections_opened_total")
	connectionsClosed = metrics.NewCounter("kvfabric_connections_closed_total")
	broadcastTotal    = metrics.NewCounter("kvfabric_broadcast_total")
	broadcastFailed   = metrics.NewCounter("kvfabric_broadcast_failed_total")

	channelsActiveBits atomic.Uint64
	tenantTotalBits    atomic.Uint64

	_ = metrics.NewGauge("kvfabric_channels_active", func() float64 {
		return math.Float64frombits(channelsActiveBits.Load())
	})
	_ = metrics.NewGauge("kvfabric_tenant_total", func() float64 {
		return math.Float64frombits(tenantTotalBits.Load())
	})
)

// ConnectionOpened records a new connection reaching AUTHENTICATED.
func ConnectionOpened() {
	connectionsOpened.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed records a connection leaving the server.
func ConnectionClosed() {
	connectionsClosed.Inc()
	connectionsActive.Dec()
}

// SetChannelsActive reports the current number of non-empty channels.
func SetChannelsActive(n int) {
	channelsActiveBits.Store(math.Float64bits(float64(n)))
}

// SetTenantTotal reports the current number of cached tenants.
func SetTenantTotal(n int) {
	tenantTotalBits.Store(math.Float64bits(float64(n)))
}

// BroadcastSucceeded records one successful fan-out event.
func BroadcastSucceeded() {
	broadcastTotal.Inc()
}

// BroadcastFailed records a fan-out that could not reach a recipient.
func BroadcastFailed() {
	broadcastFailed.Inc()
	broadcastTotal.Inc()
}

// actionHistogram is keyed lazily per action since the action set is
// small and fixed by internal/wire.Action.
func actionHistogram(action string) *metrics.Histogram {
	return metrics.GetOrCreateHistogram(`kvfabric_rpc_duration_seconds{action="` + action + `"}`)
}

// ObserveRPCLatency records how long one dispatched action took.
func ObserveRPCLatency(action string, seconds float64) {
	actionHistogram(action).Update(seconds)
}

// WritePrometheus writes every registered metric in Prometheus
// exposition format, for the GET /metrics handler.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
