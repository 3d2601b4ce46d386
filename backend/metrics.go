package backend

import (
	"expvar"

	"github.com/h2proxy/backend-session/tel"
)

// Session-lifecycle counters, exported the way the teacher's tel/expvar.go
// wires process metrics - tel.IntExp rather than a bare expvar.Int, so each
// counter's LastUse timestamp stays current as it's touched. No
// Prometheus/OTEL client pulled in for a single session's bookkeeping (the
// pack's ext/otel and ext/tel/prom exporters are whole-mesh telemetry
// pipelines with nothing in SPEC_FULL.md to feed them from one Session).
var (
	metricSessionsStarted      = newIntExp("backend_sessions_started_total")
	metricSessionsConnected    = newIntExp("backend_sessions_connected_total")
	metricSessionsDisconnected = newIntExp("backend_sessions_disconnected_total")
	metricStreamsSubmitted     = newIntExp("backend_streams_submitted_total")
	metricStreamsClosed        = newIntExp("backend_streams_closed_total")
	metricRSTStreamsSent       = newIntExp("backend_rst_streams_sent_total")
	metricSettingsTimeouts     = newIntExp("backend_settings_timeouts_total")
	metricHardFails            = newIntExp("backend_hard_fails_total")
	metricHealthChecksStarted  = newIntExp("backend_health_checks_started_total")
)

// newIntExp publishes a tel.IntExp under name, the one step tel.IntExp
// itself leaves to its caller (it has no NewXXX constructor, unlike
// expvar.NewInt).
func newIntExp(name string) *tel.IntExp {
	v := &tel.IntExp{}
	expvar.Publish(name, v)
	return v
}
