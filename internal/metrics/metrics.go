// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ToolCalls tracks MCP tool invocations by outcome.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// ConnectedClients tracks currently connected WebSocket clients.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lantern_ws_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	// DroppedClients counts clients removed for send timeouts or errors.
	DroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lantern_ws_clients_dropped_total",
			Help: "Total number of clients dropped from broadcasts",
		},
	)

	// ChatTurns counts completed chat turns.
	ChatTurns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lantern_chat_turns_total",
			Help: "Total number of completed chat turns",
		},
	)

	// SSEEvents counts streaming events by type.
	SSEEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_sse_events_total",
			Help: "Total number of LLM stream events",
		},
		[]string{"type"},
	)

	// WorkflowExecutions counts executions by terminal status.
	WorkflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_workflow_executions_total",
			Help: "Total number of workflow executions",
		},
		[]string{"status"},
	)

	// ScheduleFires counts cron trigger firings.
	ScheduleFires = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lantern_schedule_fires_total",
			Help: "Total number of cron schedule firings",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall records one MCP tool invocation.
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordSSEEvent records one LLM stream event.
func RecordSSEEvent(eventType string) {
	SSEEvents.WithLabelValues(eventType).Inc()
}

// RecordExecution records a workflow execution reaching a terminal status.
func RecordExecution(status string) {
	WorkflowExecutions.WithLabelValues(status).Inc()
}
