package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveTasks    prometheus.Gauge
	TaskEvents     *prometheus.CounterVec
	TaskTerminal   *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	Notifications  *prometheus.CounterVec
	PollIterations prometheus.Counter
	ToolCalls      *prometheus.CounterVec
	StreamClients  prometheus.Gauge
	StreamMessages *prometheus.CounterVec
	CleanupRemoved prometheus.Counter

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_active_tasks",
			Help:      "Number of background tasks not yet terminal.",
		}),
		TaskEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_task_events_total",
			Help:      "Background task lifecycle events by type.",
		}, []string{"event"}),
		TaskTerminal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_finished_total",
			Help:      "Background tasks reaching a terminal status.",
		}, []string{"status"}),
		TaskDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_task_duration_seconds",
			Help:      "Time from start to terminal status for background tasks.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_notifications_total",
			Help:      "Parent session notifications by outcome.",
		}, []string{"outcome"}),
		PollIterations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_poll_iterations_total",
			Help:      "Remote session poll iterations.",
		}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and transport.",
		}, []string{"tool", "transport"}),
		StreamClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Connected task event stream clients.",
		}),
		StreamMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_stream_messages_total",
			Help:      "Task event stream messages by direction, type and outcome.",
		}, []string{"direction", "type", "outcome"}),
		CleanupRemoved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_cleanup_removed_total",
			Help:      "Terminal tasks removed by scheduled or manual cleanup sweeps.",
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTaskFinished(status string, d time.Duration) {
	m.TaskTerminal.WithLabelValues(status).Inc()
	if d > 0 {
		m.TaskDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveNotification(outcome string) {
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveToolCall(tool, transport string) {
	m.ToolCalls.WithLabelValues(tool, transport).Inc()
}

func (m *Metrics) ObserveStreamMessage(direction, msgType, outcome string) {
	m.StreamMessages.WithLabelValues(direction, msgType, outcome).Inc()
}

// ObserveTaskStage records one latency sample for the rolling stage window.
func (m *Metrics) ObserveTaskStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d)/float64(time.Millisecond))
}

func (m *Metrics) SnapshotTaskStages() StageSnapshot {
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
