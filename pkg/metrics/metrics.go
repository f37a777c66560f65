// Package metrics provides Prometheus instrumentation for the message bus
// and workflow engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder registers and updates the core's Prometheus metrics.
// A nil *Recorder is safe to call; all methods become no-ops. Components
// accept a nil recorder when metrics are disabled (e.g. in unit tests).
type Recorder struct {
	messagesSent      *prometheus.CounterVec
	messagesDelivered prometheus.Counter
	messagesFailed    prometheus.Counter
	messagesDropped   prometheus.Counter
	messageRetries    prometheus.Counter
	queueDepth        prometheus.Gauge
	deliveryDuration  prometheus.Histogram
	workflowsStarted  prometheus.Counter
	workflowsDecided  *prometheus.CounterVec
	workflowsFailed   prometheus.Counter
	evaluationTime    prometheus.Histogram
}

// NewRecorder creates a Recorder registered on the given registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantmesh_messages_sent_total",
				Help: "Total messages accepted by the bus, by priority",
			},
			[]string{"priority"},
		),
		messagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "grantmesh_messages_delivered_total",
			Help: "Total messages delivered to recipients",
		}),
		messagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "grantmesh_messages_failed_total",
			Help: "Total messages that exhausted their retries",
		}),
		messagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "grantmesh_messages_dropped_total",
			Help: "Total messages rejected because the queue was full",
		}),
		messageRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "grantmesh_message_retries_total",
			Help: "Total re-enqueues after a recipient was unavailable",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grantmesh_queue_depth",
			Help: "Current number of messages waiting in the priority queue",
		}),
		deliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "grantmesh_message_delivery_seconds",
			Help:    "Time from enqueue to delivery",
			Buckets: prometheus.DefBuckets,
		}),
		workflowsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "grantmesh_workflows_started_total",
			Help: "Total grant workflows created",
		}),
		workflowsDecided: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantmesh_workflows_decided_total",
				Help: "Total completed workflows, by decision",
			},
			[]string{"decision"},
		),
		workflowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "grantmesh_workflows_failed_total",
			Help: "Total workflows that ended in the failed stage",
		}),
		evaluationTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "grantmesh_evaluation_seconds",
			Help:    "Time from workflow start to decision",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// MessageSent records a message accepted into the queue.
func (r *Recorder) MessageSent(priority string) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(priority).Inc()
}

// MessageDelivered records a successful delivery and its latency.
func (r *Recorder) MessageDelivered(latency time.Duration) {
	if r == nil {
		return
	}
	r.messagesDelivered.Inc()
	r.deliveryDuration.Observe(latency.Seconds())
}

// MessageFailed records a message that exhausted retries.
func (r *Recorder) MessageFailed() {
	if r == nil {
		return
	}
	r.messagesFailed.Inc()
}

// MessageDropped records a queue-full rejection.
func (r *Recorder) MessageDropped() {
	if r == nil {
		return
	}
	r.messagesDropped.Inc()
}

// MessageRetried records a re-enqueue.
func (r *Recorder) MessageRetried() {
	if r == nil {
		return
	}
	r.messageRetries.Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (r *Recorder) SetQueueDepth(depth int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// WorkflowStarted records a new grant workflow.
func (r *Recorder) WorkflowStarted() {
	if r == nil {
		return
	}
	r.workflowsStarted.Inc()
}

// WorkflowDecided records a completed workflow and its evaluation time.
func (r *Recorder) WorkflowDecided(decision string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.workflowsDecided.WithLabelValues(decision).Inc()
	r.evaluationTime.Observe(elapsed.Seconds())
}

// WorkflowFailed records a workflow that ended in the failed stage.
func (r *Recorder) WorkflowFailed() {
	if r == nil {
		return
	}
	r.workflowsFailed.Inc()
}
