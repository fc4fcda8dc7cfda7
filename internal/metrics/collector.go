// Package metrics provides Prometheus collectors for the orchestrator.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates runtime metrics: workflow outcomes, node execution,
// permission decisions, and LLM usage.
type Collector struct {
	workflowsTotal    *prometheus.CounterVec
	workflowDuration  prometheus.Histogram
	nodeExecutions    *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	nodeRetries       prometheus.Counter
	permissionResults *prometheus.CounterVec
	llmRequests       *prometheus.CounterVec
	llmTokens         *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// NewCollector creates and registers the collectors on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflow executions by terminal status.",
		}, []string{"status"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "End-to-end workflow execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Node invocations by node name and result.",
		}, []string{"node", "result"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Per-node run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"node"}),
		nodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Transient-error retries across all nodes.",
		}),
		permissionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_results_total",
			Help:      "Permission request resolutions by terminal state.",
		}, []string{"state"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "LLM calls by stage and result.",
		}, []string{"stage", "result"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Token usage by direction.",
		}, []string{"direction"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently connected sessions.",
		}),
	}

	reg.MustRegister(
		c.workflowsTotal, c.workflowDuration,
		c.nodeExecutions, c.nodeDuration, c.nodeRetries,
		c.permissionResults, c.llmRequests, c.llmTokens,
		c.activeSessions,
	)
	return c
}

// WorkflowFinished records a terminal workflow status and duration.
func (c *Collector) WorkflowFinished(status string, elapsed time.Duration) {
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.Observe(elapsed.Seconds())
}

// NodeExecuted records one node invocation outcome.
func (c *Collector) NodeExecuted(node, result string, elapsed time.Duration) {
	c.nodeExecutions.WithLabelValues(node, result).Inc()
	c.nodeDuration.WithLabelValues(node).Observe(elapsed.Seconds())
}

// NodeRetried counts a transient-error retry.
func (c *Collector) NodeRetried() {
	c.nodeRetries.Inc()
}

// PermissionResolved records a permission terminal state.
func (c *Collector) PermissionResolved(state string) {
	c.permissionResults.WithLabelValues(state).Inc()
}

// LLMRequest records one LLM call.
func (c *Collector) LLMRequest(stage, result string, promptTokens, completionTokens int) {
	c.llmRequests.WithLabelValues(stage, result).Inc()
	c.llmTokens.WithLabelValues("prompt").Add(float64(promptTokens))
	c.llmTokens.WithLabelValues("completion").Add(float64(completionTokens))
}

// SessionOpened / SessionClosed track the live session gauge.
func (c *Collector) SessionOpened() { c.activeSessions.Inc() }

// SessionClosed decrements the live session gauge.
func (c *Collector) SessionClosed() { c.activeSessions.Dec() }
