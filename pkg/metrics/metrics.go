// LockClaw - Secure local-first agent orchestration
// License: MIT
//
// Copyright (c) 2026 LockClaw contributors

// Package metrics exposes the platform's Prometheus collectors and the
// snapshot used by the gateway's periodic WebSocket broadcast.
package metrics

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockclaw_tasks",
			Help: "Current number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockclaw_tasks_submitted_total",
			Help: "Total number of tasks accepted by the executor",
		},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lockclaw_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockclaw_task_queue_depth",
			Help: "Tasks waiting in the executor queue",
		},
	)

	// Delegation metrics
	DelegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_delegations_total",
			Help: "Total delegations by terminal status",
		},
		[]string{"status"},
	)

	TokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_tokens_total",
			Help: "Tokens consumed by delegations, by direction",
		},
		[]string{"direction"},
	)

	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_provider_calls_total",
			Help: "LLM client invocations by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	// Swarm metrics
	SwarmRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_swarm_runs_total",
			Help: "Swarm runs by strategy and terminal status",
		},
		[]string{"strategy", "status"},
	)

	// Security metrics
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_rate_limit_hits_total",
			Help: "Requests denied by the rate limiter, by rule",
		},
		[]string{"rule"},
	)

	InjectionBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_injection_blocked_total",
			Help: "Inputs blocked by the validator, by pattern family",
		},
		[]string{"family"},
	)

	PermissionDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lockclaw_permission_denied_total",
			Help: "RBAC denials",
		},
	)

	SandboxViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_sandbox_violations_total",
			Help: "Sandbox limit violations by kind",
		},
		[]string{"kind"},
	)

	AuditEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_audit_entries_total",
			Help: "Audit chain entries recorded, by level",
		},
		[]string{"level"},
	)

	// Integration metrics
	IntegrationsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lockclaw_integrations_connected",
			Help: "Connected integrations by platform",
		},
		[]string{"platform"},
	)

	IntegrationReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_integration_reconnects_total",
			Help: "Reconnect attempts by platform",
		},
		[]string{"platform"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_messages_total",
			Help: "Platform messages by platform and direction",
		},
		[]string{"platform", "direction"},
	)

	// Gateway metrics
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lockclaw_ws_clients",
			Help: "Connected WebSocket clients",
		},
	)

	WSBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_ws_broadcasts_total",
			Help: "WebSocket broadcast frames by channel",
		},
		[]string{"channel"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lockclaw_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lockclaw_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TasksByState)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DelegationsTotal)
	prometheus.MustRegister(TokensUsed)
	prometheus.MustRegister(ProviderCalls)
	prometheus.MustRegister(SwarmRuns)
	prometheus.MustRegister(RateLimitHits)
	prometheus.MustRegister(InjectionBlocked)
	prometheus.MustRegister(PermissionDenied)
	prometheus.MustRegister(SandboxViolations)
	prometheus.MustRegister(AuditEntries)
	prometheus.MustRegister(IntegrationsConnected)
	prometheus.MustRegister(IntegrationReconnects)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(WSClients)
	prometheus.MustRegister(WSBroadcasts)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Snapshot flattens the platform's own metric families into
// series-keyed values. The gateway serialises the result for the
// metrics channel and compares it against the previous broadcast.
func Snapshot() (map[string]float64, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, fam := range families {
		name := fam.GetName()
		if !strings.HasPrefix(name, "lockclaw_") {
			continue
		}
		for _, m := range fam.GetMetric() {
			key := name
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, lp := range labels {
					parts = append(parts, lp.GetName()+"="+lp.GetValue())
				}
				sort.Strings(parts)
				key = name + "{" + strings.Join(parts, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
