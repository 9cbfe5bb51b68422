// Package metrics exposes the relay's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpdatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "updates_received_total",
		Help:      "Inbound transport updates by kind.",
	}, []string{"kind"})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "duplicates_suppressed_total",
		Help:      "Voice/audio updates dropped as redelivered duplicates.",
	})

	AuthorizationDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "authorization_denied_total",
		Help:      "Updates rejected by the user allowlist.",
	})

	PipelineUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "pipeline_uploads_total",
		Help:      "Pipeline upload attempts by outcome (ok, failed).",
	}, []string{"outcome"})

	StorageFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "storage_fallbacks_total",
		Help:      "Raw files handed to storage after a pipeline failure.",
	})

	PendingActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "pending_actions_total",
		Help:      "Pending-dialog transitions by outcome (created, linked, contact_created, cancelled, reprompt, retry, expired).",
	}, []string{"outcome"})

	NotifyRelays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "notify_relays_total",
		Help:      "Outbound notification relays by outcome (ok, failed).",
	}, []string{"outcome"})

	FormatRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicerelay",
		Name:      "format_retries_total",
		Help:      "Sends retried plain after rich-text rejection.",
	})
)
