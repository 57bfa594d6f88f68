// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WakeupsArmed counts registered wake-ups by action kind.
	WakeupsArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_wakeups_armed_total",
			Help: "Wake-ups registered with the timer service",
		},
		[]string{"kind"}, // start, repeat, end, sync
	)

	// WakeupsSkipped counts registrations dropped for lack of exact-timer permission.
	WakeupsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_wakeups_skipped_total",
			Help: "Wake-up registrations skipped because exact timers are not allowed",
		},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_dispatch_total",
			Help: "Wake-up payloads dispatched by token",
		},
		[]string{"token"},
	)

	DispatchDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_dispatch_dropped_total",
			Help: "Malformed wake-up payloads dropped without retry",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_notifications_total",
			Help: "Notification presenter operations by result",
		},
		[]string{"result"}, // shown, dismissed, deduped, failed, dropped
	)

	BackfillInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_backfill_inserted_total",
			Help: "Ledger rows inserted by backfill passes",
		},
	)

	BackfillErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loopd_backfill_errors_total",
			Help: "Backfill passes that finished with errors",
		},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loopd_sync_duration_seconds",
			Help:    "Duration of the daily sync pass in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopd_jobs_total",
			Help: "Engine jobs by kind and terminal result",
		},
		[]string{"kind", "result"}, // result: ok, failed, dropped, cancelled
	)
)

// RecordWakeupArmed counts one registration of the given kind.
func RecordWakeupArmed(kind string) {
	WakeupsArmed.WithLabelValues(kind).Inc()
}

func RecordDispatch(token string) {
	DispatchTotal.WithLabelValues(token).Inc()
}

func RecordNotification(result string) {
	NotificationsTotal.WithLabelValues(result).Inc()
}

func RecordSyncDuration(d time.Duration) {
	SyncDuration.Observe(d.Seconds())
}

func RecordJob(kind, result string) {
	if kind == "" {
		kind = "adhoc"
	}
	JobsTotal.WithLabelValues(kind, result).Inc()
}
