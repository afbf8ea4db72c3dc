package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "busattendance"

var (
	// ScansTotal counts ingested scans by resulting status.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scans_total",
		Help:      "Scans ingested, labelled by the attendance status they produced.",
	}, []string{"status"})

	ScanConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_conflicts_total",
		Help:      "Scans rejected because a concurrent writer changed the record first.",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications produced, by kind.",
	}, []string{"kind"})

	// EscalationsTotal counts records the monitor forced to red.
	// reason is "missing" (no scan before the deadline) or "stalled" (stuck yellow).
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Records escalated to red by the monitor.",
	}, []string{"reason"})

	MonitorStudentErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_student_errors_total",
		Help:      "Per-student failures inside a monitor tick.",
	})

	MonitorTickPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "monitor_tick_panics_total",
		Help:      "Monitor ticks aborted by a recovered panic.",
	})

	MonitorTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "monitor_tick_duration_seconds",
		Help:      "Wall time of one monitor tick.",
		Buckets:   prometheus.DefBuckets,
	})
)
