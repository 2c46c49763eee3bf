// Package metrics exposes the Prometheus metric set an Engine reports,
// in the style of mdzesseis-log_capturer_go's counters/gauges and
// rcowham-gitp4transfer's use of perforce/p4prometheus. Metrics are new
// surface beyond spec.md's core; none of them change engine behavior,
// they only observe it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is the collection of metrics one Engine reports. A nil *Set is
// valid and every method on it is a no-op, so callers that don't pass a
// prometheus.Registerer to keyfs.New pay nothing for metrics.
type Set struct {
	CommitsTotal         prometheus.Counter
	RollbacksTotal        prometheus.Counter
	CurrentSerial         prometheus.Gauge
	NotifierEventSerial   prometheus.Gauge
	NotifierLagSeconds    prometheus.Gauge
	ActiveTransactions    prometheus.Gauge
	ImportBatchesTotal    prometheus.Counter
}

// New registers and returns a Set under reg. If reg is nil, New returns
// nil and every caller of Set's methods must nil-check or use the
// methods below, which already do.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		return nil
	}
	s := &Set{
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyfs_commits_total",
			Help: "Total number of successful write transaction commits.",
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyfs_rollbacks_total",
			Help: "Total number of rolled-back write transactions.",
		}),
		CurrentSerial: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyfs_current_serial",
			Help: "Most recently committed changelog serial.",
		}),
		NotifierEventSerial: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyfs_notifier_event_serial",
			Help: "Notifier's persisted event_serial cursor.",
		}),
		NotifierLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyfs_notifier_lag_seconds",
			Help: "Seconds since the notifier last caught up to current_serial.",
		}),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyfs_active_transactions",
			Help: "Number of currently bound transactions.",
		}),
		ImportBatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyfs_import_batches_total",
			Help: "Total number of import_changes batches applied.",
		}),
	}
	reg.MustRegister(
		s.CommitsTotal, s.RollbacksTotal, s.CurrentSerial,
		s.NotifierEventSerial, s.NotifierLagSeconds,
		s.ActiveTransactions, s.ImportBatchesTotal,
	)
	return s
}

func (s *Set) IncCommits() {
	if s != nil {
		s.CommitsTotal.Inc()
	}
}

func (s *Set) IncRollbacks() {
	if s != nil {
		s.RollbacksTotal.Inc()
	}
}

func (s *Set) SetCurrentSerial(v int64) {
	if s != nil {
		s.CurrentSerial.Set(float64(v))
	}
}

func (s *Set) SetNotifierEventSerial(v int64) {
	if s != nil {
		s.NotifierEventSerial.Set(float64(v))
	}
}

func (s *Set) SetNotifierLagSeconds(v float64) {
	if s != nil {
		s.NotifierLagSeconds.Set(v)
	}
}

func (s *Set) IncActiveTransactions() {
	if s != nil {
		s.ActiveTransactions.Inc()
	}
}

func (s *Set) DecActiveTransactions() {
	if s != nil {
		s.ActiveTransactions.Dec()
	}
}

func (s *Set) IncImportBatches() {
	if s != nil {
		s.ImportBatchesTotal.Inc()
	}
}
