package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agencykit/siteaudit/internal/progress"
)

// PrometheusSink exports audit progress metrics. It owns all collectors for
// audits completed, pages crawled, and check outcomes.
type PrometheusSink struct {
	auditsCompleted *prometheus.CounterVec
	auditRuntime    *prometheus.HistogramVec
	statusChanges   *prometheus.CounterVec

	pagesCrawled  *prometheus.CounterVec
	pageBytes     prometheus.Counter
	fetchDuration *prometheus.HistogramVec

	checksDone *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		auditsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_audits_completed_total",
			Help: "Total audits finished partitioned by result.",
		}, []string{"result"}),
		auditRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_audit_runtime_seconds",
			Help:    "Wall time per finished audit.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_status_changes_total",
			Help: "Audit status transitions partitioned by new status.",
		}, []string{"status"}),
		pagesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_pages_crawled_total",
			Help: "Pages crawled partitioned by HTTP status class.",
		}, []string{"status_class"}),
		pageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siteaudit_page_bytes_total",
			Help: "Bytes downloaded across all audits.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siteaudit_fetch_duration_seconds",
			Help:    "Page fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"status_class"}),
		checksDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteaudit_checks_total",
			Help: "Check executions partitioned by check name and outcome.",
		}, []string{"check", "status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.auditsCompleted,
		s.auditRuntime,
		s.statusChanges,
		s.pagesCrawled,
		s.pageBytes,
		s.fetchDuration,
		s.checksDone,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageStatusChange:
		s.statusChanges.WithLabelValues(string(evt.Status)).Inc()
	case progress.StagePageCrawled:
		statusClass := string(evt.StatusClass)
		if statusClass == "" {
			statusClass = string(progress.StatusOther)
		}
		s.pagesCrawled.WithLabelValues(statusClass).Inc()
		if evt.Bytes > 0 {
			s.pageBytes.Add(float64(evt.Bytes))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
		}
	case progress.StageCheckDone:
		s.checksDone.WithLabelValues(evt.Check, string(evt.CheckStatus)).Inc()
	case progress.StageAuditDone:
		s.auditsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageAuditError:
		s.auditsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.auditRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
