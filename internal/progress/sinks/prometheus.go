package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/imgharvest/internal/progress"
)

// PrometheusSink exports harvest progress metrics via Prometheus. It owns all
// collectors for category runs, saved artifacts, crashes and cool-downs.
type PrometheusSink struct {
	categoriesStarted   prometheus.Counter
	categoriesCompleted *prometheus.CounterVec
	categoriesRunning   prometheus.Gauge
	categoryRuntime     *prometheus.HistogramVec

	artifactsSaved *prometheus.CounterVec
	artifactBytes  prometheus.Counter
	browserCrashes prometheus.Counter
	coolDowns      prometheus.Counter
	sweeps         prometheus.Counter

	tracker *categoryTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		categoriesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgharvest_categories_started_total",
			Help: "Total category runs that have started.",
		}),
		categoriesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgharvest_categories_completed_total",
			Help: "Total category runs completed partitioned by outcome.",
		}, []string{"outcome"}),
		categoriesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgharvest_categories_running",
			Help: "Current number of running category crawls.",
		}),
		categoryRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgharvest_category_runtime_seconds",
			Help:    "Wall time per completed category run.",
			Buckets: []float64{1, 10, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"outcome"}),
		artifactsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgharvest_artifacts_saved_total",
			Help: "Artifacts persisted partitioned by category.",
		}, []string{"category"}),
		artifactBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgharvest_artifact_bytes_total",
			Help: "Bytes of artifact bodies persisted.",
		}),
		browserCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgharvest_browser_crashes_total",
			Help: "Browser attempts that ended in an error.",
		}),
		coolDowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgharvest_cooldowns_total",
			Help: "Cool-downs triggered by sustained failures.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imgharvest_sweeps_total",
			Help: "Completed fleet sweeps.",
		}),
		tracker: newCategoryTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.categoriesStarted,
		s.categoriesCompleted,
		s.categoriesRunning,
		s.categoryRuntime,
		s.artifactsSaved,
		s.artifactBytes,
		s.browserCrashes,
		s.coolDowns,
		s.sweeps,
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
	case progress.StageCategoryStart:
		s.categoriesStarted.Inc()
		if s.tracker.start(evt.Category) {
			s.categoriesRunning.Inc()
		}
	case progress.StageCategoryDone:
		s.categoriesCompleted.WithLabelValues(evt.Outcome).Inc()
		if evt.Dur > 0 {
			s.categoryRuntime.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.Category) {
			s.categoriesRunning.Dec()
		}
	case progress.StageArtifactSaved:
		s.artifactsSaved.WithLabelValues(evt.Category).Inc()
		s.artifactBytes.Add(float64(len(evt.Body)))
	case progress.StageBrowserCrash:
		s.browserCrashes.Inc()
	case progress.StageCoolDown:
		s.coolDowns.Inc()
	case progress.StageSweepDone:
		s.sweeps.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type categoryTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newCategoryTracker() *categoryTracker {
	return &categoryTracker{running: make(map[string]struct{})}
}

func (t *categoryTracker) start(category string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[category]; ok {
		return false
	}
	t.running[category] = struct{}{}
	return true
}

func (t *categoryTracker) complete(category string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[category]; !ok {
		return false
	}
	delete(t.running, category)
	return true
}
