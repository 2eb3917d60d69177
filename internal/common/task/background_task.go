package task

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type task struct {
	function func(ctx context.Context)
	interval time.Duration
	name     string
	latency  prometheus.Histogram
}

// BackgroundTaskManager runs functions periodically until its context is cancelled.
// Register must not be called concurrently with Run.
type BackgroundTaskManager struct {
	tasks   []*task
	factory promauto.Factory
	prefix  string
}

func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		factory: promauto.With(registerer),
		prefix:  metricsPrefix,
	}
}

// Register adds a task that runs immediately when Run starts and then every interval.
func (m *BackgroundTaskManager) Register(function func(ctx context.Context), interval time.Duration, name string) {
	m.tasks = append(m.tasks, &task{
		function: function,
		interval: interval,
		name:     name,
		latency: m.factory.NewHistogram(prometheus.HistogramOpts{
			Name:    m.prefix + name + "_latency_seconds",
			Help:    "Background loop " + name + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
	})
}

// Run blocks until ctx is cancelled and every task has finished its current iteration.
func (m *BackgroundTaskManager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range m.tasks {
		t := t
		g.Go(func() error {
			log.WithField("task", t.name).Infof("starting, running every %s", t.interval)
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				start := time.Now()
				t.function(ctx)
				t.latency.Observe(time.Since(start).Seconds())
				select {
				case <-ctx.Done():
					log.WithField("task", t.name).Info("stopped")
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}
