// Package metrics holds the registries whose state is pushed to the
// gateway: application instruments, default process/runtime metrics and
// pushoor's own push/delete outcome metrics.
package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/pushoor/internal/version"
)

const namespace = "pushoor"

// DefaultsConfig configures default process/runtime metrics.
type DefaultsConfig struct {
	// Blacklist lists metric family names excluded from pushes.
	Blacklist []string
	// Interval is how often host metrics are sampled.
	Interval time.Duration
}

// Registry combines the application registry with default metrics.
type Registry struct {
	log      logrus.FieldLogger
	app      *prometheus.Registry
	defaults *prometheus.Registry

	mu            sync.RWMutex
	blacklist     map[string]struct{}
	defaultsReady bool
	sampler       *hostSampler

	PushesTotal        *prometheus.CounterVec // result
	DeletesTotal       *prometheus.CounterVec // result
	PushDuration       prometheus.Histogram
	LastSuccessfulPush prometheus.Gauge
	SessionsStarted    prometheus.Counter
	BuildInfo          *prometheus.GaugeVec // version
}

// NewRegistry creates a Registry with pushoor's own metrics registered.
func NewRegistry(log logrus.FieldLogger) *Registry {
	r := &Registry{
		log:       log.WithField("component", "metrics"),
		app:       prometheus.NewRegistry(),
		defaults:  prometheus.NewRegistry(),
		blacklist: make(map[string]struct{}),

		PushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_total",
				Help:      "Total pushes to the pushgateway by result.",
			},
			[]string{"result"},
		),
		DeletesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deletes_total",
				Help:      "Total group deletions at the pushgateway by result.",
			},
			[]string{"result"},
		),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Time to push metrics to the pushgateway.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, // 5ms-5s
		}),
		LastSuccessfulPush: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_push_timestamp_seconds",
			Help:      "Unix time of the last successful push.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total push sessions created.",
		}),
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information, always 1.",
			},
			[]string{"version"},
		),
	}

	r.app.MustRegister(
		r.PushesTotal,
		r.DeletesTotal,
		r.PushDuration,
		r.LastSuccessfulPush,
		r.SessionsStarted,
		r.BuildInfo,
	)

	r.BuildInfo.WithLabelValues(version.Short()).Set(1)

	return r
}

// Registerer returns the registerer for application instruments.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.app
}

// Gatherer returns the gatherer pushed to the gateway. Blacklisted default
// families are dropped.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{
		r.app,
		prometheus.GathererFunc(r.gatherDefaults),
	}
}

// EnableDefaults registers the Go runtime and process collectors and
// starts sampling host metrics. Later calls replace the blacklist and
// restart the sampler when the interval changed.
func (r *Registry) EnableDefaults(cfg DefaultsConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	blacklist := make(map[string]struct{}, len(cfg.Blacklist))
	for _, name := range cfg.Blacklist {
		blacklist[name] = struct{}{}
	}

	r.blacklist = blacklist

	if !r.defaultsReady {
		sampler := newHostSampler(r.log)

		for _, c := range []prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			sampler,
		} {
			if err := r.defaults.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					return fmt.Errorf("registering default collector: %w", err)
				}
			}
		}

		r.sampler = sampler
		r.defaultsReady = true
	}

	if cfg.Interval > 0 && r.sampler.Interval() != cfg.Interval {
		r.sampler.Stop()
		r.sampler.Start(cfg.Interval)
	}

	r.log.WithFields(logrus.Fields{
		"blacklist": cfg.Blacklist,
		"interval":  cfg.Interval,
	}).Debug("Default metrics enabled")

	return nil
}

// Stop terminates background sampling.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sampler != nil {
		r.sampler.Stop()
	}
}

// ObservePush records the outcome of a push.
func (r *Registry) ObservePush(d time.Duration, err error) {
	r.PushDuration.Observe(d.Seconds())

	if err != nil {
		r.PushesTotal.WithLabelValues("error").Inc()

		return
	}

	r.PushesTotal.WithLabelValues("success").Inc()
	r.LastSuccessfulPush.SetToCurrentTime()
}

// ObserveDelete records the outcome of a delete.
func (r *Registry) ObserveDelete(err error) {
	if err != nil {
		r.DeletesTotal.WithLabelValues("error").Inc()

		return
	}

	r.DeletesTotal.WithLabelValues("success").Inc()
}

// ObserveSessionStarted counts a new session.
func (r *Registry) ObserveSessionStarted() {
	r.SessionsStarted.Inc()
}

func (r *Registry) gatherDefaults() ([]*dto.MetricFamily, error) {
	families, err := r.defaults.Gather()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.blacklist) == 0 {
		return families, err
	}

	kept := families[:0]

	for _, mf := range families {
		if _, ok := r.blacklist[mf.GetName()]; ok {
			continue
		}

		kept = append(kept, mf)
	}

	return kept, err
}
