package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// hostSampler periodically samples host CPU and memory usage and exposes
// the last sample as gauges.
type hostSampler struct {
	log logrus.FieldLogger

	cpuPercent  prometheus.Gauge
	memUsed     prometheus.Gauge
	memTotal    prometheus.Gauge
	memUsedPct  prometheus.Gauge
	sampleError prometheus.Counter

	mu       sync.Mutex
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
}

var _ prometheus.Collector = (*hostSampler)(nil)

func newHostSampler(log logrus.FieldLogger) *hostSampler {
	return &hostSampler{
		log: log.WithField("component", "host_sampler"),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "host",
			Name:      "cpu_usage_percent",
			Help:      "Host CPU utilization over the last sampling interval.",
		}),
		memUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "host",
			Name:      "memory_used_bytes",
			Help:      "Host memory in use.",
		}),
		memTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "host",
			Name:      "memory_total_bytes",
			Help:      "Total host memory.",
		}),
		memUsedPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "host",
			Name:      "memory_used_percent",
			Help:      "Host memory in use as a percentage.",
		}),
		sampleError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "host",
			Name:      "sample_errors_total",
			Help:      "Total failed host metric samples.",
		}),
	}
}

func (s *hostSampler) Describe(ch chan<- *prometheus.Desc) {
	s.cpuPercent.Describe(ch)
	s.memUsed.Describe(ch)
	s.memTotal.Describe(ch)
	s.memUsedPct.Describe(ch)
	s.sampleError.Describe(ch)
}

func (s *hostSampler) Collect(ch chan<- prometheus.Metric) {
	s.cpuPercent.Collect(ch)
	s.memUsed.Collect(ch)
	s.memTotal.Collect(ch)
	s.memUsedPct.Collect(ch)
	s.sampleError.Collect(ch)
}

// Interval returns the active sampling interval, zero when stopped.
func (s *hostSampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.interval
}

// Start samples once and then every interval until Stop.
func (s *hostSampler) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	s.interval = interval
	s.stop = make(chan struct{})

	s.sample()

	s.wg.Add(1)

	go s.run(interval, s.stop)
}

// Stop halts sampling. Safe to call when not started.
func (s *hostSampler) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.interval = 0
	s.mu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	s.wg.Wait()
}

func (s *hostSampler) run(interval time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *hostSampler) sample() {
	// Percent with a zero interval compares against the previous call.
	if pct, err := cpu.Percent(0, false); err != nil {
		s.sampleError.Inc()
		s.log.WithError(err).Debug("Failed to sample CPU usage")
	} else if len(pct) > 0 {
		s.cpuPercent.Set(pct[0])
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		s.sampleError.Inc()
		s.log.WithError(err).Debug("Failed to sample memory usage")

		return
	}

	s.memUsed.Set(float64(vm.Used))
	s.memTotal.Set(float64(vm.Total))
	s.memUsedPct.Set(vm.UsedPercent)
}
