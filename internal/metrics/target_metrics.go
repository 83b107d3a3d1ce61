package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// TargetSample holds CPU and memory figures for the traced process.
type TargetSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for target resource sampling.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// TargetSampler periodically samples the traced process while capture runs.
type TargetSampler struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	last    TargetSample
	samples int
	peakRSS uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewTargetSampler creates a sampler; a zero interval defaults to one second.
func NewTargetSampler(cfg SamplerConfig, logger *slog.Logger) *TargetSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TargetSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spawntrace",
				Subsystem: "target",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the traced process.",
			}, []string{"pid"},
		),
		memoryRSS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spawntrace",
				Subsystem: "target",
				Name:      "memory_rss_bytes",
				Help:      "Resident set size of the traced process.",
			}, []string{"pid"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spawntrace",
				Subsystem: "target",
				Name:      "num_threads",
				Help:      "Number of threads of the traced process.",
			}, []string{"pid"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spawntrace",
				Subsystem: "target",
				Name:      "num_fds",
				Help:      "Number of open file descriptors of the traced process (Unix only).",
			}, []string{"pid"},
		),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *TargetSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryRSS, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid every interval until ctx is done, Stop is called or done closes.
func (s *TargetSampler) Start(ctx context.Context, pid int, done <-chan struct{}) {
	if !s.enabled || pid <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-done:
				return
			case <-ticker.C:
				sample, err := s.sample(int32(pid), time.Now())
				if err != nil {
					s.logger.Debug("target sample failed", "pid", pid, "error", err)
					continue
				}
				s.record(sample)
			}
		}
	}()
}

// Stop ends sampling; safe to call multiple times.
func (s *TargetSampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *TargetSampler) sample(pid int32, ts time.Time) (TargetSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return TargetSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return TargetSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	out := TargetSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

func (s *TargetSampler) record(sample TargetSample) {
	s.mu.Lock()
	s.last = sample
	s.samples++
	if sample.MemoryRSS > s.peakRSS {
		s.peakRSS = sample.MemoryRSS
	}
	s.mu.Unlock()

	label := fmt.Sprint(sample.PID)
	s.cpuPercent.WithLabelValues(label).Set(sample.CPUPercent)
	s.memoryRSS.WithLabelValues(label).Set(float64(sample.MemoryRSS))
	s.numThreads.WithLabelValues(label).Set(float64(sample.NumThreads))
	if sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(sample.NumFDs))
	}
}

// Last returns the most recent sample and whether any sample was taken.
func (s *TargetSampler) Last() (TargetSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.samples > 0
}

// PeakRSS returns the largest resident set size observed.
func (s *TargetSampler) PeakRSS() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peakRSS
}

// IsEnabled reports whether sampling is configured.
func (s *TargetSampler) IsEnabled() bool { return s.enabled }
