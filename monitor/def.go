package monitor

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

type Config struct {
	Port int `yaml:"port" json:"port"`
	// Interval between process samples.
	Interval time.Duration `yaml:"interval" json:"interval"`
}

func DefaultConfig() Config {
	return Config{Port: 5001, Interval: 500 * time.Millisecond}
}

func (c *Config) Validate() []string {
	var problems []string
	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, "monitor.port must be between 0 and 65535")
	}
	if c.Interval <= 0 {
		problems = append(problems, "monitor.interval must be positive")
	}
	return problems
}

// Metrics owns a private registry. It implements stream.Observer.
type Metrics struct {
	registry *prometheus.Registry
	proc     *process.Process

	memUsage   prometheus.Gauge
	cpuUsage   prometheus.Gauge
	frames     *prometheus.CounterVec
	failures   *prometheus.CounterVec
	active     prometheus.Gauge
	inference  prometheus.Histogram
	GRPCTotal  *prometheus.CounterVec
	heartbeats *prometheus.CounterVec
}

// NewMetrics registers every collector. viewers reports the current number
// of stream subscribers and may be nil.
func NewMetrics(viewers func() int) (*Metrics, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "inspect own process")
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proc:     proc,
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picam_frames_total",
			Help: "Frames published to viewers, by kind",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picam_frame_failures_total",
			Help: "Skipped stream iterations, by pipeline stage",
		}, []string{"stage"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "picam_stream_active",
			Help: "1 while the camera is streaming, 0 while serving the placeholder",
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "picam_inference_seconds",
			Help:    "Time spent in the inference stage per frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		GRPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests processed",
		}, []string{"method"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picam_registry_heartbeats_total",
			Help: "Registry heartbeats sent, by result",
		}, []string{"result"}),
	}
	collectors := []prometheus.Collector{
		m.memUsage, m.cpuUsage, m.frames, m.failures, m.active, m.inference, m.GRPCTotal, m.heartbeats,
	}
	if viewers != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "picam_viewers",
			Help: "Current stream subscribers",
		}, func() float64 { return float64(viewers()) }))
	}
	if err := registerAll(m.registry, collectors...); err != nil {
		return nil, err
	}
	return m, nil
}

func registerAll(reg *prometheus.Registry, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return errors.Wrap(err, "register collector")
		}
	}
	return nil
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CheckProcessInfo samples RSS and CPU of this process.
func (m *Metrics) CheckProcessInfo() {
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func (m *Metrics) ObserveFrame(placeholder bool) {
	if placeholder {
		m.frames.WithLabelValues("placeholder").Inc()
		return
	}
	m.frames.WithLabelValues("camera").Inc()
}

func (m *Metrics) ObserveFailure(stage string) {
	m.failures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveState(active bool) {
	if active {
		m.active.Set(1)
		return
	}
	m.active.Set(0)
}

func (m *Metrics) ObserveInference(d time.Duration) {
	m.inference.Observe(d.Seconds())
}

func (m *Metrics) ObserveGRPC(method string) {
	m.GRPCTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveHeartbeat(ok bool) {
	if ok {
		m.heartbeats.WithLabelValues("ok").Inc()
		return
	}
	m.heartbeats.WithLabelValues("error").Inc()
}

// StartMon serves /metrics on port and samples the process every interval
// until ctx is done.
func (m *Metrics) StartMon(ctx context.Context, port int, interval time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.Int("port", port))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
