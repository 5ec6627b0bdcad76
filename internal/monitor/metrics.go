// Package monitor derives metrics and alerts from the session event stream.
package monitor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/model"
)

const namespace = "triniteam"

// Sampler returns host CPU and memory usage in percent
type Sampler func(ctx context.Context) (cpuPercent, memPercent float64, err error)

// HostSampler reads CPU and memory usage through gopsutil
func HostSampler(ctx context.Context) (float64, float64, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, 0, err
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	var c float64
	if len(cpuPercent) > 0 {
		c = cpuPercent[0]
	}
	return c, memInfo.UsedPercent, nil
}

// Metrics counts what happens in a session. Prometheus series live on a
// private registry; Snapshot returns the same counts as plain numbers.
type Metrics struct {
	logger   *zap.Logger
	interval time.Duration
	sampler  Sampler
	registry *prometheus.Registry

	tasksProcessed     *prometheus.CounterVec
	messagesSent       prometheus.Counter
	filesCreated       prometheus.Counter
	generationCalls    *prometheus.CounterVec
	generationDuration prometheus.Histogram
	errors             prometheus.Counter
	tasksByStatus      *prometheus.GaugeVec
	agentsByStatus     *prometheus.GaugeVec
	cpuPercent         prometheus.Gauge
	memoryPercent      prometheus.Gauge

	mu       sync.RWMutex
	snapshot model.SystemMetrics
	now      func() time.Time
}

// NewMetrics creates the collector. A nil sampler uses HostSampler.
func NewMetrics(interval time.Duration, sampler Sampler, logger *zap.Logger) *Metrics {
	if sampler == nil {
		sampler = HostSampler
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		logger:   logger.Named("metrics"),
		interval: interval,
		sampler:  sampler,
		registry: reg,
		now:      time.Now,
	}
	m.snapshot.StartedAt = m.now()

	m.tasksProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_processed_total",
		Help:      "Task outcomes by kind of outcome",
	}, []string{"outcome"})
	m.messagesSent = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Messages appended to the session log",
	})
	m.filesCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_created_total",
		Help:      "Artifacts written, overwrites included",
	})
	m.generationCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generation_calls_total",
		Help:      "Generation calls by agent kind and result",
	}, []string{"agent_kind", "result"})
	m.generationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Generation call latency in seconds",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	})
	m.errors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Failed generation calls",
	})
	m.tasksByStatus = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tasks",
		Help:      "Tasks in the graph by status",
	}, []string{"status"})
	m.agentsByStatus = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agents",
		Help:      "Agents by status",
	}, []string{"status"})
	m.cpuPercent = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_cpu_percent",
		Help:      "Host CPU usage",
	})
	m.memoryPercent = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "system_memory_percent",
		Help:      "Host memory usage",
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the metrics were last reset",
	}, func() float64 {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.now().Sub(m.snapshot.StartedAt).Seconds()
	})

	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Run consumes events until ctx is done or ch closes, sampling the host on
// every interval
func (m *Metrics) Run(ctx context.Context, ch <-chan events.Event) {
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			m.Handle(event)
		case <-tick:
			m.Sample(ctx)
		}
	}
}

// Handle folds one event into the counters
func (m *Metrics) Handle(event events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case events.TypeTaskCompleted:
		m.snapshot.TasksProcessed++
		m.tasksProcessed.WithLabelValues("completed").Inc()
	case events.TypeTaskFailed:
		m.tasksProcessed.WithLabelValues("failed").Inc()
	case events.TypeTaskRetried:
		m.tasksProcessed.WithLabelValues("retried").Inc()
	case events.TypeTaskTimedOut:
		m.tasksProcessed.WithLabelValues("timed_out").Inc()
	case events.TypeMessage:
		m.snapshot.MessagesSent++
		m.messagesSent.Inc()
	case events.TypeArtifactWritten:
		m.snapshot.FilesCreated++
		m.filesCreated.Inc()
	case events.TypeGenerationCall:
		m.snapshot.APICalls++
		result := "success"
		if ok, _ := event.Data["success"].(bool); !ok {
			result = "error"
		}
		kind, _ := event.Data["agent_kind"].(string)
		m.generationCalls.WithLabelValues(kind, result).Inc()
		if ms, ok := number(event.Data["duration_ms"]); ok {
			m.generationDuration.Observe(ms / 1000)
		}
	case events.TypeGenerationError:
		m.snapshot.Errors++
		m.errors.Inc()
	}
}

// ObserveStatus sets the task and agent gauges from a status report
func (m *Metrics) ObserveStatus(report model.ProjectStatusReport) {
	m.tasksByStatus.WithLabelValues(string(model.TaskStatusPending)).Set(float64(report.Tasks.Pending))
	m.tasksByStatus.WithLabelValues(string(model.TaskStatusInProgress)).Set(float64(report.Tasks.InProgress))
	m.tasksByStatus.WithLabelValues(string(model.TaskStatusCompleted)).Set(float64(report.Tasks.Completed))
	m.tasksByStatus.WithLabelValues(string(model.TaskStatusFailed)).Set(float64(report.Tasks.Failed))

	counts := map[model.AgentStatus]int{model.AgentStatusIdle: 0, model.AgentStatusWorking: 0}
	for _, a := range report.Agents {
		counts[a.Status]++
	}
	for status, n := range counts {
		m.agentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Sample reads host usage once
func (m *Metrics) Sample(ctx context.Context) {
	c, mp, err := m.sampler(ctx)
	if err != nil {
		m.logger.Warn("Failed to sample system usage", zap.Error(err))
		return
	}
	m.cpuPercent.Set(c)
	m.memoryPercent.Set(mp)

	m.mu.Lock()
	m.snapshot.System = model.SystemStats{CPUPercent: c, MemoryPercent: mp, CollectedAt: m.now()}
	m.mu.Unlock()

	m.logger.Debug("System usage sampled",
		zap.Float64("cpu_percent", c),
		zap.Float64("memory_percent", mp))
}

// Snapshot returns the current counters
func (m *Metrics) Snapshot() model.SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = m.now().Sub(s.StartedAt).Seconds()
	return s
}

// Reset zeroes the snapshot counters and restarts uptime. Prometheus
// counters stay monotonic.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = model.SystemMetrics{StartedAt: m.now(), System: m.snapshot.System}
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
