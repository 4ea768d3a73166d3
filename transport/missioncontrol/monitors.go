package missioncontrol

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/oneagent/transportcore/server"
)

// Built-in channel names.
const (
	ChannelHealthDelta  = "health_delta"
	ChannelMetricsTick  = "metrics_tick"
	ChannelMissionStats = "mission_stats"
)

// MetricsSource supplies the metrics_tick payload.
type MetricsSource interface {
	Snapshot() map[string]interface{}
}

// Monitor registers the built-in channels and publishes their periodic
// payloads. It is skipped entirely when auto monitoring is disabled.
type Monitor struct {
	subs     *SubscriptionManager
	missions *Executor
	metrics  MetricsSource
	clock    server.Clock
	logger   *slog.Logger
	interval time.Duration
	started  time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMonitor(subs *SubscriptionManager, missions *Executor, metrics MetricsSource, clock server.Clock, logger *slog.Logger, interval time.Duration) *Monitor {
	if clock == nil {
		clock = server.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		subs:     subs,
		missions: missions,
		metrics:  metrics,
		clock:    clock,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Register adds the built-in channels to the registry.
func (m *Monitor) Register(registry *Registry) error {
	for _, name := range []string{ChannelHealthDelta, ChannelMetricsTick, ChannelMissionStats} {
		if err := registry.Register(&Channel{Name: name}); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the publish ticker.
func (m *Monitor) Start() {
	m.started = m.clock.Now()
	go m.loop()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.subs.Publish(ChannelHealthDelta, map[string]interface{}{
		"uptimeSeconds": int64(m.clock.Now().Sub(m.started).Seconds()),
		"goroutines":    runtime.NumGoroutine(),
	})

	if m.metrics != nil {
		m.subs.Publish(ChannelMetricsTick, m.metrics.Snapshot())
	}

	counts := m.missions.Counts()
	m.subs.Publish(ChannelMissionStats, map[string]interface{}{
		"pending":   counts[MissionPending],
		"running":   counts[MissionRunning],
		"completed": counts[MissionCompleted],
		"failed":    counts[MissionFailed],
		"canceled":  counts[MissionCanceled],
	})
}
