package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipcore/sipcore/internal/events"
)

// connectionStates are exported as one labelled gauge each, with the
// current state set to 1.
var connectionStates = []string{"IDLE", "INCOMING", "OUTGOING", "CONNECTING", "CONNECTED"}

// reloadResults are pre-seeded so every result series exists from start.
var reloadResults = []string{"applied", "unchanged", "fetch_error", "invalid", "failed"}

// SnapshotProvider exposes the phone's observable state.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (events.Snapshot, error)
}

// CallDirectionCounter returns call history counts grouped by direction.
type CallDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int, error)
}

// Collector is a prometheus.Collector that gathers SIP Core metrics at
// scrape time.
type Collector struct {
	phone     SnapshotProvider
	calls     CallDirectionCounter
	startTime time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	reloads map[string]uint64

	registeredDesc *prometheus.Desc
	stateDesc      *prometheus.Desc
	activeCallDesc *prometheus.Desc
	callsTotalDesc *prometheus.Desc
	reloadsDesc    *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates a collector. Either provider may be nil.
func NewCollector(phone SnapshotProvider, calls CallDirectionCounter, startTime time.Time, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		phone:     phone,
		calls:     calls,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),
		reloads:   make(map[string]uint64),

		registeredDesc: prometheus.NewDesc(
			"sipcore_registered",
			"Whether the identity is registered with the PBX (1=registered)",
			[]string{"extension"}, nil,
		),
		stateDesc: prometheus.NewDesc(
			"sipcore_connection_state",
			"Current call connection state (1 for the active state)",
			[]string{"state"}, nil,
		),
		activeCallDesc: prometheus.NewDesc(
			"sipcore_active_call",
			"Whether a call is in progress",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"sipcore_calls_total",
			"Total number of calls recorded in the call history",
			[]string{"direction"}, nil,
		),
		reloadsDesc: prometheus.NewDesc(
			"sipcore_reloads_total",
			"Configuration reloads by outcome",
			[]string{"result"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipcore_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
	for _, r := range reloadResults {
		c.reloads[r] = 0
	}
	return c
}

// ObserveReload counts one reload outcome.
func (c *Collector) ObserveReload(result string) {
	c.mu.Lock()
	c.reloads[result]++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredDesc
	ch <- c.stateDesc
	ch <- c.activeCallDesc
	ch <- c.callsTotalDesc
	ch <- c.reloadsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.phone != nil {
		snap, err := c.phone.Snapshot(ctx)
		if err != nil {
			c.logger.Error("failed to read phone state", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.registeredDesc, prometheus.GaugeValue,
				boolValue(snap.Registered), snap.Extension,
			)
			for _, state := range connectionStates {
				ch <- prometheus.MustNewConstMetric(
					c.stateDesc, prometheus.GaugeValue,
					boolValue(snap.State == state), state,
				)
			}
			ch <- prometheus.MustNewConstMetric(
				c.activeCallDesc, prometheus.GaugeValue,
				boolValue(snap.CallID != ""),
			)
		}
	}

	if c.calls != nil {
		counts, err := c.calls.CountByDirection(ctx)
		if err != nil {
			c.logger.Error("failed to count calls by direction", "error", err)
		} else {
			for _, dir := range []string{"inbound", "outbound"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	c.mu.Lock()
	for result, n := range c.reloads {
		ch <- prometheus.MustNewConstMetric(
			c.reloadsDesc, prometheus.CounterValue,
			float64(n), result,
		)
	}
	c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
