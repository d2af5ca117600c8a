package main

import (
	"context"
	"time"

	"github.com/cuemby/fleetctl/pkg/directory"
	"github.com/cuemby/fleetctl/pkg/metrics"
	"github.com/cuemby/fleetctl/pkg/provider"
	"github.com/cuemby/fleetctl/pkg/session"
	"github.com/cuemby/fleetctl/pkg/types"
)

// metricsCollector periodically samples the VM Directory and the Session
// Broker and republishes their counts as gauges.
type metricsCollector struct {
	client        provider.ProviderClient
	broker        *session.Broker
	resourceGroup string
	interval      time.Duration
	stopCh        chan struct{}
}

// newMetricsCollector returns a metricsCollector that polls client for VM
// inventory and broker for session counts every interval (default 15s if
// zero).
func newMetricsCollector(client provider.ProviderClient, broker *session.Broker, resourceGroup string, interval time.Duration) *metricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &metricsCollector{
		client:        client,
		broker:        broker,
		resourceGroup: resourceGroup,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins collecting metrics on a ticker until Stop is called.
func (c *metricsCollector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's background ticker.
func (c *metricsCollector) Stop() {
	close(c.stopCh)
}

func (c *metricsCollector) collect() {
	c.collectVMMetrics()
	c.collectSessionMetrics()
}

func (c *metricsCollector) collectVMMetrics() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := directory.New(c.client).List(ctx, c.resourceGroup, true)
	if err != nil {
		return
	}

	counts := make(map[types.PowerState]int)
	for _, r := range records {
		counts[r.PowerState]++
	}

	states := []types.PowerState{
		types.PowerStateStarting, types.PowerStateRunning, types.PowerStateStopping,
		types.PowerStateStopped, types.PowerStateDeallocated, types.PowerStateUnknown,
	}
	for _, st := range states {
		metrics.VMsTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (c *metricsCollector) collectSessionMetrics() {
	if c.broker == nil {
		return
	}

	sessions, err := c.broker.List(nil)
	if err != nil {
		return
	}

	counts := make(map[types.SessionStatus]int)
	for _, s := range sessions {
		counts[s.Status]++
	}

	statuses := []types.SessionStatus{
		types.SessionPending, types.SessionRunning,
		types.SessionCompleted, types.SessionFailed, types.SessionKilled,
	}
	for _, st := range statuses {
		metrics.SessionsTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
