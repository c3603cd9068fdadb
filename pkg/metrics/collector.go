package metrics

import "time"

// StatsSource is the subset of agent state the Collector samples on each
// tick. pkg/dispatcher's Dispatcher satisfies it trivially; tests can supply
// a fake.
type StatsSource interface {
	ActiveWorkerCount() int
}

// Collector periodically samples gauge-shaped agent state into the
// package's Prometheus metrics. Counters and histograms are updated inline
// by their owning packages instead; the Collector only exists for state
// that has to be polled.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector constructs a Collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins sampling every interval until Stop is called. A non-positive
// interval defaults to 15 seconds.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
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

// Stop halts sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ActiveWorkers.Set(float64(c.source.ActiveWorkerCount()))
}
