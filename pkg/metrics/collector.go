package metrics

import (
	"time"

	"github.com/cuemby/pulsebeam/pkg/tenant"
)

// residentCounter is the part of *ratelimit.Limiter the collector reads,
// and queueSizer the part of *queue.Queue. Both of those packages import
// this one, so naming their concrete types here would be an import cycle.
type residentCounter interface{ Resident() int }

type queueSizer interface {
	Size() int
	DeadLetterSize() int
}

// Collector periodically samples the tenant store, rate limiter, and
// (agent-side) durable queue into the gauges in metrics.go, the same
// poll-and-set pattern the teacher used for its manager-backed gauges.
type Collector struct {
	store   *tenant.BoltStore // nil on an agent process
	limiter residentCounter
	queue   queueSizer // nil on a server process
	stopCh  chan struct{}
}

// NewCollector constructs a Collector. store and q may each be nil,
// since a single binary never runs both the server's tenant store and
// the agent's local queue; pass a plain nil for q, not a nil *queue.Queue.
func NewCollector(store *tenant.BoltStore, limiter residentCounter, q queueSizer) *Collector {
	return &Collector{
		store:   store,
		limiter: limiter,
		queue:   q,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTenantMetrics()
	c.collectRateLimitMetrics()
	c.collectQueueMetrics()
}

func (c *Collector) collectTenantMetrics() {
	if c.store == nil {
		return
	}
	stats, err := c.store.Stats()
	if err != nil {
		return
	}
	TenantsTotal.Set(float64(stats.Tenants))
	UsersTotal.Set(float64(stats.Users))
}

func (c *Collector) collectRateLimitMetrics() {
	if c.limiter == nil {
		return
	}
	RateLimitBucketsResident.Set(float64(c.limiter.Resident()))
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	QueueDepth.Set(float64(c.queue.Size()))
	QueueDeadLetterTotal.Set(float64(c.queue.DeadLetterSize()))
}
