package metrics

import (
	"time"

	"github.com/openspool/printd/pkg/jobs"
	"github.com/openspool/printd/pkg/notify"
	"github.com/openspool/printd/pkg/printers"
	"github.com/openspool/printd/pkg/types"
)

var jobStateNames = map[types.JobState]string{
	types.JobPending:    "pending",
	types.JobHeld:       "held",
	types.JobProcessing: "processing",
	types.JobStopped:    "stopped",
	types.JobCanceled:   "canceled",
	types.JobAborted:    "aborted",
	types.JobCompleted:  "completed",
}

var printerStateNames = map[types.PrinterState]string{
	types.PrinterIdle:       "idle",
	types.PrinterProcessing: "processing",
	types.PrinterStopped:    "stopped",
}

// Collector samples the engines into the gauge metrics
type Collector struct {
	jobs     *jobs.Store
	printers *printers.Registry
	subs     *notify.Engine
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(js *jobs.Store, reg *printers.Registry, subs *notify.Engine) *Collector {
	return &Collector{
		jobs:     js,
		printers: reg,
		subs:     subs,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectPrinterMetrics()
	c.collectSubscriptionMetrics()
}

func (c *Collector) collectJobMetrics() {
	all := c.jobs.List(jobs.Filter{Which: "all"})

	counts := make(map[types.JobState]int)
	for _, j := range all {
		counts[j.State]++
	}

	// Walk the known states so emptied ones drop back to zero.
	for state, name := range jobStateNames {
		JobsTotal.WithLabelValues(name).Set(float64(counts[state]))
	}

	QueuedJobs.Reset()
	for _, p := range c.printers.List() {
		QueuedJobs.WithLabelValues(p.Name).Set(float64(c.jobs.ActiveCount(p.Name, "")))
	}
}

func (c *Collector) collectPrinterMetrics() {
	counts := make(map[types.PrinterState]int)
	for _, p := range c.printers.List() {
		counts[p.State]++
	}

	for state, name := range printerStateNames {
		PrintersTotal.WithLabelValues(name).Set(float64(counts[state]))
	}
}

func (c *Collector) collectSubscriptionMetrics() {
	SubscriptionsTotal.Set(float64(c.subs.Count()))
}
