/*
Package metrics defines and registers the daemon's Prometheus metrics.

All metrics use the printd_ prefix and register against the default
registry at package init. Counters and histograms are updated inline
by the dispatcher, the subscription engine, and the scheduler; the
gauge family is sampled periodically by the Collector, which walks the
job store, the destination registry, and the subscription engine every
15 seconds and resets emptied label sets back to zero.

Handler exposes the registry for scraping; the serve command mounts it
at /metrics on the metrics listener.
*/
package metrics
