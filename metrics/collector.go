package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jomapps/taskd/broker"
	"github.com/jomapps/taskd/router"
	"github.com/jomapps/taskd/store"
)

// scrapeTimeout bounds the store and broker reads done per scrape.
const scrapeTimeout = 5 * time.Second

// Collector exposes the durable counters and queue depths to
// Prometheus. Values are read at scrape time, so every API node
// reports the same cluster-wide numbers.
type Collector struct {
	store  store.Store
	broker broker.Broker
	router *router.Router
	logger *slog.Logger

	submitted  *prometheus.Desc
	completed  *prometheus.Desc
	failed     *prometheus.Desc
	retried    *prometheus.Desc
	cancelled  *prometheus.Desc
	running    *prometheus.Desc
	queueDepth *prometheus.Desc
}

// NewCollector builds the scrape-time collector.
func NewCollector(s store.Store, b broker.Broker, r *router.Router, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:  s,
		broker: b,
		router: r,
		logger: logger,
		submitted: prometheus.NewDesc("taskd_tasks_submitted_total",
			"Tasks accepted for dispatch.", nil, nil),
		completed: prometheus.NewDesc("taskd_tasks_completed_total",
			"Tasks that finished successfully.", nil, nil),
		failed: prometheus.NewDesc("taskd_tasks_failed_total",
			"Tasks that failed terminally.", nil, nil),
		retried: prometheus.NewDesc("taskd_tasks_retried_total",
			"Execution attempts that were requeued.", nil, nil),
		cancelled: prometheus.NewDesc("taskd_tasks_cancelled_total",
			"Tasks cancelled by clients.", nil, nil),
		running: prometheus.NewDesc("taskd_tasks_running",
			"Tasks currently executing.", nil, nil),
		queueDepth: prometheus.NewDesc("taskd_queue_depth",
			"Undelivered entries per queue.", []string{"queue"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submitted
	ch <- c.completed
	ch <- c.failed
	ch <- c.retried
	ch <- c.cancelled
	ch <- c.running
	ch <- c.queueDepth
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	counters, err := c.store.ReadCounters(ctx)
	if err != nil {
		c.logger.Warn("Metrics scrape failed to read counters", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(c.submitted, prometheus.CounterValue, float64(counters.TotalSubmitted))
		ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(counters.Completed))
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(counters.Failed))
		ch <- prometheus.MustNewConstMetric(c.retried, prometheus.CounterValue, float64(counters.Retried))
		ch <- prometheus.MustNewConstMetric(c.cancelled, prometheus.CounterValue, float64(counters.Cancelled))
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, float64(counters.CurrentlyRunning))
	}

	if c.broker == nil || c.router == nil {
		return
	}
	for _, queue := range c.router.Queues() {
		depth, err := c.broker.QueueDepth(ctx, queue)
		if err != nil {
			c.logger.Debug("Queue depth unavailable", "queue", queue, "error", err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(depth), queue)
	}
}
