package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarkerSource reports how many markers each category holds
type MarkerSource interface {
	CountByCategory(ctx context.Context) (map[string]int, error)
}

// Collector reports marker counts at scrape time
type Collector struct {
	source  MarkerSource
	timeout time.Duration

	markers     *prometheus.Desc
	scrapeError *prometheus.Desc
}

// NewCollector creates a Collector over source
func NewCollector(source MarkerSource) *Collector {
	return &Collector{
		source:  source,
		timeout: 10 * time.Second,

		markers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tracker", "markers"),
			"Markers currently stored, by category",
			[]string{"category"},
			nil,
		),
		scrapeError: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tracker", "scrape_error"),
			"Whether the last marker count failed (1=yes, 0=no)",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.markers
	ch <- c.scrapeError
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.source.CountByCategory(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 0)

	for category, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.markers,
			prometheus.GaugeValue,
			float64(n),
			category,
		)
	}
}
