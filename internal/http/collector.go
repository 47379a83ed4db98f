package http

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
)

const collectTimeout = 5 * time.Second

// StatusCollector exports the number of stored deployments per status.
// It reads the store on every scrape.
type StatusCollector struct {
	deployments Deployments
	logger      *logging.Logger

	byStatus *prometheus.Desc
	errors   *prometheus.Desc
}

// NewStatusCollector creates a collector over deployments.
func NewStatusCollector(deployments Deployments, logger *logging.Logger) *StatusCollector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &StatusCollector{
		deployments: deployments,
		logger:      logger,
		byStatus: prometheus.NewDesc(
			"autodeploy_deployments",
			"Stored deployments by status.",
			[]string{"status"}, nil,
		),
		errors: prometheus.NewDesc(
			"autodeploy_deployment_errors",
			"Errors recorded by stored deployments, by status.",
			[]string{"status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.byStatus
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	ds, err := c.deployments.List(ctx)
	if err != nil {
		c.logger.Warn(ctx, "failed to list deployments for metrics", zap.Error(err))
		ch <- prometheus.NewInvalidMetric(c.byStatus, err)
		return
	}

	errs := make(map[deployment.Status]int)
	for _, d := range ds {
		errs[d.Status] += d.ErrorCount
	}
	for status, n := range CountByStatus(ds) {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(n), string(status))
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.GaugeValue, float64(errs[status]), string(status))
	}
}
