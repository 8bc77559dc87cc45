package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/sirupsen/logrus"

	"github.com/Anipaleja/miniwaf/internal/config"
	"github.com/Anipaleja/miniwaf/internal/scan"
)

// Collector collects and exposes metrics
type Collector struct {
	config config.MetricsConfig
	logger *logrus.Logger

	// Prometheus metrics
	registry *prometheus.Registry

	// Scan metrics
	runsTotal    *prometheus.CounterVec
	linesScanned prometheus.Counter
	candidates   prometheus.Counter
	linesSkipped *prometheus.CounterVec
	bansTotal    *prometheus.CounterVec
	rotations    prometheus.Counter
	runDuration  prometheus.Histogram
	logOffset    prometheus.Gauge
	lastRun      prometheus.Gauge
	lastRunBans  prometheus.Gauge

	// Follow-up actions
	reloads       *prometheus.CounterVec
	firewallRules *prometheus.CounterVec
	notifications *prometheus.CounterVec

	// Internal stats
	stats map[string]interface{}
	mutex sync.RWMutex
}

// NewCollector creates a new metrics collector
func NewCollector(cfg config.MetricsConfig, logger *logrus.Logger) *Collector {
	collector := &Collector{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		stats:    make(map[string]interface{}),
	}

	collector.initializeMetrics()
	collector.registerMetrics()

	return collector
}

// initializeMetrics initializes all Prometheus metrics
func (c *Collector) initializeMetrics() {
	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniwaf_scan_runs_total",
			Help: "Total number of scan passes by outcome",
		},
		[]string{"result"},
	)

	c.linesScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "miniwaf_lines_scanned_total",
			Help: "Total number of complete log lines read",
		},
	)

	c.candidates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "miniwaf_candidates_total",
			Help: "Total number of lines that yielded a client address",
		},
	)

	c.linesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniwaf_lines_skipped_total",
			Help: "Total number of candidate lines skipped, by reason",
		},
		[]string{"reason"},
	)

	c.bansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniwaf_bans_total",
			Help: "Total number of addresses appended to the deny configuration",
		},
		[]string{"format", "rule"},
	)

	c.rotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "miniwaf_log_rotations_total",
			Help: "Total number of passes that found the log shorter than the saved position",
		},
	)

	c.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "miniwaf_scan_duration_seconds",
			Help:    "Scan pass duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
	)

	c.logOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniwaf_log_offset_bytes",
			Help: "Byte offset reached by the last pass",
		},
	)

	c.lastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniwaf_last_run_timestamp_seconds",
			Help: "Unix time the last pass finished",
		},
	)

	c.lastRunBans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "miniwaf_last_run_bans",
			Help: "Number of new bans in the last pass",
		},
	)

	c.reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniwaf_nginx_reloads_total",
			Help: "Total number of nginx reload attempts by outcome",
		},
		[]string{"result"},
	)

	c.firewallRules = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniwaf_firewall_blocks_total",
			Help: "Total number of bans mirrored into the firewall by outcome",
		},
		[]string{"result"},
	)

	c.notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miniwaf_notifications_total",
			Help: "Total number of ban notifications by channel and outcome",
		},
		[]string{"channel", "result"},
	)
}

// registerMetrics registers all metrics with the registry
func (c *Collector) registerMetrics() {
	c.registry.MustRegister(c.runsTotal)
	c.registry.MustRegister(c.linesScanned)
	c.registry.MustRegister(c.candidates)
	c.registry.MustRegister(c.linesSkipped)
	c.registry.MustRegister(c.bansTotal)
	c.registry.MustRegister(c.rotations)
	c.registry.MustRegister(c.runDuration)
	c.registry.MustRegister(c.logOffset)
	c.registry.MustRegister(c.lastRun)
	c.registry.MustRegister(c.lastRunBans)
	c.registry.MustRegister(c.reloads)
	c.registry.MustRegister(c.firewallRules)
	c.registry.MustRegister(c.notifications)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordRun records a finished pass. The result may be partial or nil when
// the pass failed.
func (c *Collector) RecordRun(result *scan.Result, err error) {
	c.runsTotal.WithLabelValues(outcome(err)).Inc()
	c.lastRun.SetToCurrentTime()
	if result == nil {
		return
	}

	c.linesScanned.Add(float64(result.Lines))
	c.candidates.Add(float64(result.Candidates))
	for reason, count := range result.Skipped {
		c.linesSkipped.WithLabelValues(reason).Add(float64(count))
	}
	for _, ban := range result.Bans {
		c.bansTotal.WithLabelValues(ban.Format, ban.Rule).Inc()
	}
	if result.Rotated {
		c.rotations.Inc()
	}
	c.runDuration.Observe(result.Duration.Seconds())
	c.logOffset.Set(float64(result.EndOffset))
	c.lastRunBans.Set(float64(len(result.Bans)))

	c.UpdateStats("last_run", result.StartedAt.UTC())
	c.UpdateStats("last_offset", result.EndOffset)
	c.UpdateStats("last_stop", result.Stop)
}

func (c *Collector) RecordReload(err error) {
	c.reloads.WithLabelValues(outcome(err)).Inc()
}

func (c *Collector) RecordFirewall(applied, failed int) {
	c.firewallRules.WithLabelValues("ok").Add(float64(applied))
	c.firewallRules.WithLabelValues("error").Add(float64(failed))
}

func (c *Collector) RecordNotification(channel string, err error) {
	c.notifications.WithLabelValues(channel, outcome(err)).Inc()
}

// GetStats returns current statistics
func (c *Collector) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	// Create a copy of stats
	stats := make(map[string]interface{})
	for k, v := range c.stats {
		stats[k] = v
	}

	return stats
}

// UpdateStats updates internal statistics
func (c *Collector) UpdateStats(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats[key] = value
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Flush writes the textfile and pushes to the Pushgateway when configured.
// Batch runs call it once at exit since nothing scrapes them.
func (c *Collector) Flush(ctx context.Context) error {
	if c.config.TextfilePath != "" {
		if err := c.WriteTextfile(c.config.TextfilePath); err != nil {
			return err
		}
	}
	if c.config.Pushgateway.URL != "" {
		if err := c.Push(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WriteTextfile writes the registry in the node_exporter textfile format
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	c.logger.WithField("path", path).Debug("Wrote metrics textfile")
	return nil
}

// Push sends the registry to the configured Pushgateway
func (c *Collector) Push(ctx context.Context) error {
	job := c.config.Pushgateway.Job
	if job == "" {
		job = "miniwaf"
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := push.New(c.config.Pushgateway.URL, job).
		Gatherer(c.registry).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	c.logger.WithField("url", c.config.Pushgateway.URL).Debug("Pushed metrics")
	return nil
}

// ExportMetrics exports metrics as plain maps for the JSON status API
func (c *Collector) ExportMetrics() (map[string]interface{}, error) {
	metrics := make(map[string]interface{})

	metricFamilies, err := c.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	for _, mf := range metricFamilies {
		values := []map[string]interface{}{}
		for _, metric := range mf.GetMetric() {
			value := map[string]interface{}{}

			if len(metric.GetLabel()) > 0 {
				labels := make(map[string]string)
				for _, label := range metric.GetLabel() {
					labels[label.GetName()] = label.GetValue()
				}
				value["labels"] = labels
			}

			switch mf.GetType().String() {
			case "COUNTER":
				value["value"] = metric.GetCounter().GetValue()
			case "GAUGE":
				value["value"] = metric.GetGauge().GetValue()
			case "HISTOGRAM":
				hist := metric.GetHistogram()
				value["count"] = hist.GetSampleCount()
				value["sum"] = hist.GetSampleSum()
			}

			values = append(values, value)
		}

		metrics[mf.GetName()] = map[string]interface{}{
			"help":   mf.GetHelp(),
			"type":   mf.GetType().String(),
			"values": values,
		}
	}

	return metrics, nil
}
