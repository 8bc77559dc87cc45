package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Anipaleja/miniwaf/internal/config"
	"github.com/Anipaleja/miniwaf/internal/denylist"
	"github.com/Anipaleja/miniwaf/internal/scan"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleResult() *scan.Result {
	return &scan.Result{
		EndOffset:  4096,
		Rotated:    true,
		Stop:       "end_of_data",
		Lines:      10,
		Candidates: 4,
		Skipped:    map[string]int{scan.SkipDenied: 1, scan.SkipNoMatch: 1},
		Bans: []denylist.Record{
			{IP: "10.0.0.5", Rule: ".env", Format: "error"},
			{IP: "10.0.0.6", Rule: ".env", Format: "error"},
		},
		StartedAt: time.Now(),
		Duration:  20 * time.Millisecond,
	}
}

func TestRecordRun(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, testLogger())

	c.RecordRun(sampleResult(), nil)
	c.RecordRun(nil, errors.New("read failed"))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.runsTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.runsTotal.WithLabelValues("error")))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.linesScanned))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.candidates))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.linesSkipped.WithLabelValues(scan.SkipDenied)))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.bansTotal.WithLabelValues("error", ".env")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.rotations))
	assert.Equal(t, float64(4096), testutil.ToFloat64(c.logOffset))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.lastRunBans))

	stats := c.GetStats()
	assert.Equal(t, int64(4096), stats["last_offset"])
}

func TestRecordFollowUps(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, testLogger())

	c.RecordReload(nil)
	c.RecordFirewall(2, 1)
	c.RecordNotification("slack", errors.New("timeout"))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.reloads.WithLabelValues("ok")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.firewallRules.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.firewallRules.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.notifications.WithLabelValues("slack", "error")))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, testLogger())
	c.RecordRun(sampleResult(), nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "miniwaf_lines_scanned_total 10")
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "miniwaf.prom")
	c := NewCollector(config.MetricsConfig{TextfilePath: path}, testLogger())
	c.RecordRun(sampleResult(), nil)

	require.NoError(t, c.Flush(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "miniwaf_scan_runs_total{result=\"ok\"} 1")
}

func TestPush(t *testing.T) {
	var method, path string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	c := NewCollector(config.MetricsConfig{Pushgateway: config.PushgatewayConfig{URL: gateway.URL, Job: "miniwaf"}}, testLogger())
	c.RecordRun(sampleResult(), nil)

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasSuffix(path, "/metrics/job/miniwaf"), path)
}

func TestExportMetrics(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, testLogger())
	c.RecordRun(sampleResult(), nil)

	exported, err := c.ExportMetrics()
	require.NoError(t, err)

	family, ok := exported["miniwaf_lines_scanned_total"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "COUNTER", family["type"])
}
