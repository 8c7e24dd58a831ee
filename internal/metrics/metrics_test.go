//go:build unit

package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/cvex/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStep(t *testing.T) {
	m := metrics.New()

	m.ObserveStep("victim", "network", time.Now(), nil)
	m.ObserveStep("victim", "network", time.Now(), errors.New("boom"))
	m.ObserveStep("victim", "hosts", time.Now(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteOperations.WithLabelValues("victim", "network", metrics.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteOperations.WithLabelValues("victim", "network", metrics.OutcomeFailure)))

	families, err := m.Registry.Gather()
	require.NoError(t, err)

	var durations *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "cvex_step_duration_seconds" {
			durations = f
		}
	}
	require.NotNil(t, durations)
	assert.Len(t, durations.GetMetric(), 2)
}

func TestNewServer(t *testing.T) {
	m := metrics.New()
	m.HostsEntries.WithLabelValues("victim").Add(2)

	srv := m.NewServer(9090, "")
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cvex_hosts_entries_appended_total{guest="victim"} 2`)
}
