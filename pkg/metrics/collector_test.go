package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalG1018/PsyCounselor/pkg/window"
)

func findFamily(t *testing.T, c *Collector, name string) *dto.MetricFamily {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func TestCollector_BufferMetrics(t *testing.T) {
	c := NewCollector("")

	c.TurnAdded(window.Stats{UtilizationRate: 50})
	c.TurnAdded(window.Stats{UtilizationRate: 100, OverBudget: true})
	c.TurnsEvicted(3)
	c.TurnsEvicted(0)
	c.Compacted(4)
	c.ActiveSessions(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.turnsAdded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.overBudget))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.turnsEvicted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compactions))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.turnsFolded))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.activeSessions))

	hist := findFamily(t, c, "counsel_context_utilization_ratio").GetMetric()[0].GetHistogram()
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 1.5, hist.GetSampleSum(), 1e-9)
}

func TestCollector_HTTPMetrics(t *testing.T) {
	c := NewCollector("test")

	c.RecordHTTPRequest("POST", "/v1/session/turn", 200, 20*time.Millisecond)
	c.RecordHTTPRequest("POST", "/v1/session/turn", 200, 30*time.Millisecond)
	c.RecordHTTPRequest("GET", "/v1/session/stats", 400, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/session/turn", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/v1/session/stats", "400")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.httpRequestDuration))

	mf := findFamily(t, c, "test_http_requests_total")
	assert.Len(t, mf.GetMetric(), 2)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("")
	c.ActiveSessions(2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "counsel_active_sessions 2"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestCollectors_AreIsolated(t *testing.T) {
	a := NewCollector("")
	b := NewCollector("")
	a.TurnsEvicted(5)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.turnsEvicted))
}
