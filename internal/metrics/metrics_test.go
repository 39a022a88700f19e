package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

func TestCollector_Observers(t *testing.T) {
	c := NewCollector()

	c.OnVenueState(ratelimit.Snapshot{Venue: "paper", Concurrency: 3, InFlight: 2, Queued: 1, MinInterval: 250 * time.Millisecond})
	assert.Equal(t, 3.0, value(c.limiterConcurrency.WithLabelValues("paper")))
	assert.Equal(t, 2.0, value(c.limiterInFlight.WithLabelValues("paper")))
	assert.Equal(t, 0.25, value(c.limiterInterval.WithLabelValues("paper")))

	placed := BracketsPlaced.Value()
	c.ObserveBracket("BTCUSDT", execution.StateDone, true)
	c.ObserveBracket("BTCUSDT", execution.StateDone, true)
	c.ObserveBracket("BTCUSDT", execution.StateRollbackFailed, false)
	assert.Equal(t, 2.0, value(c.brackets.WithLabelValues("BTCUSDT", "DONE", "true")))
	assert.Equal(t, 1.0, value(c.brackets.WithLabelValues("BTCUSDT", "ROLLBACK_FAILED", "false")))
	assert.Equal(t, placed+2, BracketsPlaced.Value())

	c.ObserveAmend(execution.MethodCancelRecreate, true)
	assert.Equal(t, 1.0, value(c.amends.WithLabelValues("cancel_recreate", "true")))

	c.ObserveTTL(execution.TTLCancelled)
	assert.Equal(t, 1.0, value(c.ttl.WithLabelValues("cancelled")))
}

func TestMux_ServesMetricsAndDebug(t *testing.T) {
	c := NewCollector()
	c.ObserveTTL(execution.TTLDismissed)
	srv := httptest.NewServer(newMux(c))
	defer srv.Close()

	body := get(t, srv.URL+"/metrics")
	assert.True(t, strings.Contains(body, `perpexec_ttl_outcomes_total{outcome="dismissed"} 1`), body)

	body = get(t, srv.URL+"/debug/vars")
	assert.Contains(t, body, "ttl_outcomes")
}

func TestStartAsync_ShutsDownWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := StartAsync(ctx, "127.0.0.1:0", NewCollector())
	require.NoError(t, err)

	get(t, "http://"+s.Addr+"/metrics")
	cancel()
	assert.Eventually(t, func() bool {
		_, err := http.Get("http://" + s.Addr + "/metrics")
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func value(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return -1
	}
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	return pb.Counter.GetValue()
}
