package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second register is a no-op")

	IncStart("api")
	IncStart("api")
	IncStop("api", true)
	IncExit("api", 2)
	IncLogLine("api", "error")
	IncBuild("api", false)
	RecordStateTransition("api", "idle", "running")
	SetSlotCount(3)

	assert.Equal(t, 2.0, value(t, slotStarts.WithLabelValues("api")))
	assert.Equal(t, 1.0, value(t, slotKills.WithLabelValues("api")))
	assert.Equal(t, 1.0, value(t, slotExits.WithLabelValues("api", "error")))
	assert.Equal(t, 1.0, value(t, buildRuns.WithLabelValues("api", "failed")))
	assert.Equal(t, 3.0, value(t, configuredSlots))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, n := range []string{
		"svcmon_slot_starts_total",
		"svcmon_slot_exits_total",
		"svcmon_log_lines_total",
		"svcmon_build_runs_total",
		"svcmon_supervisor_slots",
	} {
		assert.True(t, names[n], "missing %s", n)
	}
}

func TestExitOutcome(t *testing.T) {
	assert.Equal(t, "ok", exitOutcome(0))
	assert.Equal(t, "error", exitOutcome(1))
	assert.Equal(t, "signal", exitOutcome(-1))
	assert.Equal(t, "signal", exitOutcome(137))
	assert.Equal(t, "error", exitOutcome(255))
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "svcmon_slot_starts_total"))
}
