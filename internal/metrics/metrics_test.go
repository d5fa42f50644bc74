package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlgrid/internal/domain"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposed(t *testing.T) {
	Dispatch{}.ObserveDispatch(domain.ActionPlace, "ack", 12*time.Millisecond)
	ObservePlan(domain.ActionPlan{Actions: []domain.Action{{Kind: domain.ActionCancel}, {Kind: domain.ActionPlace}}})
	SetPosition(domain.Position{NetSize: decimal.RequireFromString("-0.5")})
	SetHalted(true)
	SetTrackerStats(10, 2, 1, 3)
	ObserveRoundTrips(2, decimal.RequireFromString("1.5"))
	SetMargin(decimal.RequireFromString("0.25"), 1)

	body := scrape(t)
	assert.Contains(t, body, `grid_dispatch_outcomes_total{kind="place",outcome="ack"}`)
	assert.Contains(t, body, `grid_dispatch_latency_seconds_bucket{kind="place"`)
	assert.Contains(t, body, `grid_plan_actions_total{kind="cancel"}`)
	assert.Contains(t, body, "grid_net_position -0.5")
	assert.Contains(t, body, "grid_halted 1")
	assert.Contains(t, body, `grid_tracker_events{result="duplicate"} 2`)
	assert.Contains(t, body, `grid_tracker_events{result="revived"} 3`)
	assert.Contains(t, body, "grid_round_trip_profit 1.5")
	assert.Contains(t, body, "grid_margin_ratio 0.25")
	assert.Contains(t, body, "go_goroutines")
}

func TestPprofIndex(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))
	assert.Equal(t, 200, rec.Code)
}
