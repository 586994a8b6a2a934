package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()

	r.Bet("alpha", "up")
	r.Bet("alpha", "up")
	r.Skip("edge")
	r.Settlement("closed", "win")
	r.Learning("mutated")
	r.Balance("alpha", 110.5)
	r.Blackout("alpha", true)
	r.ObserveSweep(120 * time.Millisecond)
	r.SweepError("model")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.bets.WithLabelValues("alpha", "up")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skips.WithLabelValues("edge")))
	assert.Equal(t, 110.5, testutil.ToFloat64(r.balance.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.blackout.WithLabelValues("alpha")))

	// a second recorder has its own registry
	assert.NotPanics(t, func() { New() })

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `polylearn_bets_total{direction="up",model="alpha"} 2`)
	assert.Contains(t, string(body), "polylearn_sweep_duration_seconds_count 1")
}
