package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polylearn/types"
)

func TestParseDecision(t *testing.T) {
	t.Run("bet wrapped in prose", func(t *testing.T) {
		raw := []byte("Looking at the momentum {\"braces\" in text} no.\n" +
			`{"direction":"up","confidence":"high","bet_amount":12.345,"reasoning":"momentum {strong}"} done`)
		// the first object is not a decision
		_, err := ParseDecision(raw)
		require.ErrorIs(t, err, ErrInvalidDecision)

		d, err := ParseDecision([]byte(`Sure: {"direction":"up","confidence":"high","bet_amount":12.345,"reasoning":"momentum {strong}"} done`))
		require.NoError(t, err)
		bet, ok := d.(Bet)
		require.True(t, ok)
		assert.Equal(t, types.DirectionUp, bet.Direction)
		assert.Equal(t, types.ConfidenceHigh, bet.Conviction())
		assert.Equal(t, "12.35", bet.Amount.StringFixed(2))
		assert.Equal(t, "momentum {strong}", bet.Rationale())
	})

	t.Run("hold", func(t *testing.T) {
		d, err := ParseDecision([]byte(`{"direction":"hold","confidence":"medium","bet_amount":0,"reasoning":"choppy"}`))
		require.NoError(t, err)
		h, ok := d.(Hold)
		require.True(t, ok)
		assert.Equal(t, types.ConfidenceMedium, h.Confidence)
	})

	cases := map[string]string{
		"unknown field":     `{"direction":"up","confidence":"high","bet_amount":1,"reasoning":"x","extra":1}`,
		"bad direction":     `{"direction":"sideways","confidence":"high","bet_amount":1,"reasoning":"x"}`,
		"bad confidence":    `{"direction":"up","confidence":"certain","bet_amount":1,"reasoning":"x"}`,
		"negative amount":   `{"direction":"up","confidence":"high","bet_amount":-5,"reasoning":"x"}`,
		"missing reasoning": `{"direction":"up","confidence":"high","bet_amount":1}`,
		"wrong amount type": `{"direction":"up","confidence":"high","bet_amount":"ten","reasoning":"x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDecision([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidDecision)
		})
	}

	t.Run("no object", func(t *testing.T) {
		_, err := ParseDecision([]byte("I would not bet here"))
		assert.ErrorIs(t, err, ErrNoJSON)
	})
}

func TestNoop(t *testing.T) {
	d, err := Noop{}.Decide(context.Background(), Brief{})
	require.NoError(t, err)
	assert.IsType(t, Hold{}, d)
	assert.Equal(t, types.ConfidenceLow, d.Conviction())
}

func TestHTTPOracle(t *testing.T) {
	t.Run("posts brief and parses reply", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/decide", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"direction":"down","confidence":"medium","bet_amount":4,"reasoning":"fading"}`))
		}))
		defer srv.Close()

		o := NewHTTPOracle(HTTPConfig{BaseURL: srv.URL, APIKey: "secret", RatePerMin: 6000})
		d, err := o.Decide(context.Background(), Brief{ModelID: 1, MarketID: "btc-5m"})
		require.NoError(t, err)
		bet := d.(Bet)
		assert.Equal(t, types.DirectionDown, bet.Direction)
	})

	t.Run("breaker opens after repeated failures", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		o := NewHTTPOracle(HTTPConfig{BaseURL: srv.URL, RatePerMin: 6000, MaxFailures: 2, Cooldown: time.Hour})
		for i := 0; i < 2; i++ {
			_, err := o.Decide(context.Background(), Brief{})
			require.Error(t, err)
		}
		_, err := o.Decide(context.Background(), Brief{})
		assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		o := NewHTTPOracle(HTTPConfig{BaseURL: srv.URL, RatePerMin: 6000, Timeout: 20 * time.Millisecond})
		_, err := o.Decide(context.Background(), Brief{})
		assert.Error(t, err)
	})
}
