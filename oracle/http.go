package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the HTTP oracle
type HTTPConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RatePerMin  int
	MaxFailures uint32
	Cooldown    time.Duration
}

// HTTPOracle posts a brief to an external decision service
type HTTPOracle struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

// NewHTTPOracle creates an HTTP-backed oracle
func NewHTTPOracle(cfg HTTPConfig) *HTTPOracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 30
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	st := gobreaker.Settings{Name: "oracle", Timeout: cfg.Cooldown}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.MaxFailures
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("🛡️ Oracle breaker state change")
	}

	return &HTTPOracle{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), 1),
		timeout: cfg.Timeout,
	}
}

func (o *HTTPOracle) Name() string { return "http" }

// Decide posts the brief and parses the reply within the configured timeout
func (o *HTTPOracle) Decide(ctx context.Context, brief Brief) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle rate limit: %w", err)
	}

	body, err := o.breaker.Execute(func() (interface{}, error) {
		resp, err := o.client.R().
			SetContext(ctx).
			SetBody(brief).
			Post("/decide")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("oracle status %d", resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}

	return ParseDecision(body.([]byte))
}
