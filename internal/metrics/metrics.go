package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes sweep, ledger, learning and oracle metrics
type Recorder struct {
	reg *prometheus.Registry

	sweepDuration prometheus.Histogram
	sweepErrors   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	skips         *prometheus.CounterVec
	bets          *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	learning      *prometheus.CounterVec
	balance       *prometheus.GaugeVec
	blackout      *prometheus.GaugeVec
}

// New creates a recorder on its own registry
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "polylearn_sweep_duration_seconds",
			Help:    "Duration of a full sweep",
			Buckets: prometheus.DefBuckets,
		}),
		sweepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylearn_sweep_errors_total",
			Help: "Per-stage sweep failures, panics included",
		}, []string{"stage"}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylearn_decisions_total",
			Help: "Aggregator decisions by action and oracle outcome",
		}, []string{"action", "oracle"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylearn_skips_total",
			Help: "Bets refused by the skip gate",
		}, []string{"gate"}),
		bets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylearn_bets_total",
			Help: "Paper bets placed",
		}, []string{"model", "direction"}),
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylearn_settlements_total",
			Help: "Paper trades settled",
		}, []string{"status", "outcome"}),
		learning: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polylearn_learning_cycles_total",
			Help: "Learning cycles by result",
		}, []string{"result"}),
		balance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polylearn_paper_balance_usdc",
			Help: "Paper balance per model",
		}, []string{"model"}),
		blackout: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polylearn_model_blackout",
			Help: "1 while the model is in a loss blackout",
		}, []string{"model"}),
	}
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveSweep(d time.Duration) { r.sweepDuration.Observe(d.Seconds()) }

func (r *Recorder) SweepError(stage string) { r.sweepErrors.WithLabelValues(stage).Inc() }

func (r *Recorder) Decision(action, oracle string) { r.decisions.WithLabelValues(action, oracle).Inc() }

func (r *Recorder) Skip(gate string) { r.skips.WithLabelValues(gate).Inc() }

func (r *Recorder) Bet(model, direction string) { r.bets.WithLabelValues(model, direction).Inc() }

func (r *Recorder) Settlement(status, outcome string) {
	r.settlements.WithLabelValues(status, outcome).Inc()
}

func (r *Recorder) Learning(result string) { r.learning.WithLabelValues(result).Inc() }

func (r *Recorder) Balance(model string, usdc float64) { r.balance.WithLabelValues(model).Set(usdc) }

func (r *Recorder) Blackout(model string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	r.blackout.WithLabelValues(model).Set(v)
}
