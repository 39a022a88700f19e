package metrics

import (
	"expvar"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

// expvar 计数器（/debug/vars，进程内累计）
var (
	BracketsPlaced  = expvar.NewInt("brackets_placed")
	BracketFailures = expvar.NewInt("bracket_failures")
	AmendsTotal     = expvar.NewInt("amends_total")
	TTLOutcomes     = expvar.NewMap("ttl_outcomes")
)

// Collector Prometheus 指标：限流器状态与下单结果。
// 同时实现 ratelimit.Observer 与 services.Observer。
type Collector struct {
	reg *prometheus.Registry

	limiterConcurrency *prometheus.GaugeVec
	limiterInFlight    *prometheus.GaugeVec
	limiterQueued      *prometheus.GaugeVec
	limiterErrors      *prometheus.GaugeVec
	limiterInterval    *prometheus.GaugeVec

	brackets *prometheus.CounterVec
	amends   *prometheus.CounterVec
	ttl      *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		limiterConcurrency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpexec_limiter_concurrency",
			Help: "Current adaptive concurrency limit per venue",
		}, []string{"venue"}),
		limiterInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpexec_limiter_in_flight",
			Help: "Requests currently executing per venue",
		}, []string{"venue"}),
		limiterQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpexec_limiter_queued",
			Help: "Requests waiting for a slot per venue",
		}, []string{"venue"}),
		limiterErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpexec_limiter_consecutive_errors",
			Help: "Consecutive rate-limit errors per venue",
		}, []string{"venue"}),
		limiterInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpexec_limiter_min_interval_seconds",
			Help: "Current minimum spacing between requests per venue",
		}, []string{"venue"}),
		brackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpexec_brackets_total",
			Help: "Bracket placements by final state",
		}, []string{"symbol", "state", "success"}),
		amends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpexec_amends_total",
			Help: "Order amendments by method",
		}, []string{"method", "success"}),
		ttl: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpexec_ttl_outcomes_total",
			Help: "Entry TTL checks by outcome",
		}, []string{"outcome"}),
	}
	c.reg.MustRegister(
		c.limiterConcurrency, c.limiterInFlight, c.limiterQueued, c.limiterErrors, c.limiterInterval,
		c.brackets, c.amends, c.ttl,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 供 /metrics 与测试读取
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// OnVenueState 实现 ratelimit.Observer
func (c *Collector) OnVenueState(s ratelimit.Snapshot) {
	c.limiterConcurrency.WithLabelValues(s.Venue).Set(float64(s.Concurrency))
	c.limiterInFlight.WithLabelValues(s.Venue).Set(float64(s.InFlight))
	c.limiterQueued.WithLabelValues(s.Venue).Set(float64(s.Queued))
	c.limiterErrors.WithLabelValues(s.Venue).Set(float64(s.ConsecutiveErrors))
	c.limiterInterval.WithLabelValues(s.Venue).Set(s.MinInterval.Seconds())
}

func (c *Collector) ObserveBracket(symbol string, state execution.BracketState, success bool) {
	c.brackets.WithLabelValues(symbol, string(state), strconv.FormatBool(success)).Inc()
	if success {
		BracketsPlaced.Add(1)
	} else {
		BracketFailures.Add(1)
	}
}

func (c *Collector) ObserveAmend(method execution.AmendMethod, success bool) {
	c.amends.WithLabelValues(string(method), strconv.FormatBool(success)).Inc()
	AmendsTotal.Add(1)
}

func (c *Collector) ObserveTTL(outcome string) {
	c.ttl.WithLabelValues(outcome).Inc()
	TTLOutcomes.Add(outcome, 1)
}
