package services

import (
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/internal/ledger"
	"github.com/betbot/perpexec/internal/market"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/risk"
	"github.com/betbot/perpexec/internal/venue"
	"github.com/betbot/perpexec/pkg/config"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

var log = logrus.WithField("component", "trading_service")

// Observer 业务结果观察者（指标导出）
type Observer interface {
	ObserveBracket(symbol string, state execution.BracketState, success bool)
	ObserveAmend(method execution.AmendMethod, success bool)
	ObserveTTL(outcome string)
}

// Option 构造选项
type Option func(*TradingService)

// WithObserver 注册结果观察者
func WithObserver(o Observer) Option {
	return func(s *TradingService) { s.observer = o }
}

// TradingService 对外暴露的全部操作。
// 每个操作先做白名单检查（早于任何网络请求），开仓类操作再检查熔断状态。
type TradingService struct {
	ex      venue.Adapter
	venue   string
	limiter *ratelimit.Limiter
	guard   *risk.Guard
	ledger  *ledger.Ledger

	rules    *market.Resolver
	ttl      *execution.TTLScheduler
	orch     *execution.Orchestrator
	amender  *execution.Amender
	noChange ports.NoChangeDetector

	observer Observer
}

// NewTradingService 组装编排、改单、TTL 与账本
func NewTradingService(cfg *config.Config, ex venue.Adapter, limiter *ratelimit.Limiter, guard *risk.Guard, led *ledger.Ledger, opts ...Option) *TradingService {
	s := &TradingService{
		ex:      ex,
		venue:   ex.Name(),
		limiter: limiter,
		guard:   guard,
		ledger:  led,
	}
	for _, opt := range opts {
		opt(s)
	}
	if d, ok := ex.(ports.NoChangeDetector); ok {
		s.noChange = d
	}

	s.rules = market.NewResolver(ex, limiter, s.venue, cfg.Rules.CacheTTL)
	s.ttl = execution.NewTTLScheduler(ex, limiter, s.venue, cfg.Execution.TTLCancelTimeout)
	s.ttl.OnOutcome(s.onTTLOutcome)
	s.orch = execution.NewOrchestrator(ex, s.rules, limiter, s.venue, s.ttl,
		execution.WithClientIDPrefix(cfg.Execution.ClientIDPrefix),
		execution.WithDedupeWindow(cfg.Execution.DedupeWindow),
		execution.WithResultHook(s.onBracketResult),
	)
	s.amender = execution.NewAmender(ex, s.rules, limiter, s.venue, cfg.Execution.ClientIDPrefix)

	log.WithFields(logrus.Fields{"venue": s.venue, "symbols": guard.Symbols()}).Info("交易服务已初始化")
	return s
}

// OrderUpdateHandler 订单推送入口（TTL 主动取消）
func (s *TradingService) OrderUpdateHandler() ports.OrderUpdateHandler {
	return OrderUpdateHandlerFunc(s.ttl.OnOrderUpdate)
}

// Limiter 共享限流器（健康检查展示）
func (s *TradingService) Limiter() *ratelimit.Limiter { return s.limiter }

// Venue 限流器中的 venue 名称
func (s *TradingService) Venue() string { return s.venue }

// Close 停止 TTL 定时器。账本与交易所连接由创建方关闭。
func (s *TradingService) Close() {
	s.ttl.Stop()
}

func (s *TradingService) onBracketResult(req execution.BracketRequest, res *execution.BracketResult) {
	s.guard.OnBracketResult(req.Symbol, res.HasKind(domain.KindRollbackFailure), res.HasKind(domain.KindVenue))
	if s.observer != nil {
		s.observer.ObserveBracket(req.Symbol, res.State, res.Success)
	}
}

func (s *TradingService) onTTLOutcome(_ execution.TTLTask, outcome string) {
	if s.observer != nil {
		s.observer.ObserveTTL(outcome)
	}
}
