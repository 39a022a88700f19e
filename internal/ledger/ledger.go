package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
)

var ledgerLog = logrus.WithField("component", "ledger")

// Ledger 记录交易计划并按需计算模板统计（带派生表缓存）
type Ledger struct {
	store *Store
	cache *StatsCache
	now   func() time.Time

	// listed 在读取记录之后、写缓存之前调用（测试用）
	listed func()
}

// New 组合记录存储与统计缓存；cache 可为 nil（不缓存）
func New(store *Store, cache *StatsCache) *Ledger {
	return &Ledger{store: store, cache: cache, now: time.Now}
}

// Close 关闭底层存储
func (l *Ledger) Close() error {
	var first error
	if err := l.cache.Close(); err != nil {
		first = err
	}
	if err := l.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// LogTradePlan 创建或合并交易计划，并使匹配的统计缓存失效
func (l *Ledger) LogTradePlan(ctx context.Context, in *domain.TradePlanSnapshot) (LogResult, error) {
	var prev *domain.TradePlanSnapshot
	if in != nil && in.PlanID != "" {
		p, err := l.store.Get(ctx, in.PlanID)
		if err != nil && !errors.Is(err, ErrPlanNotFound) {
			return LogResult{}, err
		}
		prev = p
	}

	merged, res, err := l.store.Log(ctx, in)
	if err != nil {
		return LogResult{}, err
	}

	if l.cache != nil {
		n, err := l.cache.InvalidateFor(merged)
		// 维度被改写时，旧维度上的缓存也要失效
		if err == nil && prev != nil && (prev.TemplateID != merged.TemplateID || prev.Session != merged.Session ||
			prev.VolatilityRegime != merged.VolatilityRegime || prev.Symbol != merged.Symbol) {
			var m int
			m, err = l.cache.InvalidateFor(prev)
			n += m
		}
		if err != nil {
			ledgerLog.WithField("plan_id", merged.PlanID).Warnf("统计缓存失效失败: %v", err)
		} else if n > 0 {
			ledgerLog.WithFields(logrus.Fields{"plan_id": merged.PlanID, "invalidated": n}).Debug("统计缓存已失效")
		}
	}

	ledgerLog.WithFields(logrus.Fields{
		"plan_id": res.PlanID, "template_id": merged.TemplateID, "created": res.Created, "outcome": merged.Outcome.Status,
	}).Info("交易计划已记录")
	return res, nil
}

// GetTradePlan 读取一条交易计划
func (l *Ledger) GetTradePlan(ctx context.Context, planID string) (*domain.TradePlanSnapshot, error) {
	return l.store.Get(ctx, planID)
}

// TemplateStats 读取（或计算并缓存）模板统计
func (l *Ledger) TemplateStats(ctx context.Context, f domain.StatsFilter) (*domain.TemplateStats, error) {
	if f.TemplateID == "" {
		return nil, domain.Errorf(domain.KindValidationFailed, "template stats", f.Symbol, "template_id required")
	}
	var gen uint64
	if l.cache != nil {
		gen = l.cache.Generation(f.TemplateID)
		st, ok, err := l.cache.Get(f)
		if err != nil {
			ledgerLog.WithField("template_id", f.TemplateID).Warnf("读取统计缓存失败: %v", err)
		} else if ok {
			return st, nil
		}
	}

	plans, err := l.store.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list trade plans")
	}
	if l.listed != nil {
		l.listed()
	}
	st := ComputeStats(f, plans, l.now().UTC())
	if l.cache != nil {
		stored, err := l.cache.PutIfCurrent(st, gen)
		if err != nil {
			ledgerLog.WithField("template_id", f.TemplateID).Warnf("写入统计缓存失败: %v", err)
		} else if !stored {
			ledgerLog.WithField("template_id", f.TemplateID).Debug("计算期间有匹配写入，统计不缓存")
		}
	}
	return st, nil
}
