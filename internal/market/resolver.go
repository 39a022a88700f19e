package market

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/pkg/cache"
	"github.com/betbot/perpexec/pkg/logger"
	"github.com/betbot/perpexec/pkg/ratelimit"
)

// DefaultCacheTTL 交易规则缓存时长
const DefaultCacheTTL = 5 * time.Minute

// Resolver 交易规则解析服务：经限流器加载元数据，提取规则并按 TTL 缓存。
// 其余模块只看到 domain.MarketRules，不接触交易所原始结构。
type Resolver struct {
	loader  ports.MarketMetadataLoader
	limiter *ratelimit.Limiter
	venue   string
	ttl     time.Duration
	now     func() time.Time

	cache *cache.InMemoryCache[string, *domain.MarketRules]

	// lastKnown 缓存过期且刷新失败时回退的最后一次成功结果
	mu        sync.RWMutex
	lastKnown map[string]*domain.MarketRules
}

// NewResolver 创建规则解析服务
func NewResolver(loader ports.MarketMetadataLoader, limiter *ratelimit.Limiter, venue string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		loader:    loader,
		limiter:   limiter,
		venue:     venue,
		ttl:       ttl,
		now:       time.Now,
		cache:     cache.NewInMemoryCache[string, *domain.MarketRules](ttl, 0),
		lastKnown: make(map[string]*domain.MarketRules),
	}
}

// Rules 获取 symbol 的交易规则快照
func (r *Resolver) Rules(ctx context.Context, symbol string) (*domain.MarketRules, error) {
	if rules, ok := r.cache.Get(symbol); ok {
		return rules, nil
	}

	raw, err := ratelimit.Do(ctx, r.limiter, r.venue, func(ctx context.Context) (map[string]any, error) {
		return r.loader.LoadMarketMetadata(ctx, symbol)
	})
	if err != nil {
		r.mu.RLock()
		stale, ok := r.lastKnown[symbol]
		r.mu.RUnlock()
		if ok {
			logger.WithFields(logrus.Fields{"symbol": symbol, "fetched_at": stale.FetchedAt}).
				Warnf("[market] 刷新交易规则失败，使用上一次快照: %v", err)
			return stale, nil
		}
		return nil, errors.Wrapf(err, "load market metadata %s", symbol)
	}

	rules := Extract(symbol, raw, r.now())
	if rules.Degraded() {
		logger.WithFields(logrus.Fields{"symbol": symbol, "missing": rules.MissingFields}).
			Warn("[market] 交易规则字段缺失，已使用缺省值")
	}
	r.cache.Set(symbol, rules, r.ttl)
	r.mu.Lock()
	r.lastKnown[symbol] = rules
	r.mu.Unlock()
	return rules, nil
}

// Invalidate 使 symbol 的缓存失效（下次调用重新加载）
func (r *Resolver) Invalidate(symbol string) {
	r.cache.Delete(symbol)
}
