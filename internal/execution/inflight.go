package execution

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateInFlight 表示同一 key 的请求仍在 in-flight（或在 TTL 窗口内）。
// 用于防止调用方重试导致同一个 bracket 被重复下单。
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// InFlightDeduper 提供“短时间窗口内的确定性去重”。
//
// 不允许误判（误跳过下单的代价高于一次重复检查），
// 因此用分片 map + 短 TTL，过期项惰性清理。
type InFlightDeduper struct {
	ttl    time.Duration
	now    func() time.Time
	shards []inFlightShard
}

type inFlightShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

// NewInFlightDeduper 创建去重器。
// ttl 建议覆盖一次 bracket 下单的典型耗时（默认 10s）。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]inFlightShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, now: time.Now, shards: shards}
}

// TryAcquire 尝试获取 key 的 in-flight 令牌。
// - 成功返回 nil
// - 失败返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// 惰性清理：仅清理本 shard 中过期项
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}

	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateInFlight
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放 key（允许更快再次进入）。
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key string) *inFlightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32() % uint32(len(d.shards)))
	return &d.shards[idx]
}

// bracketKey 同品种、同方向、同入场价与数量、同止损与止盈的请求视为同一 bracket
func bracketKey(req BracketRequest) string {
	parts := []string{
		req.Symbol, string(req.Side), req.EntryPrice.String(), req.Qty.String(), req.StopPrice.String(),
	}
	for _, tp := range req.TakeProfits {
		q := ""
		switch {
		case tp.Qty != nil:
			q = "q" + tp.Qty.String()
		case tp.Percent != nil:
			q = "p" + tp.Percent.String()
		}
		parts = append(parts, fmt.Sprintf("%s@%s", q, tp.Price))
	}
	return strings.Join(parts, "|")
}
