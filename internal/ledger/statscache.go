package ledger

import (
	"encoding/json"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
)

var hundred = decimal.NewFromInt(100)

const statsKeyPrefix = "stats\x00"

// StatsCache 模板统计的派生表：按完整过滤元组存储，匹配的写入发生时失效。
// 每个模板有一个代数，失效时递增；计算期间代数变化的结果不再写入。
type StatsCache struct {
	db *badger.DB

	mu   sync.Mutex
	gens map[string]uint64
}

// OpenStatsCache path 为空时使用内存模式
func OpenStatsCache(path string) (*StatsCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if strings.TrimSpace(path) == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open stats cache")
	}
	return &StatsCache{db: db, gens: make(map[string]uint64)}, nil
}

// Close 关闭
func (c *StatsCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func statsKey(f domain.StatsFilter) []byte {
	return []byte(statsKeyPrefix + strings.Join([]string{f.TemplateID, f.Session, f.Regime, f.Symbol}, "\x00"))
}

func parseStatsKey(k []byte) (domain.StatsFilter, bool) {
	parts := strings.Split(strings.TrimPrefix(string(k), statsKeyPrefix), "\x00")
	if len(parts) != 4 {
		return domain.StatsFilter{}, false
	}
	return domain.StatsFilter{TemplateID: parts[0], Session: parts[1], Regime: parts[2], Symbol: parts[3]}, true
}

// Get 读取缓存；未命中返回 (nil, false, nil)
func (c *StatsCache) Get(f domain.StatsFilter) (*domain.TemplateStats, bool, error) {
	var out *domain.TemplateStats
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statsKey(f))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var st domain.TemplateStats
			if err := json.Unmarshal(val, &st); err != nil {
				return err
			}
			out = &st
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Generation 当前模板代数；在读取记录之前取得，传给 PutIfCurrent
func (c *StatsCache) Generation(templateID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[templateID]
}

// PutIfCurrent 仅当模板代数仍为 gen 时写入；期间发生过失效则丢弃并返回 false
func (c *StatsCache) PutIfCurrent(st *domain.TemplateStats, gen uint64) (bool, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[st.Filters.TemplateID] != gen {
		return false, nil
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(statsKey(st.Filters), b)
	})
	return err == nil, err
}

// InvalidateFor 删除所有会包含该记录的缓存项：同模板，且各维度为空或与记录相等。
// 返回删除数量。
func (c *StatsCache) InvalidateFor(p *domain.TradePlanSnapshot) (int, error) {
	// 先递增代数再扫描：之前已写入的旧结果会被本次扫描删除，之后的写入会被拒绝
	c.mu.Lock()
	c.gens[p.TemplateID]++
	c.mu.Unlock()

	prefix := []byte(statsKeyPrefix + p.TemplateID + "\x00")
	var keys [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			f, ok := parseStatsKey(k)
			if !ok || f.Matches(p) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
