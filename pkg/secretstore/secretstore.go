package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// 凭证按交易所存放在 "venue/<name>" 下
const venuePrefix = "venue/"

// ErrNotFound 表示库里没有该交易所的凭证
var ErrNotFound = errors.New("secretstore: credentials not found")

// Credentials 交易所 API 凭证
type Credentials struct {
	APIKey    string    `json:"api_key"`
	APISecret string    `json:"api_secret"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Credentials) complete() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// Store 基于 Badger 的凭证库，静态加密由 Badger 的 EncryptionKey 提供
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes；为空时不加密，仅用于测试
	ReadOnly      bool
	InMemory      bool
}

func Open(opts OpenOptions) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if len(opts.EncryptionKey) > 0 {
		// 加密模式下 Badger 要求开启 index cache
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "secretstore: open")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func venueKey(venue string) ([]byte, error) {
	venue = strings.ToLower(strings.TrimSpace(venue))
	if venue == "" {
		return nil, errors.New("secretstore: venue is empty")
	}
	return []byte(venuePrefix + venue), nil
}

// LoadCredentials 读取某交易所的凭证；不存在或不完整时返回 ErrNotFound
func (s *Store) LoadCredentials(venue string) (Credentials, error) {
	var creds Credentials
	key, err := venueKey(venue)
	if err != nil {
		return creds, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &creds)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "secretstore: load %s", venue)
	}
	if !creds.complete() {
		return Credentials{}, ErrNotFound
	}
	return creds, nil
}

// SaveCredentials 覆盖写入某交易所的凭证
func (s *Store) SaveCredentials(venue string, creds Credentials) error {
	key, err := venueKey(venue)
	if err != nil {
		return err
	}
	if !creds.complete() {
		return errors.New("secretstore: api key and secret are required")
	}
	if creds.UpdatedAt.IsZero() {
		creds.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	})
}

// DeleteCredentials 删除某交易所的凭证
func (s *Store) DeleteCredentials(venue string) error {
	key, err := venueKey(venue)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Venues 列出已保存凭证的交易所
func (s *Store) Venues() ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(venuePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), venuePrefix))
		}
		return nil
	})
	return out, err
}

// ParseKey 接受 32 字节的 hex（可带 0x）或 base64；空串返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		if b, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
		}
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	return b, nil
}
