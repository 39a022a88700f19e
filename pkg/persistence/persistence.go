package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var persistLog = logrus.WithField("component", "persistence")

// Service 按 (prefix, id, tag) 分配独立的存储位置
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store 保存/加载一份 JSON 可序列化的状态
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Remove() error
}

// ErrNotExists 表示还没有保存过状态
var ErrNotExists = errors.New("persistence data not exists")

// envelope 是落盘格式，附带 key 和保存时间便于排查
type envelope struct {
	Key     string          `json:"key"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// JSONFileService 每个 store 对应 baseDir 下的一个 JSON 文件
type JSONFileService struct {
	baseDir string
}

func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NewStore 文件名由 prefix/id/tag 拼接，非法字符替换为 "_"
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	key := prefix + ":" + id + ":" + tag
	name := unsafeChars.ReplaceAllString(key, "_") + ".json"
	return &JSONFileStore{key: key, path: filepath.Join(s.baseDir, name)}
}

type JSONFileStore struct {
	key  string
	path string
}

// Save 写临时文件、fsync 后 rename，崩溃时不会留下半个文件
func (s *JSONFileStore) Save(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "marshal state %s", s.key)
	}
	b, err := json.MarshalIndent(envelope{Key: s.key, SavedAt: time.Now().UTC(), Data: raw}, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal envelope %s", s.key)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create state dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrapf(err, "replace %s", s.path)
	}
	persistLog.WithField("key", s.key).Debug("state saved")
	return nil
}

// Load 文件不存在或为空时返回 ErrNotExists
func (s *JSONFileStore) Load(data interface{}) error {
	b, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		return ErrNotExists
	case err != nil:
		return errors.Wrapf(err, "read %s", s.path)
	case len(b) == 0:
		return ErrNotExists
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return errors.Wrapf(err, "decode %s", s.path)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ErrNotExists
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return errors.Wrapf(err, "decode state %s", s.key)
	}
	persistLog.WithFields(logrus.Fields{"key": s.key, "saved_at": env.SavedAt}).Debug("state loaded")
	return nil
}

// Remove 删除已保存的状态；不存在时不报错
func (s *JSONFileStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", s.path)
	}
	return nil
}
