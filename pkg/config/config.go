package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/betbot/perpexec/pkg/logger"
	"github.com/betbot/perpexec/pkg/ratelimit"
	"github.com/betbot/perpexec/pkg/secretstore"
)

// EnvPrefix 环境变量前缀，例如 PERPEXEC_VENUE_API_KEY
const EnvPrefix = "PERPEXEC"

// VenueConfig 交易所连接配置
type VenueConfig struct {
	Name       string        `yaml:"name" json:"name" split_words:"true"` // binance | paper
	BaseURL    string        `yaml:"base_url" json:"base_url" split_words:"true"`
	WSURL      string        `yaml:"ws_url" json:"ws_url" split_words:"true"`
	APIKey     string        `yaml:"api_key" json:"api_key" split_words:"true"`
	APISecret  string        `yaml:"api_secret" json:"api_secret" split_words:"true"`
	RecvWindow time.Duration `yaml:"recv_window" json:"recv_window" split_words:"true"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" split_words:"true"`
	UserStream bool          `yaml:"user_stream" json:"user_stream" split_words:"true"` // 订阅订单推送（TTL 主动取消）

	// 加密 Badger 凭证库：api_key/api_secret 为空时从中读取（cmd/perpexec-secrets 写入）
	SecretStore string `yaml:"secret_store" json:"secret_store" split_words:"true"`
	SecretKey   string `yaml:"-" json:"-" split_words:"true"` // 32 字节 hex/base64，只从环境变量读取
}

// RateLimitConfig 自适应限流参数（零值使用 ratelimit 默认值）
type RateLimitConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent" split_words:"true"`
	BaseInterval  time.Duration `yaml:"base_interval" json:"base_interval" split_words:"true"`
	MaxInterval   time.Duration `yaml:"max_interval" json:"max_interval" split_words:"true"`
	BackoffBase   time.Duration `yaml:"backoff_base" json:"backoff_base" split_words:"true"`
	BackoffMax    time.Duration `yaml:"backoff_max" json:"backoff_max" split_words:"true"`
	BackoffAfter  int           `yaml:"backoff_after" json:"backoff_after" split_words:"true"`
	ShrinkAfter   int           `yaml:"shrink_after" json:"shrink_after" split_words:"true"`
}

// Limiter 转换为 ratelimit.Config
func (c RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrent: c.MaxConcurrent,
		BaseInterval:  c.BaseInterval,
		MaxInterval:   c.MaxInterval,
		BackoffBase:   c.BackoffBase,
		BackoffMax:    c.BackoffMax,
		BackoffAfter:  c.BackoffAfter,
		ShrinkAfter:   c.ShrinkAfter,
	}
}

// RulesConfig 交易规则缓存
type RulesConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" split_words:"true"`
}

// ExecutionConfig 编排参数
type ExecutionConfig struct {
	ClientIDPrefix   string        `yaml:"client_id_prefix" json:"client_id_prefix" split_words:"true"`
	DedupeWindow     time.Duration `yaml:"dedupe_window" json:"dedupe_window" split_words:"true"`           // <=0 关闭去重
	TTLCancelTimeout time.Duration `yaml:"ttl_cancel_timeout" json:"ttl_cancel_timeout" split_words:"true"` // TTL 到期检查/撤单的单次超时
}

// RiskConfig 熔断参数
type RiskConfig struct {
	MaxConsecutiveErrors int64           `yaml:"max_consecutive_errors" json:"max_consecutive_errors" split_words:"true"`
	DailyLossLimit       decimal.Decimal `yaml:"daily_loss_limit" json:"daily_loss_limit" split_words:"true"` // 0 表示不限制
	StateDir             string          `yaml:"state_dir" json:"state_dir" split_words:"true"`               // 熔断状态落盘目录，为空则不持久化
}

// LedgerConfig 交易计划账本
type LedgerConfig struct {
	Path           string `yaml:"path" json:"path" split_words:"true"`
	StatsCachePath string `yaml:"stats_cache_path" json:"stats_cache_path" split_words:"true"` // 为空则使用内存缓存
}

// ServerConfig HTTP 服务
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr" split_words:"true"`
	Mode            string        `yaml:"mode" json:"mode" split_words:"true"` // gin: debug | release | test
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" split_words:"true"`
}

// MetricsConfig 指标与调试端口
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" split_words:"true"`
	Addr    string `yaml:"addr" json:"addr" split_words:"true"` // 建议仅监听 localhost 或内网
}

// Config 应用配置。由 main 构建一次并显式传给各组件，不使用全局变量。
type Config struct {
	Venue     VenueConfig     `yaml:"venue" json:"venue" split_words:"true"`
	Symbols   []string        `yaml:"symbols" json:"symbols" split_words:"true"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit" split_words:"true"`
	Rules     RulesConfig     `yaml:"rules" json:"rules" split_words:"true"`
	Execution ExecutionConfig `yaml:"execution" json:"execution" split_words:"true"`
	Risk      RiskConfig      `yaml:"risk" json:"risk" split_words:"true"`
	Ledger    LedgerConfig    `yaml:"ledger" json:"ledger" split_words:"true"`
	Server    ServerConfig    `yaml:"server" json:"server" split_words:"true"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics" split_words:"true"`
	Log       logger.Config   `yaml:"log" json:"log" split_words:"true"`
	DryRun    bool            `yaml:"dry_run" json:"dry_run" split_words:"true"` // 纸交易：订单只进入内存撮合
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Venue: VenueConfig{
			Name:       "binance",
			RecvWindow: 5 * time.Second,
			Timeout:    10 * time.Second,
		},
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
		RateLimit: RateLimitConfig{
			MaxConcurrent: 5,
			BaseInterval:  100 * time.Millisecond,
			MaxInterval:   2 * time.Second,
			BackoffBase:   500 * time.Millisecond,
			BackoffMax:    5 * time.Second,
			BackoffAfter:  3,
			ShrinkAfter:   10,
		},
		Rules: RulesConfig{CacheTTL: 5 * time.Minute},
		Execution: ExecutionConfig{
			ClientIDPrefix:   "px",
			DedupeWindow:     10 * time.Second,
			TTLCancelTimeout: 10 * time.Second,
		},
		Risk: RiskConfig{MaxConsecutiveErrors: 5, StateDir: "data/risk"},
		Ledger: LedgerConfig{
			Path: "data/ledger.db",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9090"},
		Log: logger.Config{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		DryRun: true,
	}
}

// Load 按优先级合并配置：环境变量 > 配置文件 > 默认值。
// 当前目录下的 .env 会被尽力加载（不存在时忽略）。
func Load(filePath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf(".env 加载失败（忽略）: %v", err)
	}

	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, errors.Wrapf(err, "加载配置文件失败 %s", filePath)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "环境变量处理失败")
	}
	cfg.normalize()
	if err := cfg.loadCredentials(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "配置校验失败")
	}
	return cfg, nil
}

func loadConfigFile(filePath string, into *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrap(err, "读取配置文件失败")
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, into); err != nil {
			return errors.Wrap(err, "解析 YAML 配置文件失败")
		}
	case ".json":
		if err := json.Unmarshal(data, into); err != nil {
			return errors.Wrap(err, "解析 JSON 配置文件失败")
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// loadCredentials api_key/api_secret 未配置时从加密凭证库读取
func (c *Config) loadCredentials() error {
	if c.Venue.SecretStore == "" || (c.Venue.APIKey != "" && c.Venue.APISecret != "") {
		return nil
	}
	key, err := secretstore.ParseKey(c.Venue.SecretKey)
	if err != nil {
		return errors.Wrap(err, "PERPEXEC_VENUE_SECRET_KEY 无效")
	}
	if key == nil {
		return fmt.Errorf("使用 venue.secret_store 需要设置 PERPEXEC_VENUE_SECRET_KEY")
	}
	store, err := secretstore.Open(secretstore.OpenOptions{Path: c.Venue.SecretStore, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	creds, err := store.LoadCredentials(c.Venue.Name)
	if errors.Is(err, secretstore.ErrNotFound) {
		logger.Warnf("凭证库 %s 中没有 %s 的凭证", c.Venue.SecretStore, c.Venue.Name)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "读取交易所凭证失败")
	}
	c.Venue.APIKey, c.Venue.APISecret = creds.APIKey, creds.APISecret
	return nil
}

func (c *Config) normalize() {
	c.Venue.Name = strings.ToLower(strings.TrimSpace(c.Venue.Name))
	symbols := make([]string, 0, len(c.Symbols))
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	c.Symbols = symbols
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Venue.Name {
	case "binance":
		if !c.DryRun && (c.Venue.APIKey == "" || c.Venue.APISecret == "") {
			return fmt.Errorf("实盘模式需要配置 PERPEXEC_VENUE_API_KEY / PERPEXEC_VENUE_API_SECRET")
		}
	case "paper":
		if !c.DryRun {
			return fmt.Errorf("paper venue 只能在 dry_run 模式下使用")
		}
	default:
		return fmt.Errorf("不支持的 venue: %q (支持 binance, paper)", c.Venue.Name)
	}
	if c.Venue.UserStream && c.Venue.Name != "binance" {
		return fmt.Errorf("user_stream 仅支持 binance")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols 白名单不能为空")
	}
	if c.RateLimit.MaxConcurrent < 0 || c.RateLimit.BackoffAfter < 0 || c.RateLimit.ShrinkAfter < 0 {
		return fmt.Errorf("rate_limit 参数不能为负数")
	}
	if c.RateLimit.MaxInterval > 0 && c.RateLimit.BaseInterval > c.RateLimit.MaxInterval {
		return fmt.Errorf("rate_limit.base_interval 不能大于 max_interval")
	}
	if c.Rules.CacheTTL < 0 {
		return fmt.Errorf("rules.cache_ttl 不能为负数")
	}
	if c.Execution.ClientIDPrefix == "" {
		return fmt.Errorf("execution.client_id_prefix 不能为空")
	}
	if c.Risk.MaxConsecutiveErrors < 0 {
		return fmt.Errorf("risk.max_consecutive_errors 不能为负数")
	}
	if c.Risk.DailyLossLimit.IsNegative() {
		return fmt.Errorf("risk.daily_loss_limit 不能为负数")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path 不能为空")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr 不能为空")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr 不能为空")
	}
	return nil
}
