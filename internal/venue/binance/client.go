// Package binance USDⓈ-M 永续合约的薄适配层：REST 签名请求 + 用户数据流。
// 只负责把交易所协议映射到 ports 能力接口，不做重试与限流（由调用方的限流器负责）。
package binance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Name venue 名称（限流器按此隔离）
const Name = "binance"

const (
	DefaultBaseURL    = "https://fapi.binance.com"
	DefaultWSURL      = "wss://fstream.binance.com/ws"
	defaultRecvWindow = 5 * time.Second
	defaultTimeout    = 10 * time.Second
)

// Config 连接参数
type Config struct {
	BaseURL    string
	WSURL      string
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.WSURL == "" {
		c.WSURL = DefaultWSURL
	}
	c.WSURL = strings.TrimSuffix(c.WSURL, "/")
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultRecvWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// APIError 交易所返回的业务错误 {"code":-2011,"msg":"Unknown order sent."}
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// Client REST 客户端
type Client struct {
	cfg  Config
	http *resty.Client
	now  func() time.Time
}

// NewClient 创建客户端。
// 不开启 resty 自动重试：下单/撤单重放会造成重复委托，重试策略交给上层。
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	hc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &Client{cfg: cfg, http: hc, now: time.Now}
}

// 仅设置本次请求的默认 Header
func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.http.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", "perpexec/1.0")
	return r
}

// sign HMAC-SHA256(secret, query) 十六进制
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// public 无需签名的行情类请求
func (c *Client) public(ctx context.Context, method, path string, params url.Values, out any) error {
	r := c.newRequest(ctx)
	if len(params) > 0 {
		r.SetQueryString(params.Encode())
	}
	return c.do(r, method, path, out)
}

// keyed 只需 API Key 的请求（listenKey 管理）
func (c *Client) keyed(ctx context.Context, method, path string, params url.Values, out any) error {
	r := c.newRequest(ctx).SetHeader("X-MBX-APIKEY", c.cfg.APIKey)
	if len(params) > 0 {
		r.SetQueryString(params.Encode())
	}
	return c.do(r, method, path, out)
}

// signed 交易类请求：timestamp + recvWindow + signature 全部放在 query 中
func (c *Client) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: api key/secret not configured")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
	query := params.Encode()
	query += "&signature=" + c.sign(query)

	// 签名覆盖的是原始 query 字节序列，直接拼在 URL 上避免被重新编码排序
	r := c.newRequest(ctx).SetHeader("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(r, method, path+"?"+query, out)
}

func (c *Client) do(r *resty.Request, method, path string, out any) error {
	resp, err := r.Execute(method, path)
	endpoint, _, _ := strings.Cut(path, "?")
	if err != nil {
		return errors.Wrapf(err, "binance: %s %s", method, endpoint)
	}
	if resp.IsError() {
		return parseAPIError(resp)
	}
	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(resp.Body()))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(err, "binance: decode %s %s", method, endpoint)
	}
	return nil
}

func parseAPIError(resp *resty.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(resp.Body()))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
	}
	return apiErr
}
