package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/pkg/syncgroup"
)

var streamLog = logrus.WithField("component", "binance_user_stream")

const (
	listenKeyPath         = "/fapi/v1/listenKey"
	defaultKeepAlive      = 30 * time.Minute
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// UserStream 用户数据流：把 ORDER_TRADE_UPDATE 推送转交给 OrderUpdateHandler。
// 断线后按线性退避重新申请 listenKey 并重连。
type UserStream struct {
	c         *Client
	handler   ports.OrderUpdateHandler
	keepAlive time.Duration
	dialer    *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string
	running   bool
	cancel    context.CancelFunc
	workers   *syncgroup.SyncGroup
}

// StreamOption 构造选项
type StreamOption func(*UserStream)

// WithKeepAlive listenKey 续期间隔
func WithKeepAlive(d time.Duration) StreamOption {
	return func(s *UserStream) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// NewUserStream 创建用户数据流
func NewUserStream(c *Client, handler ports.OrderUpdateHandler, opts ...StreamOption) *UserStream {
	s := &UserStream{
		c:         c,
		handler:   handler,
		keepAlive: defaultKeepAlive,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 建立首个连接；失败直接返回，之后的断线由后台循环处理
func (s *UserStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("binance: user stream already running")
	}
	s.running = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := s.connect(runCtx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	workers := syncgroup.NewSyncGroup()
	workers.Add(func() { s.run(runCtx, conn) })
	workers.Add(func() { s.keepAliveLoop(runCtx) })

	s.mu.Lock()
	s.cancel = cancel
	s.workers = workers
	s.mu.Unlock()

	workers.Run()
	streamLog.Info("用户数据流已启动")
	return nil
}

// Stop 关闭连接并释放 listenKey
func (s *UserStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, workers, conn := s.cancel, s.workers, s.conn
	s.conn = nil
	s.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	if !workers.WaitTimeout(5 * time.Second) {
		streamLog.Warn("关闭超时")
	}

	ctx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	if err := s.c.keyed(ctx, http.MethodDelete, listenKeyPath, nil, nil); err != nil {
		streamLog.Debugf("释放 listenKey 失败: %v", err)
	}
	streamLog.Info("用户数据流已停止")
}

func (s *UserStream) connect(ctx context.Context) (*websocket.Conn, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := s.c.keyed(ctx, http.MethodPost, listenKeyPath, nil, &out); err != nil {
		return nil, errors.Wrap(err, "binance: create listenKey")
	}
	conn, _, err := s.dialer.DialContext(ctx, s.c.cfg.WSURL+"/"+out.ListenKey, nil)
	if err != nil {
		return nil, errors.Wrap(err, "binance: dial user stream")
	}
	s.mu.Lock()
	s.conn = conn
	s.listenKey = out.ListenKey
	s.mu.Unlock()
	return conn, nil
}

func (s *UserStream) run(ctx context.Context, conn *websocket.Conn) {
	attempts := 0
	for {
		err := s.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		streamLog.Warnf("连接中断: %v", err)

		for {
			attempts++
			delay := time.Duration(attempts) * defaultReconnectDelay
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			conn, err = s.connect(ctx)
			if err == nil {
				attempts = 0
				streamLog.Info("用户数据流已重连")
				break
			}
			streamLog.Warnf("重连失败 (第 %d 次): %v", attempts, err)
		}
	}
}

func (s *UserStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if expired := s.handleMessage(ctx, data); expired {
			return errors.New("listenKey expired")
		}
	}
}

func (s *UserStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.c.keyed(ctx, http.MethodPut, listenKeyPath, nil, nil); err != nil {
				streamLog.Warnf("listenKey 续期失败: %v", err)
			}
		}
	}
}

// orderUpdateEvent ORDER_TRADE_UPDATE 推送
type orderUpdateEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string          `json:"s"`
		ClientOrderID string          `json:"c"`
		Side          string          `json:"S"`
		Type          string          `json:"o"`
		TimeInForce   string          `json:"f"`
		Qty           decimal.Decimal `json:"q"`
		Price         decimal.Decimal `json:"p"`
		AvgPrice      decimal.Decimal `json:"ap"`
		StopPrice     decimal.Decimal `json:"sp"`
		Status        string          `json:"X"`
		OrderID       int64           `json:"i"`
		FilledQty     decimal.Decimal `json:"z"`
		TradeTime     int64           `json:"T"`
		ReduceOnly    bool            `json:"R"`
		PositionSide  string          `json:"ps"`
	} `json:"o"`
}

// handleMessage 解析推送；返回 true 表示 listenKey 已过期需要重连
func (s *UserStream) handleMessage(ctx context.Context, data []byte) bool {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		streamLog.Debugf("忽略无法解析的消息: %v", err)
		return false
	}
	switch head.Event {
	case "listenKeyExpired":
		return true
	case "ORDER_TRADE_UPDATE":
	default:
		return false
	}

	var ev orderUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		streamLog.Warnf("解析订单推送失败: %v", err)
		return false
	}
	o := ev.Order
	res := &domain.OrderResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Type:          domain.OrderType(o.Type),
		Side:          domain.Side(o.Side),
		Status:        domain.OrderStatus(o.Status),
		Price:         nonZero(o.Price),
		StopPrice:     nonZero(o.StopPrice),
		Qty:           o.Qty,
		FilledQty:     o.FilledQty,
		AvgPrice:      nonZero(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		PositionSide:  domain.PositionSide(o.PositionSide),
		TimeInForce:   domain.TimeInForce(o.TimeInForce),
	}
	ts := o.TradeTime
	if ts == 0 {
		ts = ev.EventTime
	}
	if ts > 0 {
		res.UpdatedAt = time.UnixMilli(ts).UTC()
	}

	if s.handler != nil {
		s.handler.OnOrderUpdate(ctx, res)
	}
	return false
}
