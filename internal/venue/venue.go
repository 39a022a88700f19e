// Package venue 根据配置选择交易所适配器（实盘 binance 或纸交易 paper）。
package venue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/ports"
	"github.com/betbot/perpexec/internal/venue/binance"
	"github.com/betbot/perpexec/internal/venue/paper"
	"github.com/betbot/perpexec/pkg/config"
)

var venueLog = logrus.WithField("component", "venue")

// Adapter 编排、改单与相邻风控工具共用的交易所能力
type Adapter interface {
	ports.Exchange
	ports.RiskQueries
	Name() string
}

// Venue 选定的适配器及其订单推送来源
type Venue struct {
	Adapter

	cfg    config.VenueConfig
	paper  *paper.Exchange
	live   *binance.Exchange
	stream *binance.UserStream
}

// Open 按配置构建适配器。
// dry_run 下总是使用纸交易；venue=binance 时纸交易的市场规则取自真实 exchangeInfo。
func Open(cfg config.VenueConfig, dryRun bool) (*Venue, error) {
	v := &Venue{cfg: cfg}
	switch {
	case cfg.Name == "paper":
		v.paper = paper.New()
		v.Adapter = v.paper
	case cfg.Name == "binance" && dryRun:
		v.paper = paper.New(paper.WithMetadataSource(binance.New(binanceConfig(cfg))))
		v.Adapter = v.paper
	case cfg.Name == "binance":
		v.live = binance.New(binanceConfig(cfg))
		v.Adapter = v.live
	default:
		return nil, fmt.Errorf("unsupported venue %q", cfg.Name)
	}
	venueLog.WithFields(logrus.Fields{"venue": cfg.Name, "dry_run": dryRun, "adapter": v.Name()}).Info("交易所适配器已就绪")
	return v, nil
}

func binanceConfig(cfg config.VenueConfig) binance.Config {
	return binance.Config{
		BaseURL:    cfg.BaseURL,
		WSURL:      cfg.WSURL,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		RecvWindow: cfg.RecvWindow,
		Timeout:    cfg.Timeout,
	}
}

// Paper 纸交易实例（实盘时为 nil）
func (v *Venue) Paper() *paper.Exchange { return v.paper }

// Subscribe 把订单推送接到 h：纸交易同步回调；实盘在开启 user_stream 时连接用户数据流
func (v *Venue) Subscribe(ctx context.Context, h ports.OrderUpdateHandler) error {
	if v.paper != nil {
		v.paper.SetOrderUpdateHandler(h)
		return nil
	}
	if v.live == nil || !v.cfg.UserStream {
		venueLog.Info("未开启用户数据流，TTL 仅按到期检查")
		return nil
	}
	v.stream = binance.NewUserStream(v.live.Client(), h)
	return v.stream.Start(ctx)
}

// Close 释放推送连接
func (v *Venue) Close() {
	if v.stream != nil {
		v.stream.Stop()
	}
}
