// Package api 以 HTTP JSON 暴露交易服务。
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/services"
)

var apiLog = logrus.WithField("component", "api")

// defaultRequestTimeout 单个请求的处理上限（bracket 各腿顺序提交，留足余量）
const defaultRequestTimeout = 30 * time.Second

type Config struct {
	Mode           string // gin mode: release / debug / test
	RequestTimeout time.Duration
}

type Server struct {
	cfg Config
	svc services.Service
}

func New(cfg Config, svc services.Service) *Server {
	if cfg.Mode == "" {
		cfg.Mode = gin.ReleaseMode
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Server{cfg: cfg, svc: svc}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(s.cfg.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := r.Group("/api")

	api.POST("/brackets", s.handlePlaceBracket)

	orders := api.Group("/orders")
	orders.POST("/amend", s.handleAmendOrder)
	orders.POST("/validate", s.handleValidateOrder)

	ttl := api.Group("/ttl")
	ttl.GET("", s.handleTTLList)
	ttl.DELETE("/:taskID", s.handleTTLCancel)

	symbols := api.Group("/symbols/:symbol")
	symbols.GET("/round-price", s.handleRoundPrice)
	symbols.GET("/round-qty", s.handleRoundQty)
	symbols.GET("/rules", s.handleMarketRules)
	symbols.GET("/positions", s.handlePositions)
	symbols.GET("/leverage-tiers", s.handleLeverageTiers)
	symbols.POST("/leverage", s.handleSetLeverage)

	plans := api.Group("/plans")
	plans.POST("", s.handleLogTradePlan)
	plans.GET("/:planID", s.handleGetTradePlan)

	api.GET("/templates/:templateID/stats", s.handleTemplateStats)

	riskGroup := api.Group("/risk")
	riskGroup.GET("", s.handleRiskStatus)
	riskGroup.POST("/:symbol/halt", s.handleHalt)
	riskGroup.POST("/:symbol/resume", s.handleResume)

	return r
}

// requestLogger 每个请求一行日志（替代 gin 默认的彩色 logger）
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := apiLog.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("请求失败")
			return
		}
		entry.Debug("请求完成")
	}
}
