package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
)

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

// queryDecimal 读取必填的十进制查询参数
func queryDecimal(c *gin.Context, key string) (decimal.Decimal, bool) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		badRequest(c, key+" is required")
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		badRequest(c, "invalid "+key+": "+raw)
		return decimal.Zero, false
	}
	return v, true
}

func (s *Server) handleRoundPrice(c *gin.Context) {
	price, ok := queryDecimal(c, "price")
	if !ok {
		return
	}
	side := domain.Side(strings.ToUpper(strings.TrimSpace(c.Query("side"))))
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.RoundPrice(ctx, c.Param("symbol"), price, side)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRoundQty(c *gin.Context) {
	qty, ok := queryDecimal(c, "qty")
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.RoundQty(ctx, c.Param("symbol"), qty)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleMarketRules(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	rules, err := s.svc.MarketRules(ctx, c.Param("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}
