package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
)

// bracketRequest POST /api/brackets 请求体；TTL 以秒给出
type bracketRequest struct {
	Symbol         string              `json:"symbol"`
	Side           domain.Side         `json:"side"`
	EntryPrice     decimal.Decimal     `json:"entry_price"`
	Qty            decimal.Decimal     `json:"qty"`
	StopPrice      decimal.Decimal     `json:"stop_price"`
	StopLimitPrice *decimal.Decimal    `json:"stop_limit_price,omitempty"`
	TakeProfits    []execution.TPSpec  `json:"take_profits,omitempty"`
	PostOnly       bool                `json:"post_only,omitempty"`
	PositionSide   domain.PositionSide `json:"position_side,omitempty"`
	TTLSeconds     int64               `json:"ttl_seconds,omitempty"`
}

func (r bracketRequest) toDomain() execution.BracketRequest {
	return execution.BracketRequest{
		Symbol:         r.Symbol,
		Side:           domain.Side(strings.ToUpper(string(r.Side))),
		EntryPrice:     r.EntryPrice,
		Qty:            r.Qty,
		StopPrice:      r.StopPrice,
		StopLimitPrice: r.StopLimitPrice,
		TakeProfits:    r.TakeProfits,
		PostOnly:       r.PostOnly,
		PositionSide:   domain.PositionSide(strings.ToUpper(string(r.PositionSide))),
		TTL:            time.Duration(r.TTLSeconds) * time.Second,
	}
}

func (s *Server) handlePlaceBracket(c *gin.Context) {
	var req bracketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	if req.TTLSeconds < 0 {
		badRequest(c, "ttl_seconds must be >= 0")
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.PlaceBracket(ctx, req.toDomain())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(bracketStatus(res), res)
}

func (s *Server) handleAmendOrder(c *gin.Context) {
	var req execution.AmendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.AmendOrder(ctx, req)
	if err != nil {
		// 撤单成功但重下失败：结果里带着原订单号，一并返回
		if res != nil {
			status, _ := classify(err)
			res.Error = err.Error()
			c.JSON(status, res)
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// validateRequest POST /api/orders/validate 请求体；price 为空表示市价
type validateRequest struct {
	Symbol string           `json:"symbol"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Qty    decimal.Decimal  `json:"qty"`
	Side   domain.Side      `json:"side"`
}

func (s *Server) handleValidateOrder(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.ValidateOrder(ctx, req.Symbol, req.Price, req.Qty, domain.Side(strings.ToUpper(string(req.Side))))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTTLList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.svc.PendingTTL()})
}

func (s *Server) handleTTLCancel(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("taskID"))
	if !s.svc.CancelTTL(taskID) {
		c.JSON(http.StatusNotFound, errorBody{Error: "ttl task not found or already fired: " + taskID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "cancelled": true})
}
