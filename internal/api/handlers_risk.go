package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type leverageRequest struct {
	Leverage int `json:"leverage"`
}

func (s *Server) handleSetLeverage(c *gin.Context) {
	var req leverageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.SetLeverage(ctx, c.Param("symbol"), req.Leverage)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePositions(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	positions, err := s.svc.FetchPositions(ctx, c.Param("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleLeverageTiers(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	tiers, err := s.svc.FetchLeverageTiers(ctx, c.Param("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

func (s *Server) handleRiskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.svc.RiskStatus()})
}

type haltRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHalt(c *gin.Context) {
	var req haltRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.svc.Halt(c.Param("symbol"), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "halted": true})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.svc.Resume(c.Param("symbol")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "halted": false})
}
