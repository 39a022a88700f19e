package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/betbot/perpexec/internal/domain"
)

func (s *Server) handleLogTradePlan(c *gin.Context) {
	var plan domain.TradePlanSnapshot
	if err := c.ShouldBindJSON(&plan); err != nil {
		badRequest(c, "invalid json: "+err.Error())
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	res, err := s.svc.LogTradePlan(ctx, &plan)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) handleGetTradePlan(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	plan, err := s.svc.GetTradePlan(ctx, c.Param("planID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (s *Server) handleTemplateStats(c *gin.Context) {
	f := domain.StatsFilter{
		TemplateID: strings.TrimSpace(c.Param("templateID")),
		Session:    strings.TrimSpace(c.Query("session")),
		Regime:     strings.TrimSpace(c.Query("regime")),
		Symbol:     strings.TrimSpace(c.Query("symbol")),
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	st, err := s.svc.GetTemplateStats(ctx, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
