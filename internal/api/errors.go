package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/execution"
	"github.com/betbot/perpexec/internal/ledger"
)

// errorBody 统一的错误载荷
type errorBody struct {
	Kind  domain.Kind `json:"kind,omitempty"`
	Error string      `json:"error"`
}

// classify 错误到 HTTP 状态码与载荷分类
func classify(err error) (int, domain.Kind) {
	switch {
	case errors.Is(err, execution.ErrDuplicateInFlight):
		return http.StatusConflict, ""
	case errors.Is(err, ledger.ErrPlanNotFound):
		return http.StatusNotFound, ""
	}
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindInvalidGrid:
		return http.StatusBadRequest, kind
	case domain.KindValidationFailed:
		return http.StatusUnprocessableEntity, kind
	case domain.KindSymbolNotAllowed:
		return http.StatusForbidden, kind
	case domain.KindOrderNotFound:
		return http.StatusNotFound, kind
	case domain.KindTradingHalted:
		return http.StatusLocked, kind
	case domain.KindPartialBracket, domain.KindRollbackFailure, domain.KindVenue:
		return http.StatusBadGateway, kind
	}
	return http.StatusInternalServerError, kind
}

// bracketStatus 下单结果的状态码：被拒绝是调用方问题，其余失败来自交易所
func bracketStatus(res *execution.BracketResult) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.State == execution.StateRejected && !res.HasKind(domain.KindVenue):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadGateway
}

func writeError(c *gin.Context, err error) {
	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		apiLog.WithField("path", c.FullPath()).Errorf("请求出错: %v", err)
	}
	c.JSON(status, errorBody{Kind: kind, Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Kind: domain.KindValidationFailed, Error: msg})
}
