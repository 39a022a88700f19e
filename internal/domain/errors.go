package domain

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/betbot/perpexec/pkg/marketmath"
)

// 错误分类
var (
	// ErrInvalidGrid tick/step 非正（配置错误，致命）
	ErrInvalidGrid = marketmath.ErrInvalidGrid
	// ErrValidationFailed 规则校验失败（调整输入后可恢复）
	ErrValidationFailed = errors.New("validation failed")
	// ErrSymbolNotAllowed 品种不在白名单内（策略边界，永远拒绝）
	ErrSymbolNotAllowed = errors.New("symbol not allowed")
	// ErrOrderNotFound 改单目标不存在（重新查询后可恢复）
	ErrOrderNotFound = errors.New("order not found")
	// ErrPartialBracketFailure 部分腿已下、部分失败，需人工核对
	ErrPartialBracketFailure = errors.New("partial bracket failure")
	// ErrRollbackFailure 补偿撤单本身失败：存在无保护的持仓
	ErrRollbackFailure = errors.New("rollback failure")
	// ErrTradingHalted 该品种因回滚失败被暂停下单
	ErrTradingHalted = errors.New("trading halted")
)

// Kind 错误类别（对外载荷使用）
type Kind string

const (
	KindInvalidGrid      Kind = "InvalidGrid"
	KindValidationFailed Kind = "ValidationFailed"
	KindSymbolNotAllowed Kind = "SymbolNotAllowed"
	KindOrderNotFound    Kind = "OrderNotFound"
	KindPartialBracket   Kind = "PartialBracketFailure"
	KindRollbackFailure  Kind = "RollbackFailure"
	KindTradingHalted    Kind = "TradingHalted"
	KindVenue            Kind = "VenueError"
)

var kindSentinels = map[Kind]error{
	KindInvalidGrid:      ErrInvalidGrid,
	KindValidationFailed: ErrValidationFailed,
	KindSymbolNotAllowed: ErrSymbolNotAllowed,
	KindOrderNotFound:    ErrOrderNotFound,
	KindPartialBracket:   ErrPartialBracketFailure,
	KindRollbackFailure:  ErrRollbackFailure,
	KindTradingHalted:    ErrTradingHalted,
}

// Error 结构化错误：保留分类、操作、品种与底层原因
type Error struct {
	Kind   Kind
	Op     string
	Symbol string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " [" + e.Op
		if e.Symbol != "" {
			msg += " " + e.Symbol
		}
		msg += "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 支持 errors.Is/As 追溯底层错误
func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrXxx) 按分类匹配
func (e *Error) Is(target error) bool {
	if s, ok := kindSentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// NewError 构造结构化错误
func NewError(kind Kind, op, symbol string, err error) *Error {
	return &Error{Kind: kind, Op: op, Symbol: symbol, Err: err}
}

// Errorf 构造带说明的结构化错误
func Errorf(kind Kind, op, symbol, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Symbol: symbol, Detail: fmt.Sprintf(format, args...)}
}

// KindOf 返回错误分类；非结构化错误视为交易所/网络错误
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindVenue
}

// Issue 结果载荷里的单条问题
type Issue struct {
	Kind    Kind   `json:"kind"`
	Leg     string `json:"leg,omitempty"`
	Message string `json:"message"`
}

// NewIssue 从 error 生成载荷条目
func NewIssue(leg string, err error) Issue {
	return Issue{Kind: KindOf(err), Leg: leg, Message: err.Error()}
}
