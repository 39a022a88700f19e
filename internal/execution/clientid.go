package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/perpexec/internal/domain"
)

// DefaultClientIDPrefix 客户端订单号前缀
const DefaultClientIDPrefix = "px"

// maxClientIDLen Binance 合约 newClientOrderId 上限
const maxClientIDLen = 36

// NewClientID 生成幂等识别用的客户端订单号：<prefix>-<role>-<unixMillis>-<random8>
func NewClientID(prefix string, role domain.LegRole, now time.Time) string {
	if prefix == "" {
		prefix = DefaultClientIDPrefix
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	id := fmt.Sprintf("%s-%s-%d-%s", prefix, strings.ToLower(string(role)), now.UnixMilli(), suffix)
	if len(id) > maxClientIDLen {
		// 前缀过长时截断前缀，保留时间戳与随机后缀
		over := len(id) - maxClientIDLen
		if over < len(prefix) {
			return NewClientID(prefix[:len(prefix)-over], role, now)
		}
	}
	return id
}
