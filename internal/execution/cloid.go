package execution

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewClientOrderID 生成 16 字节的客户端订单号（0x + 32 位十六进制），
// 同时满足 Hyperliquid cloid 的格式要求。重试时必须复用同一个 id。
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
