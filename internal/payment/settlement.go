package payment

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SettlementRequest 描述一次需要结算的付款。
type SettlementRequest struct {
	TurnID    string
	PayerID   int64
	PayeeID   int64
	ToolID    int64
	Amount    decimal.Decimal
	PayerKey  string
	PayeeAddr string
	Hints     Hints
}

// Settler 完成付款并返回结算凭证。
type Settler interface {
	Settle(ctx context.Context, req SettlementRequest) (string, error)
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, req SettlementRequest) (string, error)

// Settle 实现 Settler 接口。
func (f SettlerFunc) Settle(ctx context.Context, req SettlementRequest) (string, error) {
	return f(ctx, req)
}

// SimulatedSettler derives a pseudo reference without moving funds. The
// reference is not bound to the amount.
type SimulatedSettler struct {
	now func() time.Time
}

// NewSimulatedSettler 创建模拟结算器，now 为空时使用系统时间。
func NewSimulatedSettler(now func() time.Time) *SimulatedSettler {
	if now == nil {
		now = time.Now
	}
	return &SimulatedSettler{now: now}
}

// Settle 实现 Settler 接口。
func (s *SimulatedSettler) Settle(ctx context.Context, req SettlementRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return DeriveReference("", req.PayerID, req.ToolID, req.TurnID, s.now()), nil
}

// DeriveReference hashes payer, tool, turn and time into a 0x-prefixed
// 32-byte hex string, the shape of an Ethereum transaction hash.
func DeriveReference(kind string, payerID, toolID int64, turnID string, at time.Time) string {
	input := fmt.Sprintf("%s%d%d%s%d", kind, payerID, toolID, turnID, at.UnixNano())
	sum := sha256.Sum256([]byte(input))
	return common.BytesToHash(sum[:]).Hex()
}
