package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/payment"
	"StableTool/internal/secrets"
	"StableTool/internal/web3"
)

// SettlerConfig 描述链上结算参数。
type SettlerConfig struct {
	TokenContract string
	Decimals      int32
	GasLimit      uint64
}

// Settler 通过 ERC-20 transfer 完成付款，交易哈希即结算凭证。
type Settler struct {
	client   web3.Client
	box      *secrets.Box
	token    common.Address
	decimals int32
	gasLimit uint64
	logger   *slog.Logger
}

// NewSettler 创建链上结算器。
func NewSettler(client web3.Client, box *secrets.Box, cfg SettlerConfig, logger *slog.Logger) (*Settler, error) {
	if client == nil {
		return nil, fmt.Errorf("链上结算需要链客户端")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("代币合约地址无效: %s", cfg.TokenContract)
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = 18
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 100000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if box == nil {
		box = secrets.New("")
	}
	return &Settler{
		client:   client,
		box:      box,
		token:    common.HexToAddress(cfg.TokenContract),
		decimals: cfg.Decimals,
		gasLimit: cfg.GasLimit,
		logger:   logger,
	}, nil
}

// Settle 实现 payment.Settler 接口。
func (s *Settler) Settle(ctx context.Context, req payment.SettlementRequest) (string, error) {
	if !common.IsHexAddress(req.PayeeAddr) {
		return "", settlementError(fmt.Errorf("invalid payee address %q", req.PayeeAddr), "payee wallet address is not configured")
	}
	if strings.TrimSpace(req.PayerKey) == "" {
		return "", settlementError(nil, "payer wallet is not configured")
	}
	rawKey, err := s.box.Open(req.PayerKey)
	if err != nil {
		return "", settlementError(err, "unable to open payer signing key")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(rawKey), "0x"))
	if err != nil {
		return "", settlementError(err, "payer signing key is invalid")
	}

	amount := web3.ToBaseUnits(req.Amount, s.decimals)
	from := crypto.PubkeyToAddress(key.PublicKey)
	balance, err := s.client.TokenBalance(ctx, s.token, from)
	if err != nil {
		return "", settlementError(err, "unable to read token balance")
	}
	if balance.Cmp(amount) < 0 {
		return "", settlementError(nil, "insufficient token balance")
	}

	hash, err := s.client.TransferToken(ctx, web3.Transfer{
		Token:    s.token,
		From:     key,
		To:       common.HexToAddress(req.PayeeAddr),
		Amount:   amount,
		GasLimit: s.gasLimit,
	})
	if err != nil {
		return "", settlementError(err, "token transfer failed")
	}
	s.logger.Info("链上转账已发送",
		slog.String("turn_id", req.TurnID),
		slog.Int64("tool_id", req.ToolID),
		slog.String("from", from.Hex()),
		slog.String("to", req.PayeeAddr),
		slog.String("amount", req.Amount.String()),
		slog.String("tx_hash", hash.Hex()),
	)
	return hash.Hex(), nil
}

// TokenBalance 实现 payment.BalanceSource 接口。
func (s *Settler) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "wallet address is invalid")
	}
	units, err := s.client.TokenBalance(ctx, s.token, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, settlementError(err, "unable to read token balance")
	}
	return web3.FromBaseUnits(units, s.decimals), nil
}

func settlementError(cause error, message string) error {
	if cause == nil {
		return xerrors.New(payment.CodeSettlement, message)
	}
	return xerrors.Wrap(payment.CodeSettlement, cause, message)
}
