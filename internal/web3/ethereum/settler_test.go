package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/payment"
	"StableTool/internal/secrets"
	"StableTool/internal/web3"
)

const tokenAddr = "0x00000000000000000000000000000000000000cc"

func TestSettlerTransfersToPayee(t *testing.T) {
	backend := newFakeBackend()
	client := NewClientWithBackend(Config{ChainID: 1337}, backend)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend.balances[from] = big.NewInt(5_000_000)

	box := secrets.New("passphrase")
	sealed, err := box.Seal("0x" + hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)

	settler, err := NewSettler(client, box, SettlerConfig{TokenContract: tokenAddr, Decimals: 6}, nil)
	require.NoError(t, err)

	ref, err := settler.Settle(context.Background(), payment.SettlementRequest{
		TurnID:    "turn-1",
		ToolID:    3,
		Amount:    decimal.RequireFromString("1.5"),
		PayerKey:  sealed,
		PayeeAddr: "0x00000000000000000000000000000000000000bb",
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	require.Equal(t, backend.sent[0].Hash().Hex(), ref)

	args, err := web3.ERC20.Methods["transfer"].Inputs.Unpack(backend.sent[0].Data()[4:])
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000bb"), args[0].(common.Address))
	require.Equal(t, int64(1_500_000), args[1].(*big.Int).Int64())
}

func TestSettlerRejectsShortBalance(t *testing.T) {
	backend := newFakeBackend()
	client := NewClientWithBackend(Config{}, backend)
	key := mustKey(t)

	settler, err := NewSettler(client, nil, SettlerConfig{TokenContract: tokenAddr, Decimals: 6}, nil)
	require.NoError(t, err)

	_, err = settler.Settle(context.Background(), payment.SettlementRequest{
		Amount:    decimal.NewFromInt(1),
		PayerKey:  hex.EncodeToString(crypto.FromECDSA(key)),
		PayeeAddr: "0x00000000000000000000000000000000000000bb",
	})
	require.Error(t, err)
	require.Equal(t, payment.CodeSettlement, xerrors.CodeOf(err))
	require.Equal(t, "insufficient token balance", xerrors.MessageOf(err))
	require.Empty(t, backend.sent)
}

func TestSettlerValidatesAddresses(t *testing.T) {
	client := NewClientWithBackend(Config{}, newFakeBackend())

	_, err := NewSettler(client, nil, SettlerConfig{TokenContract: "not-an-address"}, nil)
	require.Error(t, err)

	settler, err := NewSettler(client, nil, SettlerConfig{TokenContract: tokenAddr}, nil)
	require.NoError(t, err)

	_, err = settler.Settle(context.Background(), payment.SettlementRequest{Amount: decimal.NewFromInt(1), PayerKey: "00", PayeeAddr: "nowhere"})
	require.True(t, errors.Is(err, xerrors.New(payment.CodeSettlement, "")))

	_, err = settler.Settle(context.Background(), payment.SettlementRequest{Amount: decimal.NewFromInt(1), PayeeAddr: tokenAddr})
	require.Equal(t, payment.CodeSettlement, xerrors.CodeOf(err))
}

func TestSettlerTokenBalance(t *testing.T) {
	backend := newFakeBackend()
	holder := "0x00000000000000000000000000000000000000aa"
	backend.balances[common.HexToAddress(holder)] = big.NewInt(2_500_000)
	settler, err := NewSettler(NewClientWithBackend(Config{}, backend), nil, SettlerConfig{TokenContract: tokenAddr, Decimals: 6}, nil)
	require.NoError(t, err)

	balance, err := settler.TokenBalance(context.Background(), holder)
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("2.5").Equal(balance))

	_, err = settler.TokenBalance(context.Background(), "bogus")
	require.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
