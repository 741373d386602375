package payment

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"StableTool/internal/storage"
	"StableTool/internal/storage/memory"
)

func TestLedgerExcludesSelfAndCountsConfirmedOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed := []storage.Transaction{
		{FromAccountID: 1, ToAccountID: 2, ToolID: 7, Amount: decimal.RequireFromString("2.5"), Reference: "0x1", Status: storage.TxConfirmed},
		{FromAccountID: 3, ToAccountID: 2, ToolID: 7, Amount: decimal.RequireFromString("1"), Reference: "0x2", Status: storage.TxPending},
		{FromAccountID: 2, ToAccountID: 2, ToolID: 7, Amount: decimal.RequireFromString("5"), Reference: "0x3", Status: storage.TxConfirmed},
	}
	for _, tx := range seed {
		_, err := store.CreateTransaction(ctx, tx)
		require.NoError(t, err)
	}

	ledger := NewLedger(store)
	earnings, err := ledger.Earnings(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, earnings.Count)
	require.True(t, earnings.Total.Equal(decimal.RequireFromString("2.5")))

	spending, err := ledger.Spending(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, spending.Count)
	require.True(t, spending.Total.Equal(decimal.RequireFromString("2.5")))

	none, err := ledger.Spending(ctx, 9)
	require.NoError(t, err)
	require.Zero(t, none.Count)
	require.NotNil(t, none.Transactions)
	require.True(t, none.Total.IsZero())
}

type fixedBalance struct {
	amount decimal.Decimal
	seen   string
}

func (f *fixedBalance) TokenBalance(_ context.Context, address string) (decimal.Decimal, error) {
	f.seen = address
	return f.amount, nil
}

func TestLedgerSimulatedBalance(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seed := []storage.Transaction{
		{FromAccountID: 1, ToAccountID: 2, ToolID: 7, Amount: decimal.RequireFromString("2.5"), Reference: "0x1", Status: storage.TxConfirmed},
		{FromAccountID: 2, ToAccountID: 3, ToolID: 8, Amount: decimal.RequireFromString("1"), Reference: "0x2", Status: storage.TxPending},
		{FromAccountID: 2, ToAccountID: 3, ToolID: 8, Amount: decimal.RequireFromString("4"), Reference: "0x3", Status: storage.TxFailed},
		{FromAccountID: 2, ToAccountID: 2, ToolID: 9, Amount: decimal.RequireFromString("50"), Reference: "0x4", Status: storage.TxConfirmed},
	}
	for _, tx := range seed {
		_, err := store.CreateTransaction(ctx, tx)
		require.NoError(t, err)
	}

	balance, err := NewLedger(store).Balance(ctx, storage.Account{ID: 2, WalletAddress: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, "simulated", balance.Source)
	require.Equal(t, "0xabc", balance.Address)
	require.True(t, balance.Amount.Equal(decimal.RequireFromString("1001.5")), balance.Amount.String())
}

func TestLedgerOnchainBalance(t *testing.T) {
	source := &fixedBalance{amount: decimal.RequireFromString("12.25")}
	ledger := NewLedger(memory.NewStore(), WithBalanceSource(source))

	balance, err := ledger.Balance(context.Background(), storage.Account{ID: 1, WalletAddress: "0xdef"})
	require.NoError(t, err)
	require.Equal(t, "onchain", balance.Source)
	require.Equal(t, "0xdef", source.seen)
	require.True(t, balance.Amount.Equal(decimal.RequireFromString("12.25")))
}
