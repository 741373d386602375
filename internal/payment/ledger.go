package payment

import (
	"context"

	"github.com/shopspring/decimal"

	"StableTool/internal/storage"
)

// TransactionLister 是账本所需的最小存储能力。
type TransactionLister interface {
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error)
}

// Summary 汇总一个账户的收入或支出。Total 仅计入已确认交易。
type Summary struct {
	Total        decimal.Decimal
	Count        int
	Transactions []storage.Transaction
}

// BalanceSource 查询地址上的代币余额，链上结算模式下由结算器提供。
type BalanceSource interface {
	TokenBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// StartingBalance 是模拟模式下每个账户的初始余额。
var StartingBalance = decimal.NewFromInt(1000)

// Balance 描述账户当前余额及其来源（simulated 或 onchain）。
type Balance struct {
	Address string
	Amount  decimal.Decimal
	Source  string
}

// Ledger 按账户查询收入与支出，忽略自己调用自己工具的交易。
type Ledger struct {
	store   TransactionLister
	balance BalanceSource
}

// LedgerOption 配置账本。
type LedgerOption func(*Ledger)

// WithBalanceSource 使用链上余额代替模拟余额。
func WithBalanceSource(source BalanceSource) LedgerOption {
	return func(l *Ledger) {
		l.balance = source
	}
}

// NewLedger 创建账本。
func NewLedger(store TransactionLister, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Balance 返回账户余额。未配置链上余额来源时，余额为初始余额加上收入减去支出，
// 待确认与已确认交易都会计入。
func (l *Ledger) Balance(ctx context.Context, account storage.Account) (Balance, error) {
	if l.balance != nil {
		amount, err := l.balance.TokenBalance(ctx, account.WalletAddress)
		if err != nil {
			return Balance{}, err
		}
		return Balance{Address: account.WalletAddress, Amount: amount, Source: "onchain"}, nil
	}

	earned, err := l.settledTotal(ctx, storage.TransactionFilter{ToAccountID: account.ID, ExcludeSelf: true})
	if err != nil {
		return Balance{}, err
	}
	spent, err := l.settledTotal(ctx, storage.TransactionFilter{FromAccountID: account.ID, ExcludeSelf: true})
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Address: account.WalletAddress,
		Amount:  StartingBalance.Add(earned).Sub(spent),
		Source:  "simulated",
	}, nil
}

func (l *Ledger) settledTotal(ctx context.Context, filter storage.TransactionFilter) (decimal.Decimal, error) {
	txs, err := l.store.ListTransactions(ctx, filter)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Status != storage.TxFailed {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

// Earnings 返回账户作为工具所有者获得的收入。
func (l *Ledger) Earnings(ctx context.Context, accountID int64) (Summary, error) {
	return l.summarise(ctx, storage.TransactionFilter{ToAccountID: accountID, ExcludeSelf: true})
}

// Spending 返回账户调用他人工具的支出。
func (l *Ledger) Spending(ctx context.Context, accountID int64) (Summary, error) {
	return l.summarise(ctx, storage.TransactionFilter{FromAccountID: accountID, ExcludeSelf: true})
}

func (l *Ledger) summarise(ctx context.Context, filter storage.TransactionFilter) (Summary, error) {
	txs, err := l.store.ListTransactions(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Status == storage.TxConfirmed {
			total = total.Add(tx.Amount)
		}
	}
	if txs == nil {
		txs = []storage.Transaction{}
	}
	return Summary{Total: total, Count: len(txs), Transactions: txs}, nil
}
