// Package storage defines the persisted records of the tool marketplace and the
// repository contract that concrete drivers (memory, mysql) implement.
//
// Records are plain values. Callers receive copies and never hold a live
// reference into a driver's state.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/integrity"
)

// 通用存储错误。
var (
	ErrNotFound          = xerrors.New(xerrors.CodeNotFound, "记录不存在")
	ErrDuplicateRef      = xerrors.New(xerrors.CodeConflict, "交易凭证已存在")
	ErrStaleTool         = xerrors.New(xerrors.CodeConflict, "Tool definition changed during review")
	ErrUnsupportedDriver = xerrors.New(xerrors.CodeInvalidArgument, "暂不支持的存储驱动")
)

// Method 是工具端点允许的 HTTP 方法，取值封闭。
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// ParseMethod 将原始字符串规范化为受支持的方法。
func ParseMethod(raw string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(raw))); m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return m, nil
	default:
		return "", fmt.Errorf("Unsupported HTTP method: %s", raw)
	}
}

// SendsBody reports whether parameters travel as a JSON body instead of the
// query string.
func (m Method) SendsBody() bool {
	return m == MethodPost || m == MethodPut
}

// TxStatus 表示交易状态。
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Account 表示一个平台账户。
type Account struct {
	ID                  int64
	Email               string
	WalletAddress       string
	EncryptedSigningKey string
	EncryptedLLMKey     string
	IsAdmin             bool
	CreatedAt           time.Time
}

// HasLLMCredential reports whether the account configured an oracle API key.
func (a Account) HasLLMCredential() bool {
	return strings.TrimSpace(a.EncryptedLLMKey) != ""
}

// Tool 表示一个登记在市场中的第三方 HTTP 工具。
//
// Method 保存登记时的原始字符串，摘要基于该原始值计算；执行前再收敛为 Method 类型。
type Tool struct {
	ID           int64
	Name         string
	Description  string
	URL          string
	Method       string
	Headers      string
	BodyTemplate string
	MetadataHash string
	Price        decimal.Decimal
	OwnerID      int64
	Approved     bool
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contract returns the hashed portion of the tool definition.
func (t Tool) Contract() integrity.Contract {
	return integrity.Contract{URL: t.URL, Method: t.Method, Headers: t.Headers, BodyTemplate: t.BodyTemplate}
}

// Executable reports whether the tool may be offered to the selector.
func (t Tool) Executable() bool {
	return t.Approved && t.Active
}

// DecodeObject parses a stored JSON object. Blank input yields an empty map;
// invalid input yields an empty map and the parse error.
func DecodeObject(raw string) (map[string]any, error) {
	obj := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return obj, nil
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return map[string]any{}, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}

// Transaction 记录一次工具调用对应的付款。
type Transaction struct {
	ID            int64
	FromAccountID int64
	ToAccountID   int64
	ToolID        int64
	Amount        decimal.Decimal
	Reference     string
	Status        TxStatus
	CreatedAt     time.Time

	// ToolName 仅在查询时通过关联填充。
	ToolName string
}

// Conversation 记录一次完整的对话轮次，创建后不可修改。
type Conversation struct {
	ID            int64
	AccountID     int64
	UserMessage   string
	ToolSelected  *string
	ToolResult    *string
	FinalResponse string
	CreatedAt     time.Time
}

// ToolFilter 描述工具查询条件，零值字段不参与过滤。
type ToolFilter struct {
	Approved *bool
	Active   *bool
	OwnerID  int64
}

// Matches applies the filter to a record in memory.
func (f ToolFilter) Matches(t Tool) bool {
	if f.Approved != nil && t.Approved != *f.Approved {
		return false
	}
	if f.Active != nil && t.Active != *f.Active {
		return false
	}
	if f.OwnerID != 0 && t.OwnerID != f.OwnerID {
		return false
	}
	return true
}

// ExecutableFilter selects approved and active tools.
func ExecutableFilter() ToolFilter {
	yes := true
	return ToolFilter{Approved: &yes, Active: &yes}
}

// PendingFilter selects active tools awaiting approval.
func PendingFilter() ToolFilter {
	no, yes := false, true
	return ToolFilter{Approved: &no, Active: &yes}
}

// TransactionFilter 描述交易查询条件。
type TransactionFilter struct {
	FromAccountID int64
	ToAccountID   int64
	ExcludeSelf   bool
	Limit         int
}

// Matches applies the filter to a record in memory.
func (f TransactionFilter) Matches(tx Transaction) bool {
	if f.FromAccountID != 0 && tx.FromAccountID != f.FromAccountID {
		return false
	}
	if f.ToAccountID != 0 && tx.ToAccountID != f.ToAccountID {
		return false
	}
	if f.ExcludeSelf && tx.FromAccountID == tx.ToAccountID {
		return false
	}
	return true
}

// AccountRepository 负责账户读写。
type AccountRepository interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	FindAccount(ctx context.Context, id int64) (Account, error)
}

// ToolRepository 负责工具读写。
type ToolRepository interface {
	CreateTool(ctx context.Context, tool Tool) (Tool, error)
	UpdateTool(ctx context.Context, tool Tool) (Tool, error)
	FindTool(ctx context.Context, id int64) (Tool, error)
	ListTools(ctx context.Context, filter ToolFilter) ([]Tool, error)
	SetToolApproval(ctx context.Context, id int64, approved bool) error
	// ApproveTool 仅在摘要仍为 metadataHash 时批准，否则返回 ErrStaleTool。
	ApproveTool(ctx context.Context, id int64, metadataHash string) error
}

// TransactionRepository 负责交易记录，只追加。
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// ConversationRepository 负责对话记录，只追加。
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv Conversation) (Conversation, error)
	ListConversations(ctx context.Context, accountID int64, limit int) ([]Conversation, error)
}

// Store 聚合全部仓库能力，由具体驱动实现。
type Store interface {
	AccountRepository
	ToolRepository
	TransactionRepository
	ConversationRepository
	Close() error
}
