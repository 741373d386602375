package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"StableTool/internal/storage"
)

// Store 是进程内的存储实现，便于本地开发与测试。
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	accounts      map[int64]storage.Account
	tools         []storage.Tool
	transactions  []storage.Transaction
	conversations []storage.Conversation
	references    map[string]struct{}
	nextAccount   int64
	nextTool      int64
	nextTx        int64
	nextConv      int64
}

// NewStore 创建一个空的内存存储。
func NewStore() *Store {
	return &Store{
		now:        time.Now,
		accounts:   make(map[int64]storage.Account),
		references: make(map[string]struct{}),
	}
}

// CreateAccount 写入账户，ID 为零时自动分配。
func (s *Store) CreateAccount(_ context.Context, account storage.Account) (storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == 0 {
		s.nextAccount++
		account.ID = s.nextAccount
	} else if account.ID > s.nextAccount {
		s.nextAccount = account.ID
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now().UTC()
	}
	s.accounts[account.ID] = account
	return account, nil
}

// FindAccount 根据 ID 查询账户。
func (s *Store) FindAccount(_ context.Context, id int64) (storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return account, nil
}

// CreateTool 写入工具并分配 ID。
func (s *Store) CreateTool(_ context.Context, tool storage.Tool) (storage.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTool++
	tool.ID = s.nextTool
	now := s.now().UTC()
	tool.CreatedAt, tool.UpdatedAt = now, now
	s.tools = append(s.tools, tool)
	return tool, nil
}

// UpdateTool 覆盖已有工具记录。
func (s *Store) UpdateTool(_ context.Context, tool storage.Tool) (storage.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tools {
		if s.tools[i].ID != tool.ID {
			continue
		}
		tool.CreatedAt = s.tools[i].CreatedAt
		tool.UpdatedAt = s.now().UTC()
		s.tools[i] = tool
		return tool, nil
	}
	return storage.Tool{}, storage.ErrNotFound
}

// FindTool 根据 ID 查询工具。
func (s *Store) FindTool(_ context.Context, id int64) (storage.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tool := range s.tools {
		if tool.ID == id {
			return tool, nil
		}
	}
	return storage.Tool{}, storage.ErrNotFound
}

// ListTools 按插入顺序返回满足条件的工具。
func (s *Store) ListTools(_ context.Context, filter storage.ToolFilter) ([]storage.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		if filter.Matches(tool) {
			result = append(result, tool)
		}
	}
	return result, nil
}

// SetToolApproval 更新工具的审核状态。
func (s *Store) SetToolApproval(_ context.Context, id int64, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tools {
		if s.tools[i].ID == id {
			s.tools[i].Approved = approved
			s.tools[i].UpdatedAt = s.now().UTC()
			return nil
		}
	}
	return storage.ErrNotFound
}

// ApproveTool 在摘要未变时批准工具。
func (s *Store) ApproveTool(_ context.Context, id int64, metadataHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.tools {
		if s.tools[i].ID != id {
			continue
		}
		if s.tools[i].MetadataHash != metadataHash {
			return storage.ErrStaleTool
		}
		s.tools[i].Approved = true
		s.tools[i].UpdatedAt = s.now().UTC()
		return nil
	}
	return storage.ErrNotFound
}

// CreateTransaction 追加交易记录，凭证重复时返回 ErrDuplicateRef。
func (s *Store) CreateTransaction(_ context.Context, tx storage.Transaction) (storage.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.references[tx.Reference]; exists {
		return storage.Transaction{}, storage.ErrDuplicateRef
	}
	s.nextTx++
	tx.ID = s.nextTx
	if tx.Status == "" {
		tx.Status = storage.TxPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}
	tx.ToolName = ""
	s.references[tx.Reference] = struct{}{}
	s.transactions = append(s.transactions, tx)
	return tx, nil
}

// ListTransactions 按时间倒序返回交易记录，并补全工具名称。
func (s *Store) ListTransactions(_ context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[int64]string, len(s.tools))
	for _, tool := range s.tools {
		names[tool.ID] = tool.Name
	}

	result := make([]storage.Transaction, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if !filter.Matches(tx) {
			continue
		}
		tx.ToolName = names[tx.ToolID]
		result = append(result, tx)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// CreateConversation 追加对话记录。
func (s *Store) CreateConversation(_ context.Context, conv storage.Conversation) (storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConv++
	conv.ID = s.nextConv
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}
	s.conversations = append(s.conversations, conv)
	return conv, nil
}

// ListConversations 返回账户最近的对话，最新的在前。
func (s *Store) ListConversations(_ context.Context, accountID int64, limit int) ([]storage.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.AccountID == accountID {
			result = append(result, conv)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close 满足 storage.Store 接口。
func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
