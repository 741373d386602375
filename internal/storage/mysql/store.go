package mysql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/storage"
	"StableTool/pkg/logger"
)

const mysqlDuplicateEntry = 1062

// Store 使用 MySQL 持久化账户、工具、交易与对话。
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore 建立连接池，并在开启 AutoMigrate 时执行嵌入式迁移。
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 MySQL 存储失败")
	}
	store := newStoreWithDB(db)
	if cfg.AutoMigrate {
		if err := store.runMigrations(ctx); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行数据库迁移失败")
		}
	}
	return store, nil
}

func newStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: logger.Named("mysql"), now: time.Now}
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageErr(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

const insertAccountSQL = `INSERT INTO accounts
    (email, wallet_address, encrypted_signing_key, encrypted_llm_key, is_admin, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`

// CreateAccount 写入账户。
func (s *Store) CreateAccount(ctx context.Context, account storage.Account) (storage.Account, error) {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, insertAccountSQL,
		account.Email,
		account.WalletAddress,
		account.EncryptedSigningKey,
		account.EncryptedLLMKey,
		account.IsAdmin,
		account.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return storage.Account{}, xerrors.Wrap(xerrors.CodeConflict, err, "账户已存在")
		}
		return storage.Account{}, storageErr(err, "写入账户失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Account{}, storageErr(err, "读取账户 ID 失败")
	}
	account.ID = id
	return account, nil
}

const selectAccountSQL = `SELECT id, email, wallet_address, encrypted_signing_key, encrypted_llm_key, is_admin, created_at
    FROM accounts WHERE id = ?`

// FindAccount 查询账户。
func (s *Store) FindAccount(ctx context.Context, id int64) (storage.Account, error) {
	var account storage.Account
	err := s.db.QueryRowContext(ctx, selectAccountSQL, id).Scan(
		&account.ID,
		&account.Email,
		&account.WalletAddress,
		&account.EncryptedSigningKey,
		&account.EncryptedLLMKey,
		&account.IsAdmin,
		&account.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Account{}, storageErr(err, "查询账户失败")
	}
	return account, nil
}

const toolColumns = `id, name, description, api_url, api_method, api_headers, api_body_template, metadata_hash, price, owner_id, approved, active, created_at, updated_at`

const insertToolSQL = `INSERT INTO tools
    (name, description, api_url, api_method, api_headers, api_body_template, metadata_hash, price, owner_id, approved, active, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateTool 写入工具。
func (s *Store) CreateTool(ctx context.Context, tool storage.Tool) (storage.Tool, error) {
	now := s.now().UTC()
	tool.CreatedAt, tool.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, insertToolSQL,
		tool.Name,
		tool.Description,
		tool.URL,
		tool.Method,
		tool.Headers,
		tool.BodyTemplate,
		tool.MetadataHash,
		tool.Price,
		tool.OwnerID,
		tool.Approved,
		tool.Active,
		tool.CreatedAt,
		tool.UpdatedAt,
	)
	if err != nil {
		return storage.Tool{}, storageErr(err, "写入工具失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Tool{}, storageErr(err, "读取工具 ID 失败")
	}
	tool.ID = id
	return tool, nil
}

const updateToolSQL = `UPDATE tools SET name = ?, description = ?, api_url = ?, api_method = ?, api_headers = ?, api_body_template = ?,
    metadata_hash = ?, price = ?, approved = ?, active = ?, updated_at = ? WHERE id = ?`

// UpdateTool 覆盖工具的可变字段。
func (s *Store) UpdateTool(ctx context.Context, tool storage.Tool) (storage.Tool, error) {
	tool.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, updateToolSQL,
		tool.Name,
		tool.Description,
		tool.URL,
		tool.Method,
		tool.Headers,
		tool.BodyTemplate,
		tool.MetadataHash,
		tool.Price,
		tool.Approved,
		tool.Active,
		tool.UpdatedAt,
		tool.ID,
	)
	if err != nil {
		return storage.Tool{}, storageErr(err, "更新工具失败")
	}
	if err := expectAffected(res); err != nil {
		return storage.Tool{}, err
	}
	return tool, nil
}

// FindTool 根据 ID 查询工具。
func (s *Store) FindTool(ctx context.Context, id int64) (storage.Tool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Tool{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Tool{}, storageErr(err, "查询工具失败")
	}
	return tool, nil
}

// ListTools 按插入顺序返回满足条件的工具。
func (s *Store) ListTools(ctx context.Context, filter storage.ToolFilter) ([]storage.Tool, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Approved != nil {
		clauses = append(clauses, "approved = ?")
		args = append(args, *filter.Approved)
	}
	if filter.Active != nil {
		clauses = append(clauses, "active = ?")
		args = append(args, *filter.Active)
	}
	if filter.OwnerID != 0 {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	query := `SELECT ` + toolColumns + ` FROM tools`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询工具列表失败")
	}
	defer rows.Close()

	var tools []storage.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, storageErr(err, "解析工具记录失败")
		}
		tools = append(tools, tool)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历工具记录失败")
	}
	return tools, nil
}

// SetToolApproval 更新工具审核状态。
func (s *Store) SetToolApproval(ctx context.Context, id int64, approved bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tools SET approved = ?, updated_at = ? WHERE id = ?`, approved, s.now().UTC(), id)
	if err != nil {
		return storageErr(err, "更新工具审核状态失败")
	}
	return expectAffected(res)
}

// ApproveTool 以摘要为条件批准工具，期间契约被修改时返回 ErrStaleTool。
func (s *Store) ApproveTool(ctx context.Context, id int64, metadataHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tools SET approved = TRUE, updated_at = ? WHERE id = ? AND metadata_hash = ?`,
		s.now().UTC(), id, metadataHash)
	if err != nil {
		return storageErr(err, "批准工具失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "读取影响行数失败")
	}
	if affected == 0 {
		return storage.ErrStaleTool
	}
	return nil
}

const insertTransactionSQL = `INSERT INTO transactions
    (from_account_id, to_account_id, tool_id, amount, tx_reference, status, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// CreateTransaction 追加交易记录，凭证唯一。
func (s *Store) CreateTransaction(ctx context.Context, tx storage.Transaction) (storage.Transaction, error) {
	if tx.Status == "" {
		tx.Status = storage.TxPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, insertTransactionSQL,
		tx.FromAccountID,
		tx.ToAccountID,
		tx.ToolID,
		tx.Amount,
		tx.Reference,
		string(tx.Status),
		tx.CreatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return storage.Transaction{}, storage.ErrDuplicateRef
		}
		return storage.Transaction{}, storageErr(err, "写入交易记录失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Transaction{}, storageErr(err, "读取交易 ID 失败")
	}
	tx.ID = id
	return tx, nil
}

// ListTransactions 按时间倒序返回交易并关联工具名称。
func (s *Store) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.FromAccountID != 0 {
		clauses = append(clauses, "t.from_account_id = ?")
		args = append(args, filter.FromAccountID)
	}
	if filter.ToAccountID != 0 {
		clauses = append(clauses, "t.to_account_id = ?")
		args = append(args, filter.ToAccountID)
	}
	if filter.ExcludeSelf {
		clauses = append(clauses, "t.from_account_id <> t.to_account_id")
	}
	query := `SELECT t.id, t.from_account_id, t.to_account_id, t.tool_id, t.amount, t.tx_reference, t.status, t.created_at, COALESCE(tl.name, '')
    FROM transactions t LEFT JOIN tools tl ON tl.id = t.tool_id`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY t.created_at DESC, t.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询交易记录失败")
	}
	defer rows.Close()

	var result []storage.Transaction
	for rows.Next() {
		var (
			tx     storage.Transaction
			status string
		)
		if err := rows.Scan(&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.ToolID, &tx.Amount, &tx.Reference, &status, &tx.CreatedAt, &tx.ToolName); err != nil {
			return nil, storageErr(err, "解析交易记录失败")
		}
		tx.Status = storage.TxStatus(status)
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历交易记录失败")
	}
	return result, nil
}

const insertConversationSQL = `INSERT INTO conversations
    (account_id, user_message, tool_selected, tool_result, final_response, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`

// CreateConversation 追加对话记录。
func (s *Store) CreateConversation(ctx context.Context, conv storage.Conversation) (storage.Conversation, error) {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, insertConversationSQL,
		conv.AccountID,
		conv.UserMessage,
		nullString(conv.ToolSelected),
		nullString(conv.ToolResult),
		conv.FinalResponse,
		conv.CreatedAt,
	)
	if err != nil {
		return storage.Conversation{}, storageErr(err, "写入对话记录失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.Conversation{}, storageErr(err, "读取对话 ID 失败")
	}
	conv.ID = id
	return conv, nil
}

const listConversationsSQL = `SELECT id, account_id, user_message, tool_selected, tool_result, final_response, created_at
    FROM conversations WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`

// ListConversations 返回账户最近的对话。
func (s *Store) ListConversations(ctx context.Context, accountID int64, limit int) ([]storage.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listConversationsSQL, accountID, limit)
	if err != nil {
		return nil, storageErr(err, "查询对话记录失败")
	}
	defer rows.Close()

	var result []storage.Conversation
	for rows.Next() {
		var (
			conv         storage.Conversation
			toolSelected sql.NullString
			toolResult   sql.NullString
		)
		if err := rows.Scan(&conv.ID, &conv.AccountID, &conv.UserMessage, &toolSelected, &toolResult, &conv.FinalResponse, &conv.CreatedAt); err != nil {
			return nil, storageErr(err, "解析对话记录失败")
		}
		conv.ToolSelected = stringPtr(toolSelected)
		conv.ToolResult = stringPtr(toolResult)
		result = append(result, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历对话记录失败")
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (storage.Tool, error) {
	var tool storage.Tool
	err := row.Scan(
		&tool.ID,
		&tool.Name,
		&tool.Description,
		&tool.URL,
		&tool.Method,
		&tool.Headers,
		&tool.BodyTemplate,
		&tool.MetadataHash,
		&tool.Price,
		&tool.OwnerID,
		&tool.Approved,
		&tool.Active,
		&tool.CreatedAt,
		&tool.UpdatedAt,
	)
	return tool, err
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "读取影响行数失败")
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func isDuplicate(err error) bool {
	var mysqlErr *driver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

var _ storage.Store = (*Store)(nil)
