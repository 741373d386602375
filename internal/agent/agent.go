package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"StableTool/internal/catalog"
	"StableTool/internal/composer"
	xerrors "StableTool/internal/errors"
	"StableTool/internal/events"
	"StableTool/internal/integrity"
	"StableTool/internal/llm"
	"StableTool/internal/observability/metrics"
	"StableTool/internal/payment"
	"StableTool/internal/secrets"
	"StableTool/internal/selector"
	"StableTool/internal/storage"
)

// CodeToolNotFound 表示模型选择的工具不存在或已不可用。
const CodeToolNotFound xerrors.Code = "TOOL_NOT_FOUND"

func init() {
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{Message: "selected tool not found", Severity: xerrors.SeverityInfo})
}

const (
	noToolsResponse     = "I apologize, but there are no tools available at the moment. Please check back later."
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ErrMissingCredential 表示账户未配置模型 API Key。
var ErrMissingCredential = xerrors.New(xerrors.CodeConfiguration, "LLM API key not configured. Please set your API key in settings.")

// Store 是编排器所需的存储能力。
type Store interface {
	FindAccount(ctx context.Context, id int64) (storage.Account, error)
	FindTool(ctx context.Context, id int64) (storage.Tool, error)
	CreateConversation(ctx context.Context, conv storage.Conversation) (storage.Conversation, error)
	ListConversations(ctx context.Context, accountID int64, limit int) ([]storage.Conversation, error)
}

// Executor 执行选中的工具。
type Executor interface {
	Execute(ctx context.Context, req payment.Request) (payment.Outcome, error)
}

// ChatRequest 描述一次对话请求。
type ChatRequest struct {
	AccountID int64  `json:"-"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
}

// TurnResult 汇总一次对话轮次的结果。
type TurnResult struct {
	TurnID         string           `json:"turn_id"`
	Response       string           `json:"response"`
	ToolUsed       *string          `json:"tool_used"`
	ToolResult     map[string]any   `json:"tool_result"`
	PricePaid      *decimal.Decimal `json:"price_paid"`
	TransactionRef *string          `json:"transaction_ref"`
	ConversationID int64            `json:"conversation_id"`
}

// Orchestrator 串联目录、选择、支付协商与回复生成，是系统的业务核心。
type Orchestrator struct {
	store        Store
	catalog      *catalog.Catalog
	selector     *selector.Selector
	executor     Executor
	composer     *composer.Composer
	box          *secrets.Box
	publisher    events.Publisher
	logger       *slog.Logger
	defaultModel string
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithSecrets 设置凭证解密器。
func WithSecrets(box *secrets.Box) Option {
	return func(o *Orchestrator) {
		if box != nil {
			o.box = box
		}
	}
}

// WithPublisher 设置审计事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDefaultModel 设置请求未指定模型时使用的模型名称。
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		o.defaultModel = model
	}
}

// New 创建编排器。
func New(store Store, cat *catalog.Catalog, sel *selector.Selector, executor Executor, comp *composer.Composer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		catalog:   cat,
		selector:  sel,
		executor:  executor,
		composer:  comp,
		box:       secrets.New(""),
		publisher: events.Nop{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// turn 保存单个轮次内的可变状态。
type turn struct {
	id         string
	account    storage.Account
	message    string
	gen        llm.GenerationConfig
	toolName   *string
	toolResult map[string]any
	errMessage string
	outcome    *payment.Outcome
	tool       *storage.Tool
}

// Chat 处理一次对话轮次。
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*TurnResult, error) {
	if req.Message == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}

	// 校验账户与模型凭证，失败时不写入任何记录。
	account, err := o.store.FindAccount(ctx, req.AccountID)
	if err != nil {
		return nil, o.storageError(err, "查询账户失败")
	}
	if !account.HasLLMCredential() {
		metrics.ObserveTurn("rejected")
		return nil, ErrMissingCredential
	}
	apiKey, err := o.box.Open(account.EncryptedLLMKey)
	if err != nil {
		metrics.ObserveTurn("rejected")
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = o.defaultModel
	}
	t := &turn{
		id:      uuid.NewString(),
		account: account,
		message: req.Message,
		gen:     llm.GenerationConfig{APIKey: apiKey, Model: model},
	}
	logger := o.logger.With(slog.String("turn_id", t.id), slog.Int64("account_id", account.ID))

	// 获取可执行工具快照，为空时直接返回固定回复。
	tools, err := o.catalog.ListExecutable(ctx)
	if err != nil {
		return nil, o.storageError(err, "查询工具目录失败")
	}
	var response string
	if len(tools) == 0 {
		logger.Info("没有可用工具")
		response = noToolsResponse
	} else {
		if err := o.runSelection(ctx, logger, t, tools); err != nil {
			metrics.ObserveTurn("failed")
			return nil, err
		}
		response = o.composer.Compose(ctx, composer.Input{
			UserMessage:  t.message,
			ToolName:     deref(t.toolName),
			Result:       t.toolResult,
			ErrorMessage: t.errMessage,
		}, t.gen)
	}

	// 每个轮次写入且仅写入一条对话记录。
	conv, err := o.store.CreateConversation(ctx, storage.Conversation{
		AccountID:     account.ID,
		UserMessage:   t.message,
		ToolSelected:  t.toolName,
		ToolResult:    encodeResult(t.toolResult),
		FinalResponse: response,
	})
	if err != nil {
		return nil, o.storageError(err, "保存对话记录失败")
	}
	events.Emit(ctx, o.publisher, logger, events.New(events.ConversationRecorded, map[string]any{
		"conversation_id": conv.ID,
		"turn_id":         t.id,
		"account_id":      account.ID,
		"tool_selected":   deref(t.toolName),
		"degraded":        t.errMessage != "",
	}))

	result := &TurnResult{
		TurnID:         t.id,
		Response:       response,
		ToolUsed:       t.toolName,
		ToolResult:     t.toolResult,
		ConversationID: conv.ID,
	}
	if t.outcome != nil && t.tool != nil {
		price := t.tool.Price
		ref := t.outcome.Transaction.Reference
		result.PricePaid = &price
		result.TransactionRef = &ref
	}

	outcome := "completed"
	if t.errMessage != "" {
		outcome = "degraded"
	}
	metrics.ObserveTurn(outcome)
	logger.Info("对话轮次完成",
		slog.String("outcome", outcome),
		slog.String("tool", deref(t.toolName)),
		slog.Int64("conversation_id", conv.ID),
	)
	return result, nil
}

// runSelection 执行选择与工具调用。工具侧失败降级为错误描述，仅存储故障向上返回。
func (o *Orchestrator) runSelection(ctx context.Context, logger *slog.Logger, t *turn, tools []storage.Tool) error {
	selection := o.selector.SelectTool(ctx, t.message, o.catalog.ToSelectorFormat(tools), t.gen)
	if !selection.HasTool() {
		t.errMessage = selection.Reasoning
		return nil
	}

	id := *selection.ToolID
	name := selection.ToolName
	t.toolName = &name

	tool, err := o.store.FindTool(ctx, id)
	if err != nil || !tool.Executable() {
		label := name
		if label == "" {
			label = strconv.FormatInt(id, 10)
		}
		notFound := xerrors.New(CodeToolNotFound, fmt.Sprintf("Tool %s not found", label))
		logger.Warn("选中的工具不可用", slog.Int64("tool_id", id), slog.Any("lookup_error", err))
		t.errMessage = notFound.Message()
		return nil
	}
	if name == "" {
		t.toolName = &tool.Name
	}

	outcome, err := o.executor.Execute(ctx, payment.Request{
		TurnID:     t.id,
		Payer:      t.account,
		Tool:       tool,
		Parameters: selection.Parameters,
	})
	if err != nil {
		if !degradable(err) {
			logger.Error("工具执行出现内部错误", slog.Int64("tool_id", tool.ID), slog.String("error", err.Error()))
			return o.storageError(err, "记录交易失败")
		}
		t.errMessage = xerrors.MessageOf(err)
		return nil
	}
	t.tool = &tool
	t.outcome = &outcome
	t.toolResult = outcome.Result
	return nil
}

// degradable reports whether an execution failure becomes an apology rather
// than failing the turn.
func degradable(err error) bool {
	switch xerrors.CodeOf(err) {
	case integrity.CodeTampered,
		payment.CodeUnsupportedMethod,
		payment.CodeTransport,
		payment.CodeHTTP,
		payment.CodeProcessing:
		return true
	default:
		return false
	}
}

// History 返回账户最近的对话记录，按时间倒序。
func (o *Orchestrator) History(ctx context.Context, accountID int64, limit int) ([]storage.Conversation, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	conversations, err := o.store.ListConversations(ctx, accountID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话记录失败")
	}
	return conversations, nil
}

func (o *Orchestrator) storageError(err error, message string) error {
	if stdErrors.Is(err, storage.ErrNotFound) {
		return err
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func encodeResult(result map[string]any) *string {
	if len(result) == 0 {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
