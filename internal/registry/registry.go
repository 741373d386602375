// Package registry manages the lifecycle of marketplace tools: owners submit
// and edit them, administrators approve or reject them. Every tool carries a
// digest of its invocation contract, and approval is refused when the stored
// contract no longer matches that digest.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/events"
	"StableTool/internal/integrity"
	"StableTool/internal/observability/alerting"
	"StableTool/internal/observability/metrics"
	"StableTool/internal/storage"
	"StableTool/pkg/logger"
)

// ErrNotOwner 表示调用者不是工具所有者。
var ErrNotOwner = xerrors.New(xerrors.CodePermissionDenied, "Not authorized to modify this tool")

// Store 是注册中心所需的存储能力。
type Store interface {
	CreateTool(ctx context.Context, tool storage.Tool) (storage.Tool, error)
	UpdateTool(ctx context.Context, tool storage.Tool) (storage.Tool, error)
	FindTool(ctx context.Context, id int64) (storage.Tool, error)
	ListTools(ctx context.Context, filter storage.ToolFilter) ([]storage.Tool, error)
	ApproveTool(ctx context.Context, id int64, metadataHash string) error
}

// Draft 描述一次工具提交。
type Draft struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	URL          string          `json:"api_url"`
	Method       string          `json:"api_method"`
	Headers      string          `json:"api_headers"`
	BodyTemplate string          `json:"api_body_template"`
	Price        decimal.Decimal `json:"price"`
}

// Patch 描述所有者对工具的修改，nil 字段保持不变。
// 修改调用契约字段会重新计算摘要并撤销审核。
type Patch struct {
	Name         *string          `json:"name,omitempty"`
	Description  *string          `json:"description,omitempty"`
	URL          *string          `json:"api_url,omitempty"`
	Method       *string          `json:"api_method,omitempty"`
	Headers      *string          `json:"api_headers,omitempty"`
	BodyTemplate *string          `json:"api_body_template,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Active       *bool            `json:"active,omitempty"`
}

// Option 自定义注册中心。
type Option func(*Registry)

// WithPublisher 设置审计事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(r *Registry) {
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(r *Registry) {
		r.alerts = alerts
	}
}

// WithLogger 指定组件日志。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAuditLogger 指定记录审核决定的审计日志。
func WithAuditLogger(audit *slog.Logger) Option {
	return func(r *Registry) {
		if audit != nil {
			r.audit = audit
		}
	}
}

// Registry 提供工具的提交、修改与审核。
type Registry struct {
	store     Store
	publisher events.Publisher
	alerts    alerting.Dispatcher
	logger    *slog.Logger
	audit     *slog.Logger
}

// New 创建注册中心。
func New(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, publisher: events.Nop{}, logger: slog.Default(), audit: logger.Audit()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Submit 校验并登记新工具，初始状态为待审核。
func (r *Registry) Submit(ctx context.Context, ownerID int64, draft Draft) (storage.Tool, error) {
	method := draft.Method
	if strings.TrimSpace(method) == "" {
		method = string(storage.MethodGet)
	}
	tool := storage.Tool{
		Name:         strings.TrimSpace(draft.Name),
		Description:  strings.TrimSpace(draft.Description),
		URL:          strings.TrimSpace(draft.URL),
		Method:       method,
		Headers:      draft.Headers,
		BodyTemplate: draft.BodyTemplate,
		Price:        draft.Price,
		OwnerID:      ownerID,
		Approved:     false,
		Active:       true,
	}
	if err := validate(&tool); err != nil {
		return storage.Tool{}, err
	}
	tool.MetadataHash = integrity.ComputeHash(tool.Contract())

	created, err := r.store.CreateTool(ctx, tool)
	if err != nil {
		return storage.Tool{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存工具失败")
	}
	r.logger.Info("工具已提交，等待审核",
		slog.Int64("tool_id", created.ID),
		slog.Int64("owner_id", ownerID),
		slog.String("metadata_hash", created.MetadataHash),
	)
	return created, nil
}

// Update 由所有者修改工具。
func (r *Registry) Update(ctx context.Context, ownerID, id int64, patch Patch) (storage.Tool, error) {
	tool, err := r.owned(ctx, ownerID, id)
	if err != nil {
		return storage.Tool{}, err
	}

	before := tool.Contract()
	if patch.Name != nil {
		tool.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		tool.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.URL != nil {
		tool.URL = strings.TrimSpace(*patch.URL)
	}
	if patch.Method != nil {
		tool.Method = *patch.Method
	}
	if patch.Headers != nil {
		tool.Headers = *patch.Headers
	}
	if patch.BodyTemplate != nil {
		tool.BodyTemplate = *patch.BodyTemplate
	}
	if patch.Price != nil {
		tool.Price = *patch.Price
	}
	if patch.Active != nil {
		tool.Active = *patch.Active
	}
	if err := validate(&tool); err != nil {
		return storage.Tool{}, err
	}

	// 调用契约变化后必须重新审核。
	if tool.Contract() != before {
		tool.MetadataHash = integrity.ComputeHash(tool.Contract())
		tool.Approved = false
		r.logger.Info("工具调用契约已变更，重新进入审核", slog.Int64("tool_id", tool.ID))
	}

	updated, err := r.store.UpdateTool(ctx, tool)
	if err != nil {
		return storage.Tool{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工具失败")
	}
	return updated, nil
}

// Deactivate 软删除工具。
func (r *Registry) Deactivate(ctx context.Context, ownerID, id int64) error {
	inactive := false
	_, err := r.Update(ctx, ownerID, id, Patch{Active: &inactive})
	return err
}

// Approve 校验摘要后批准工具。
func (r *Registry) Approve(ctx context.Context, id int64) (storage.Tool, error) {
	tool, err := r.find(ctx, id)
	if err != nil {
		return storage.Tool{}, err
	}
	if err := integrity.Check(tool.Contract(), tool.MetadataHash, strconv.FormatInt(tool.ID, 10)); err != nil {
		metrics.IntegrityViolationsTotal.Inc()
		r.logger.Warn("工具元数据摘要不匹配，拒绝批准", slog.Int64("tool_id", tool.ID))
		r.audit.Warn("tool_approval_blocked", "tool_id", tool.ID, "owner_id", tool.OwnerID, "reason", "integrity_violation")
		events.Emit(ctx, r.publisher, r.logger, events.New(events.ToolIntegrityViolation, map[string]any{
			"tool_id":  tool.ID,
			"owner_id": tool.OwnerID,
			"stage":    "approval",
		}))
		if r.alerts != nil {
			if alertErr := r.alerts.Notify(ctx, alerting.FromError(err, tool.ID, tool.OwnerID)); alertErr != nil {
				r.logger.Warn("发送告警失败", slog.String("error", alertErr.Error()))
			}
		}
		return storage.Tool{}, err
	}

	// 只批准已校验过的摘要，审核期间被修改的契约需要重新审核。
	if err := r.store.ApproveTool(ctx, tool.ID, tool.MetadataHash); err != nil {
		if errors.Is(err, storage.ErrStaleTool) {
			r.logger.Warn("工具在审核期间被修改，放弃批准", slog.Int64("tool_id", tool.ID))
			return storage.Tool{}, err
		}
		return storage.Tool{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工具失败")
	}
	updated, err := r.find(ctx, tool.ID)
	if err != nil {
		return storage.Tool{}, err
	}
	r.logger.Info("工具已批准", slog.Int64("tool_id", tool.ID))
	r.audit.Info("tool_approved", "tool_id", tool.ID, "owner_id", tool.OwnerID, "metadata_hash", tool.MetadataHash)
	events.Emit(ctx, r.publisher, r.logger, events.New(events.ToolApproved, map[string]any{
		"tool_id":  tool.ID,
		"owner_id": tool.OwnerID,
	}))
	return updated, nil
}

// Reject 拒绝工具并将其下线。记录保留以便历史交易仍可关联。
func (r *Registry) Reject(ctx context.Context, id int64) error {
	tool, err := r.find(ctx, id)
	if err != nil {
		return err
	}
	tool.Approved = false
	tool.Active = false
	if _, err := r.store.UpdateTool(ctx, tool); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工具失败")
	}
	r.logger.Info("工具已拒绝", slog.Int64("tool_id", tool.ID))
	r.audit.Info("tool_rejected", "tool_id", tool.ID, "owner_id", tool.OwnerID)
	events.Emit(ctx, r.publisher, r.logger, events.New(events.ToolRejected, map[string]any{
		"tool_id":  tool.ID,
		"owner_id": tool.OwnerID,
	}))
	return nil
}

// Pending 返回待审核的工具。
func (r *Registry) Pending(ctx context.Context) ([]storage.Tool, error) {
	return r.list(ctx, storage.PendingFilter())
}

// ListByOwner 返回所有者的全部工具。
func (r *Registry) ListByOwner(ctx context.Context, ownerID int64) ([]storage.Tool, error) {
	return r.list(ctx, storage.ToolFilter{OwnerID: ownerID})
}

// Get 返回单个工具。
func (r *Registry) Get(ctx context.Context, id int64) (storage.Tool, error) {
	return r.find(ctx, id)
}

func (r *Registry) list(ctx context.Context, filter storage.ToolFilter) ([]storage.Tool, error) {
	tools, err := r.store.ListTools(ctx, filter)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具失败")
	}
	return tools, nil
}

func (r *Registry) find(ctx context.Context, id int64) (storage.Tool, error) {
	tool, err := r.store.FindTool(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return storage.Tool{}, xerrors.New(xerrors.CodeNotFound, "Tool not found")
		}
		return storage.Tool{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工具失败")
	}
	return tool, nil
}

func (r *Registry) owned(ctx context.Context, ownerID, id int64) (storage.Tool, error) {
	tool, err := r.find(ctx, id)
	if err != nil {
		return storage.Tool{}, err
	}
	if tool.OwnerID != ownerID {
		return storage.Tool{}, ErrNotOwner
	}
	return tool, nil
}

// validate 校验工具字段并规范化方法名。
func validate(tool *storage.Tool) error {
	if tool.Name == "" {
		return invalid("name is required")
	}
	parsed, err := url.Parse(tool.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return invalid("api_url must be an absolute http(s) URL")
	}
	method, err := storage.ParseMethod(tool.Method)
	if err != nil {
		return invalid(err.Error())
	}
	tool.Method = string(method)
	if tool.Price.IsNegative() {
		return invalid("price must not be negative")
	}
	if _, err := storage.DecodeObject(tool.Headers); err != nil {
		return invalid(fmt.Sprintf("api_headers must be a JSON object: %v", err))
	}
	if _, err := storage.DecodeObject(tool.BodyTemplate); err != nil {
		return invalid(fmt.Sprintf("api_body_template must be a JSON object: %v", err))
	}
	return nil
}

func invalid(message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message)
}
