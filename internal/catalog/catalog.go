// Package catalog exposes the executable tools (approved and active) and
// projects them into the shape handed to the selection oracle.
package catalog

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"StableTool/internal/storage"
)

// Store 是目录所需的最小存储能力。
type Store interface {
	ListTools(ctx context.Context, filter storage.ToolFilter) ([]storage.Tool, error)
}

// Entry 是交给模型的工具描述。不包含所有者凭证与元数据摘要。
type Entry struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	URL          string          `json:"url"`
	Method       string          `json:"method"`
	Price        decimal.Decimal `json:"price"`
	Headers      map[string]any  `json:"headers"`
	BodyTemplate map[string]any  `json:"body_template"`
}

// Catalog 提供调度时刻的可执行工具快照。
type Catalog struct {
	store  Store
	logger *slog.Logger
}

// New 创建目录实例。
func New(store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger}
}

// ListExecutable 返回已审核且启用的工具，顺序与存储一致。
func (c *Catalog) ListExecutable(ctx context.Context) ([]storage.Tool, error) {
	return c.store.ListTools(ctx, storage.ExecutableFilter())
}

// ToSelectorFormat 将工具投影为模型可见的结构。
func (c *Catalog) ToSelectorFormat(tools []storage.Tool) []Entry {
	entries := make([]Entry, 0, len(tools))
	for _, tool := range tools {
		entries = append(entries, Entry{
			ID:           tool.ID,
			Name:         tool.Name,
			Description:  tool.Description,
			URL:          tool.URL,
			Method:       tool.Method,
			Price:        tool.Price,
			Headers:      c.decodeObject(tool.ID, "headers", tool.Headers),
			BodyTemplate: c.decodeObject(tool.ID, "body_template", tool.BodyTemplate),
		})
	}
	return entries
}

// decodeObject 解析存储中的 JSON 对象，空值或无法解析时返回空对象。
func (c *Catalog) decodeObject(toolID int64, field, raw string) map[string]any {
	obj, err := storage.DecodeObject(raw)
	if err != nil {
		c.logger.Warn("工具字段不是合法的 JSON 对象，按空对象处理",
			slog.Int64("tool_id", toolID),
			slog.String("field", field),
			slog.String("error", err.Error()),
		)
	}
	return obj
}
