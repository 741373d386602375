package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"StableTool/internal/agent"
	"StableTool/internal/auth"
	xerrors "StableTool/internal/errors"
	"StableTool/internal/payment"
	"StableTool/internal/storage"
)

const (
	mcpServerName      = "StableTool MCP Server"
	mcpServerVersion   = "1.0.0"
	mcpProtocolVersion = "2024-11-05"
)

type mcpTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema inputSchema     `json:"inputSchema"`
	ToolID      int64           `json:"tool_id"`
	Price       decimal.Decimal `json:"price"`
}

type inputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type schemaProperty struct {
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

type mcpExecuteRequest struct {
	Parameters map[string]any `json:"parameters"`
}

type mcpExecuteResponse struct {
	Result         map[string]any  `json:"result"`
	Paid           bool            `json:"paid"`
	PricePaid      decimal.Decimal `json:"price_paid"`
	TransactionRef string          `json:"transaction_ref"`
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.deps.Catalog.ListExecutable(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]mcpTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, mcpTool{
			Name:        tool.Name,
			Description: fmt.Sprintf("%s | Price: %s %s", tool.Description, tool.Price.String(), s.cfg.TokenSymbol),
			InputSchema: schemaFromTemplate(tool.BodyTemplate),
			ToolID:      tool.ID,
			Price:       tool.Price,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":       out,
		"server_info": s.serverInfo(),
	})
}

func (s *Server) handleMCPInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.serverInfo())
}

func (s *Server) serverInfo() map[string]any {
	return map[string]any{
		"name":             mcpServerName,
		"version":          mcpServerVersion,
		"protocol_version": mcpProtocolVersion,
		"description":      "AI Agent Tool Marketplace with stablecoin payments",
		"capabilities": map[string]bool{
			"tools":               true,
			"payments":            true,
			"automated_execution": true,
		},
		"payment_token": map[string]string{
			"name":     s.cfg.TokenSymbol,
			"contract": s.cfg.TokenContract,
			"network":  s.cfg.Network,
		},
	}
}

// handleMCPExecute 直接执行工具，不经过模型选择。
func (s *Server) handleMCPExecute(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req mcpExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	tool, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !tool.Executable() {
		s.writeError(w, r, xerrors.New(agent.CodeToolNotFound, "Tool not found or not approved"))
		return
	}
	payer, err := s.deps.Accounts.FindAccount(r.Context(), subject.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	outcome, err := s.deps.Executor.Execute(r.Context(), payment.Request{
		TurnID:     uuid.NewString(),
		Payer:      payer,
		Tool:       tool,
		Parameters: req.Parameters,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mcpExecuteResponse{
		Result:         outcome.Result,
		Paid:           outcome.Paid(),
		PricePaid:      outcome.Transaction.Amount,
		TransactionRef: outcome.Transaction.Reference,
	})
}

// schemaFromTemplate 依据请求体模板的键推导输入结构，占位符字段视为必填，
// 钱包字段由服务端填充。
func schemaFromTemplate(raw string) inputSchema {
	schema := inputSchema{Type: "object", Properties: map[string]schemaProperty{}}
	template, _ := storage.DecodeObject(raw)
	for key, value := range template {
		if payment.IsWalletKey(key) {
			continue
		}
		prop := schemaProperty{Type: jsonType(value)}
		if payment.IsPlaceholder(value) {
			schema.Required = append(schema.Required, key)
		} else {
			prop.Default = value
		}
		schema.Properties[key] = prop
	}
	sort.Strings(schema.Required)
	return schema
}

func jsonType(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "string"
	}
}
