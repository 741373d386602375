// Package selector asks the oracle to pick one tool (or none) for a user
// message and parses its JSON decision. Failures never escape: a call or parse
// error degrades to a "no tool" selection whose reasoning explains why.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"StableTool/internal/catalog"
	xerrors "StableTool/internal/errors"
	"StableTool/internal/llm"
	"StableTool/internal/observability/metrics"
)

// 选择阶段的错误码。
const (
	CodeParse xerrors.Code = "SELECTION_PARSE_FAILED"
	CodeCall  xerrors.Code = "SELECTION_CALL_FAILED"
)

func init() {
	xerrors.Register(CodeParse, xerrors.Attributes{Message: "selection response not parseable", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeCall, xerrors.Attributes{Message: "selection oracle call failed", Severity: xerrors.SeverityWarning, Retryable: true})
}

const (
	systemPrompt       = "You are a helpful AI assistant that selects the best tool for user requests."
	defaultTemperature = 0.3
	defaultMaxTokens   = 500
	defaultTimeout     = 20 * time.Second
)

// Selection 是模型给出的结构化决策。ToolID 为空表示不使用工具。
type Selection struct {
	ToolID     *int64
	ToolName   string
	Reasoning  string
	Parameters map[string]any

	// Err 记录降级原因（解析失败或调用失败），成功时为 nil。
	Err error
}

// HasTool reports whether a tool was chosen.
func (s Selection) HasTool() bool {
	return s.ToolID != nil
}

// Option 定义选择器的可选配置。
type Option func(*Selector)

// WithTimeout 设置单次模型调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(s *Selector) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Selector 负责构造选择提示词并解析模型输出。
type Selector struct {
	oracle  llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New 创建选择器。
func New(oracle llm.Client, opts ...Option) *Selector {
	s := &Selector{oracle: oracle, timeout: defaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SelectTool 调用一次模型完成工具选择，不做重试。
func (s *Selector) SelectTool(ctx context.Context, message string, tools []catalog.Entry, gen llm.GenerationConfig) Selection {
	toolsJSON, err := json.MarshalIndent(tools, "", "  ")
	if err != nil {
		return degraded(xerrors.Wrap(CodeParse, err, "Failed to encode tool catalog: "+err.Error()))
	}

	gen.System = systemPrompt
	gen.Temperature = defaultTemperature
	gen.MaxTokens = defaultMaxTokens

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.oracle.Complete(callCtx, BuildPrompt(message, string(toolsJSON)), gen)
	metrics.ObserveOracleCall("selection", err)
	if err != nil {
		s.logger.Warn("工具选择调用失败", slog.String("error", err.Error()))
		return degraded(xerrors.Wrap(CodeCall, err, "Error calling LLM: "+err.Error()))
	}

	selection, err := Parse(text)
	if err != nil {
		s.logger.Warn("工具选择结果解析失败", slog.String("error", err.Error()))
		return degraded(xerrors.Wrap(CodeParse, err, "Failed to parse LLM response: "+err.Error()))
	}
	s.logger.Debug("工具选择完成",
		slog.Any("tool_id", selection.ToolID),
		slog.String("tool_name", selection.ToolName),
		slog.String("reasoning", selection.Reasoning),
	)
	return selection
}

func degraded(err *xerrors.Error) Selection {
	return Selection{Reasoning: err.Message(), Parameters: map[string]any{}, Err: err}
}

// BuildPrompt 构造选择提示词，要求模型只返回固定结构的 JSON。
func BuildPrompt(message, toolsJSON string) string {
	return fmt.Sprintf(`You are an AI agent with access to various tools. Your job is to select the most appropriate tool to help answer the user's request.

Available Tools:
%s

User Request: %s

Analyze the user's request and select the most appropriate tool. Respond ONLY with a JSON object in this exact format:
{
    "tool_id": <id of the selected tool>,
    "tool_name": "<selected_tool_name>",
    "reasoning": "<brief explanation of why this tool was selected>",
    "parameters": {<any parameters needed for the tool>}
}

If no tool is appropriate, respond with:
{
    "tool_id": null,
    "tool_name": null,
    "reasoning": "<explanation of why no tool fits>",
    "parameters": {}
}`, toolsJSON, message)
}

type rawSelection struct {
	ToolID     json.RawMessage `json:"tool_id"`
	ToolName   *string         `json:"tool_name"`
	Reasoning  string          `json:"reasoning"`
	Parameters map[string]any  `json:"parameters"`
}

// Parse 去除代码块标记后解析模型输出。
func Parse(text string) (Selection, error) {
	var raw rawSelection
	if err := json.Unmarshal([]byte(StripFences(text)), &raw); err != nil {
		return Selection{}, err
	}
	id, err := parseToolID(raw.ToolID)
	if err != nil {
		return Selection{}, err
	}
	selection := Selection{ToolID: id, Reasoning: raw.Reasoning, Parameters: raw.Parameters}
	if raw.ToolName != nil {
		selection.ToolName = *raw.ToolName
	}
	if selection.Parameters == nil {
		selection.Parameters = map[string]any{}
	}
	return selection, nil
}

// StripFences 提取 ``` 代码块中的内容；没有代码块时原样返回。
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, marker := range []string{"```json", "```"} {
		idx := strings.Index(trimmed, marker)
		if idx < 0 {
			continue
		}
		rest := trimmed[idx+len(marker):]
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return trimmed
}

const maxExactFloatInt = 1 << 53

// parseToolID 接受整数、整数形式的浮点数或数字字符串。
func parseToolID(raw json.RawMessage) (*int64, error) {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return nil, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	switch v := decoded.(type) {
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("tool_id %v is not an integer", v)
		}
		// 超出 float64 可精确表示的整数范围时，转换结果不可信。
		if math.Abs(v) > maxExactFloatInt {
			return nil, fmt.Errorf("tool_id %v is out of range", v)
		}
		id := int64(v)
		return &id, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("tool_id %q is not an integer", v)
		}
		return &id, nil
	default:
		return nil, fmt.Errorf("tool_id has unsupported type %T", decoded)
	}
}
