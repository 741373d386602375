// Package composer turns a tool outcome into the final reply. Exactly one of
// three prompts is used (failure, result, nothing found). When the oracle call
// fails a fixed template built from the same inputs is returned instead.
package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/llm"
	"StableTool/internal/observability/metrics"
)

// CodeCall 表示生成最终回复的模型调用失败。
const CodeCall xerrors.Code = "COMPOSITION_CALL_FAILED"

func init() {
	xerrors.Register(CodeCall, xerrors.Attributes{Message: "composition oracle call failed", Severity: xerrors.SeverityWarning, Retryable: true})
}

const (
	systemPrompt       = "You are a helpful AI assistant. Provide clear, concise, and friendly responses."
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
	defaultTimeout     = 20 * time.Second
	defaultToken       = "MNEE"
)

// Input 描述一次回复生成所需的上下文。
//
// ErrorMessage 非空时优先；否则 Result 非空时总结结果；两者皆空时说明没有可用工具。
type Input struct {
	UserMessage  string
	ToolName     string
	Result       map[string]any
	ErrorMessage string
}

// Shape 标识所使用的提示词分支。
type Shape string

const (
	ShapeFailure Shape = "failure"
	ShapeResult  Shape = "result"
	ShapeNone    Shape = "none"
)

// ShapeOf 返回输入对应的分支。
func ShapeOf(in Input) Shape {
	switch {
	case in.ErrorMessage != "":
		return ShapeFailure
	case len(in.Result) > 0:
		return ShapeResult
	default:
		return ShapeNone
	}
}

// Option 定义回复生成器的可选配置。
type Option func(*Composer)

// WithTimeout 设置单次模型调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(c *Composer) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithToken 设置结果提示词中强调的支付代币符号。
func WithToken(symbol string) Option {
	return func(c *Composer) {
		if symbol != "" {
			c.token = symbol
		}
	}
}

// Composer 生成面向用户的最终回复。
type Composer struct {
	oracle  llm.Client
	timeout time.Duration
	token   string
	logger  *slog.Logger
}

// New 创建回复生成器。
func New(oracle llm.Client, opts ...Option) *Composer {
	c := &Composer{oracle: oracle, timeout: defaultTimeout, token: defaultToken, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Compose 调用一次模型生成回复，失败时返回确定性的兜底文本。
func (c *Composer) Compose(ctx context.Context, in Input, gen llm.GenerationConfig) string {
	gen.System = systemPrompt
	gen.Temperature = defaultTemperature
	gen.MaxTokens = defaultMaxTokens

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.oracle.Complete(callCtx, c.Prompt(in), gen)
	metrics.ObserveOracleCall("composition", err)
	if err != nil {
		wrapped := xerrors.Wrap(CodeCall, err, "Error calling LLM")
		c.logger.Warn("最终回复生成失败，使用兜底文本",
			slog.String("shape", string(ShapeOf(in))),
			slog.String("error", wrapped.Error()),
		)
		return Fallback(in)
	}
	return text
}

// Prompt 构造与输入分支对应的提示词。
func (c *Composer) Prompt(in Input) string {
	switch ShapeOf(in) {
	case ShapeFailure:
		return fmt.Sprintf(`The user asked: "%s"

We attempted to use the tool "%s" but encountered an error: %s

Please apologize to the user and explain what went wrong in a friendly, helpful manner.`, in.UserMessage, in.ToolName, in.ErrorMessage)
	case ShapeResult:
		result, _ := json.MarshalIndent(in.Result, "", "  ")
		return fmt.Sprintf(`The user asked: "%s"

We used the tool "%s" and got this result:
%s

IMPORTANT: When summarizing prices or payments:
- ALWAYS mention the %s token payment if this was a paid tool
- Show booking IDs, confirmation numbers, and reference codes prominently
- If there's a QR code or confirmation link, mention it
- Focus on the key details like seats, times, locations
- Keep USD prices secondary or omit them if %s amount is shown

Please summarize this result in a natural, conversational way that directly answers the user's question and highlights the successful transaction.`, in.UserMessage, in.ToolName, result, c.token, c.token)
	default:
		return fmt.Sprintf(`The user asked: "%s"

Unfortunately, we don't have an appropriate tool to handle this request.

Please politely inform the user that we cannot help with this specific request at the moment, and suggest they try a different query.`, in.UserMessage)
	}
}

// Fallback 在不调用模型的情况下构造兜底回复。
func Fallback(in Input) string {
	switch ShapeOf(in) {
	case ShapeFailure:
		return "I apologize, but I encountered an error while trying to help: " + in.ErrorMessage
	case ShapeResult:
		result, err := json.Marshal(in.Result)
		if err != nil {
			result = []byte(fmt.Sprint(in.Result))
		}
		return "I found this information for you: " + string(result)
	default:
		return "I apologize, but I'm unable to help with that request at the moment."
	}
}
