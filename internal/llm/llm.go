package llm

import "context"

// GenerationConfig 描述一次补全调用的解码参数与调用凭证。
type GenerationConfig struct {
	APIKey      string
	Model       string
	System      string
	Temperature float32
	MaxTokens   int
}

// Client 是文本补全预言机的最小接口。
type Client interface {
	Complete(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)
}

// ClientFunc 允许使用函数实现 Client。
type ClientFunc func(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)

// Complete 实现 Client 接口。
func (f ClientFunc) Complete(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	return f(ctx, prompt, cfg)
}
