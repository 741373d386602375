package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"StableTool/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// ErrMissingAPIKey 表示调用方没有提供模型服务凭证。
var ErrMissingAPIKey = errors.New("未提供模型 API Key")

// Config 描述 OpenAI 兼容的 Chat Completions 服务。Groq、Gemini 等兼容端点
// 只需替换 BaseURL。
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 go-openai 调用 Chat Completions。凭证按调用传入，因为每个账户
// 使用自己的 API Key。
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Complete 发送单轮对话并返回首个候选的文本。
func (c *Client) Complete(ctx context.Context, prompt string, cfg llm.GenerationConfig) (string, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	clientCfg.BaseURL = c.baseURL
	clientCfg.HTTPClient = c.httpClient
	client := goopenai.NewClientWithConfig(clientCfg)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = c.model
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, 2)
	if cfg.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: cfg.System})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: prompt})

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("调用模型服务失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("模型未返回任何候选结果")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ llm.Client = (*Client)(nil)
