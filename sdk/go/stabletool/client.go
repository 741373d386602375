// Package stabletool is a Go client for the StableTool agent API.
package stabletool

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout bounds every request. A chat turn may wait for a paid
// tool call, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 150 * time.Second

// Client wraps the HTTP interactions with the StableTool REST API.
type Client struct {
	http *resty.Client

	mu          sync.RWMutex
	accessToken string
}

// ChatResponse is the outcome of one agent turn.
type ChatResponse struct {
	TurnID         string           `json:"turn_id"`
	Response       string           `json:"response"`
	ToolUsed       *string          `json:"tool_used"`
	ToolResult     map[string]any   `json:"tool_result"`
	PricePaid      *decimal.Decimal `json:"price_paid"`
	TransactionRef *string          `json:"transaction_ref"`
	ConversationID int64            `json:"conversation_id"`
}

// Conversation is one stored turn.
type Conversation struct {
	ID            int64          `json:"id"`
	UserMessage   string         `json:"user_message"`
	ToolSelected  *string        `json:"tool_selected"`
	ToolResult    map[string]any `json:"tool_result"`
	FinalResponse string         `json:"final_response"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Balance is the caller's token balance.
type Balance struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Token   string          `json:"token"`
	Source  string          `json:"source"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stabletool api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("stabletool api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient creates a client for the API rooted at baseURL. A nil httpClient
// uses a default client with DefaultHTTPTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New().SetTimeout(DefaultHTTPTimeout)
	}
	rc.SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	return &Client{http: rc}
}

// AccessToken returns the bearer token used for requests.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token used for requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Chat sends one message to the agent. model may be empty.
func (c *Client) Chat(ctx context.Context, message, model string) (ChatResponse, error) {
	var out ChatResponse
	body := map[string]string{"message": message}
	if model != "" {
		body["model"] = model
	}
	err := c.do(c.request(ctx).SetBody(body).SetResult(&out), http.MethodPost, "/api/v1/agent/chat")
	return out, err
}

// History lists the newest conversations first. A non-positive limit uses the
// server default.
func (c *Client) History(ctx context.Context, limit int) ([]Conversation, error) {
	var out []Conversation
	req := c.request(ctx).SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	err := c.do(req, http.MethodGet, "/api/v1/agent/history")
	return out, err
}

// Balance returns the caller's token balance.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var out Balance
	err := c.do(c.request(ctx).SetResult(&out), http.MethodGet, "/api/v1/payments/balance")
	return out, err
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx).SetError(&APIError{})
	if token := c.AccessToken(); token != "" {
		req.SetAuthToken(token)
	}
	return req
}

func (c *Client) do(req *resty.Request, method, endpoint string) error {
	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return fmt.Errorf("stabletool request %s %s: %w", method, endpoint, err)
	}
	if resp.IsError() {
		apiErr, ok := resp.Error().(*APIError)
		if !ok || apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	return nil
}
