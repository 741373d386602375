// Package payment executes tool endpoints and negotiates the 402 handshake:
// call the tool, and on 402 settle, record the payment and retry exactly once
// with the settlement reference attached.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	xerrors "StableTool/internal/errors"
	"StableTool/internal/events"
	"StableTool/internal/integrity"
	"StableTool/internal/observability/alerting"
	"StableTool/internal/observability/metrics"
	"StableTool/internal/storage"
	"StableTool/pkg/logger"
)

const (
	defaultToolTimeout = 120 * time.Second
	maxErrorExcerpt    = 2048
)

// 协商状态，用于日志与指标。
const (
	stateRequesting = "requesting"
	statePaid       = "paid"
	stateRetried    = "retried"
	stateDone       = "done"
	stateFailed     = "failed"
)

var walletKeys = []string{"user_wallet", "wallet_address"}

// Store 是协商器所需的最小存储能力。
type Store interface {
	FindAccount(ctx context.Context, id int64) (storage.Account, error)
	CreateTransaction(ctx context.Context, tx storage.Transaction) (storage.Transaction, error)
	SetToolApproval(ctx context.Context, id int64, approved bool) error
}

// Request 描述一次工具执行。
type Request struct {
	TurnID     string
	Payer      storage.Account
	Tool       storage.Tool
	Parameters map[string]any
}

// Outcome 是成功执行的结果。
type Outcome struct {
	Result      map[string]any
	Transaction storage.Transaction
	Hints       *Hints
}

// Paid reports whether the result was obtained through the 402 handshake.
func (o Outcome) Paid() bool {
	return o.Hints != nil
}

// Option 自定义协商器。
type Option func(*Negotiator)

// WithTimeout 设置工具调用超时。
func WithTimeout(timeout time.Duration) Option {
	return func(n *Negotiator) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(n *Negotiator) {
		if client != nil {
			n.httpClient = client
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithPublisher 设置审计事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(n *Negotiator) {
		if publisher != nil {
			n.publisher = publisher
		}
	}
}

// WithAlerts 设置告警分发器，工具被篡改时通知。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(n *Negotiator) {
		if alerts != nil {
			n.alerts = alerts
		}
	}
}

// WithAuditLogger 设置审计日志，记录未能入账的结算。
func WithAuditLogger(audit *slog.Logger) Option {
	return func(n *Negotiator) {
		if audit != nil {
			n.audit = audit
		}
	}
}

// WithClock 替换时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) {
		if now != nil {
			n.now = now
		}
	}
}

// Negotiator 执行工具调用并处理 402 支付握手。
type Negotiator struct {
	store      Store
	settler    Settler
	client     *resty.Client
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	publisher  events.Publisher
	alerts     alerting.Dispatcher
	audit      *slog.Logger
	now        func() time.Time
}

// NewNegotiator 创建协商器。settler 为空时使用模拟结算。
func NewNegotiator(store Store, settler Settler, opts ...Option) *Negotiator {
	n := &Negotiator{
		store:     store,
		settler:   settler,
		timeout:   defaultToolTimeout,
		logger:    slog.Default(),
		publisher: events.Nop{},
		audit:     logger.Audit(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.settler == nil {
		n.settler = NewSimulatedSettler(n.now)
	}
	if n.httpClient != nil {
		n.client = resty.NewWithClient(n.httpClient)
	} else {
		n.client = resty.New()
	}
	n.client.SetTimeout(n.timeout)
	return n
}

// call 是一次已构造好的逻辑请求，重试时原样复用。
type call struct {
	method  storage.Method
	url     string
	headers map[string]string
	query   map[string]any
	body    map[string]any
}

// Execute runs the state machine for one execution attempt. Every returned
// error is an *xerrors.Error whose message is safe to show to the user.
func (n *Negotiator) Execute(ctx context.Context, req Request) (Outcome, error) {
	tool := req.Tool
	logger := n.logger.With(
		slog.String("turn_id", req.TurnID),
		slog.Int64("tool_id", tool.ID),
		slog.String("amount", tool.Price.String()),
	)

	if err := integrity.Check(tool.Contract(), tool.MetadataHash, strconv.FormatInt(tool.ID, 10)); err != nil {
		logger.Warn("工具元数据摘要不匹配，拒绝执行")
		n.quarantine(ctx, logger, req, err)
		return Outcome{}, err
	}

	c, err := n.buildCall(tool, req.Payer, req.Parameters)
	if err != nil {
		n.transition(logger, stateFailed, slog.String("error", xerrors.MessageOf(err)))
		return Outcome{}, err
	}

	n.transition(logger, stateRequesting, slog.String("method", string(c.method)), slog.String("url", c.url))
	resp, err := n.send(ctx, c)
	if err != nil {
		n.transition(logger, stateFailed, slog.String("error", err.Error()))
		return Outcome{}, xerrors.Wrap(CodeTransport, err, fmt.Sprintf("Tool request failed: %v", err))
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusPaymentRequired:
		return n.negotiate(ctx, logger, req, c, resp)
	case isSuccess(status):
		tx, err := n.record(ctx, req, DeriveReference("direct:", req.Payer.ID, tool.ID, req.TurnID, n.now()))
		if err != nil {
			n.transition(logger, stateFailed, slog.String("error", err.Error()))
			return Outcome{}, err
		}
		n.transition(logger, stateDone, slog.String("tx_reference", tx.Reference))
		return Outcome{Result: parseResult(resp.Body()), Transaction: tx}, nil
	default:
		n.transition(logger, stateFailed, slog.Int("status", status))
		return Outcome{}, httpError(status, resp.Body())
	}
}

func (n *Negotiator) negotiate(ctx context.Context, logger *slog.Logger, req Request, c call, first *resty.Response) (Outcome, error) {
	hints := ParseHints(first.Header(), first.Body())
	logger.Info("工具要求付款",
		slog.String("payment_address", hints.Address),
		slog.String("payment_amount", hints.Amount.Decimal.String()),
		slog.String("payment_network", hints.Network),
	)

	reference, err := n.settle(ctx, req, hints)
	if err != nil {
		n.transition(logger, stateFailed, slog.String("error", err.Error()))
		return Outcome{}, processingError(err)
	}

	tx, err := n.record(ctx, req, reference)
	if err != nil {
		// 结算已完成但未入账，审计日志是唯一的对账依据。
		n.audit.Error("settlement_unrecorded",
			"turn_id", req.TurnID,
			"tx_reference", reference,
			"from_account", req.Payer.ID,
			"to_account", req.Tool.OwnerID,
			"tool_id", req.Tool.ID,
			"amount", req.Tool.Price.String(),
			"error", err.Error(),
		)
		n.transition(logger, stateFailed, slog.String("error", err.Error()))
		return Outcome{}, err
	}
	n.transition(logger, statePaid, slog.String("tx_reference", reference))

	retry := c.withProof(reference)
	resp, err := n.send(ctx, retry)
	n.transition(logger, stateRetried)
	if err != nil {
		n.transition(logger, stateFailed, slog.String("error", err.Error()))
		return Outcome{}, processingError(fmt.Errorf("Tool request failed: %w", err))
	}
	if !isSuccess(resp.StatusCode()) {
		n.transition(logger, stateFailed, slog.Int("status", resp.StatusCode()))
		return Outcome{}, processingError(httpError(resp.StatusCode(), resp.Body()))
	}

	n.transition(logger, stateDone, slog.String("tx_reference", reference))
	return Outcome{Result: parseResult(resp.Body()), Transaction: tx, Hints: &hints}, nil
}

func (n *Negotiator) settle(ctx context.Context, req Request, hints Hints) (string, error) {
	payeeAddr := hints.Address
	if owner, err := n.store.FindAccount(ctx, req.Tool.OwnerID); err == nil && owner.WalletAddress != "" {
		payeeAddr = owner.WalletAddress
	}
	reference, err := n.settler.Settle(ctx, SettlementRequest{
		TurnID:    req.TurnID,
		PayerID:   req.Payer.ID,
		PayeeID:   req.Tool.OwnerID,
		ToolID:    req.Tool.ID,
		Amount:    req.Tool.Price,
		PayerKey:  req.Payer.EncryptedSigningKey,
		PayeeAddr: payeeAddr,
		Hints:     hints,
	})
	if err != nil {
		return "", err
	}
	if reference == "" {
		return "", errors.New("settlement returned an empty reference")
	}
	return reference, nil
}

// quarantine 撤销被篡改工具的审核状态，发布事件并告警。
func (n *Negotiator) quarantine(ctx context.Context, logger *slog.Logger, req Request, cause error) {
	tool := req.Tool
	metrics.IntegrityViolationsTotal.Inc()
	if err := n.store.SetToolApproval(ctx, tool.ID, false); err != nil {
		logger.Error("撤销工具审核失败", slog.String("error", err.Error()))
	}
	n.audit.Warn("tool_quarantined", "tool_id", tool.ID, "owner_id", tool.OwnerID, "turn_id", req.TurnID)
	events.Emit(ctx, n.publisher, logger, events.New(events.ToolIntegrityViolation, map[string]any{
		"tool_id":  tool.ID,
		"owner_id": tool.OwnerID,
		"stage":    "execution",
	}))
	if n.alerts != nil {
		if err := n.alerts.Notify(ctx, alerting.FromError(cause, tool.ID, req.Payer.ID)); err != nil {
			logger.Warn("发送告警失败", slog.String("error", err.Error()))
		}
	}
}

// record 写入一笔已确认交易并发布审计事件。
func (n *Negotiator) record(ctx context.Context, req Request, reference string) (storage.Transaction, error) {
	tx, err := n.store.CreateTransaction(ctx, storage.Transaction{
		FromAccountID: req.Payer.ID,
		ToAccountID:   req.Tool.OwnerID,
		ToolID:        req.Tool.ID,
		Amount:        req.Tool.Price,
		Reference:     reference,
		Status:        storage.TxConfirmed,
		CreatedAt:     n.now().UTC(),
	})
	if err != nil {
		return storage.Transaction{}, err
	}
	events.Emit(ctx, n.publisher, n.logger, events.New(events.TransactionRecorded, map[string]any{
		"transaction_id": tx.ID,
		"turn_id":        req.TurnID,
		"from_account":   tx.FromAccountID,
		"to_account":     tx.ToAccountID,
		"tool_id":        tx.ToolID,
		"amount":         tx.Amount.String(),
		"tx_reference":   tx.Reference,
	}))
	return tx, nil
}

func (n *Negotiator) buildCall(tool storage.Tool, payer storage.Account, params map[string]any) (call, error) {
	method, err := storage.ParseMethod(tool.Method)
	if err != nil {
		return call{}, xerrors.Wrap(CodeUnsupportedMethod, err, err.Error())
	}

	headers, err := storage.DecodeObject(tool.Headers)
	if err != nil {
		return call{}, xerrors.Wrap(CodeTransport, err, fmt.Sprintf("Tool request failed: invalid headers: %v", err))
	}
	template, err := storage.DecodeObject(tool.BodyTemplate)
	if err != nil {
		return call{}, xerrors.Wrap(CodeTransport, err, fmt.Sprintf("Tool request failed: invalid body template: %v", err))
	}

	query := make(map[string]any, len(params)+len(walletKeys))
	for k, v := range params {
		query[k] = v
	}
	fillWallet(query, payer.WalletAddress)

	body := make(map[string]any, len(template)+len(query))
	for k, v := range template {
		body[k] = v
	}
	for k, v := range query {
		body[k] = v
	}

	c := call{method: method, url: tool.URL, headers: stringify(headers)}
	if method.SendsBody() {
		c.body = body
	} else {
		c.query = query
	}
	return c, nil
}

// withProof returns a copy of the call carrying the settlement reference in
// the proof header and in the body or query string.
func (c call) withProof(reference string) call {
	retry := call{method: c.method, url: c.url, headers: make(map[string]string, len(c.headers)+1)}
	for k, v := range c.headers {
		retry.headers[k] = v
	}
	retry.headers[HeaderPaymentProof] = reference
	if c.method.SendsBody() {
		retry.body = make(map[string]any, len(c.body)+1)
		for k, v := range c.body {
			retry.body[k] = v
		}
		retry.body[ProofField] = reference
		return retry
	}
	retry.query = make(map[string]any, len(c.query)+1)
	for k, v := range c.query {
		retry.query[k] = v
	}
	retry.query[ProofField] = reference
	return retry
}

func (n *Negotiator) send(ctx context.Context, c call) (*resty.Response, error) {
	r := n.client.R().SetContext(ctx).SetHeaders(c.headers)
	if c.method.SendsBody() {
		r.SetHeader("Content-Type", "application/json").SetBody(c.body)
	} else if len(c.query) > 0 {
		r.SetQueryParams(stringify(c.query))
	}
	start := n.now()
	resp, err := r.Execute(string(c.method), c.url)
	outcome := "ok"
	if err != nil {
		outcome = "transport_error"
	} else if !isSuccess(resp.StatusCode()) {
		outcome = strconv.Itoa(resp.StatusCode())
	}
	metrics.ObserveToolCall(string(c.method), outcome, n.now().Sub(start))
	return resp, err
}

func (n *Negotiator) transition(logger *slog.Logger, state string, attrs ...any) {
	metrics.ObservePaymentTransition(state)
	attrs = append([]any{slog.String("state", state)}, attrs...)
	switch state {
	case stateFailed:
		logger.Warn("payment."+state, attrs...)
	case stateRequesting:
		logger.Debug("payment."+state, attrs...)
	default:
		logger.Info("payment."+state, attrs...)
	}
}

func fillWallet(params map[string]any, wallet string) {
	if wallet == "" {
		return
	}
	for _, key := range walletKeys {
		if IsPlaceholder(params[key]) {
			params[key] = wallet
		}
	}
}

// IsWalletKey 报告参数是否会由付款方钱包地址自动填充。
func IsWalletKey(key string) bool {
	for _, k := range walletKeys {
		if k == key {
			return true
		}
	}
	return false
}

// IsPlaceholder 报告参数值是否为空或模板占位符。
func IsPlaceholder(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == "" || val == "MISSING" || val == "MISSING_REQUIRED_PARAMETER"
	default:
		return false
	}
}

// parseResult 解析成功响应，非 JSON 对象时包装为 {"response": ...}。
func parseResult(body []byte) map[string]any {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{"response": string(body)}
	}
	if obj, ok := decoded.(map[string]any); ok && obj != nil {
		return obj
	}
	return map[string]any{"response": decoded}
}

func stringify(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case float64, bool, json.Number:
			out[k] = fmt.Sprint(val)
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func httpError(status int, body []byte) error {
	excerpt := body
	if len(excerpt) > maxErrorExcerpt {
		excerpt = excerpt[:maxErrorExcerpt]
	}
	return xerrors.New(CodeHTTP, fmt.Sprintf("Tool API error: %d - %s", status, excerpt),
		xerrors.WithMetadata("status", strconv.Itoa(status)))
}

func processingError(cause error) error {
	return xerrors.Wrap(CodeProcessing, cause, fmt.Sprintf("Payment processing failed: %s", xerrors.MessageOf(cause)))
}
