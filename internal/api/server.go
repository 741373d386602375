package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"StableTool/internal/agent"
	"StableTool/internal/auth"
	"StableTool/internal/observability/metrics"
	"StableTool/internal/payment"
	"StableTool/internal/registry"
	"StableTool/internal/storage"
	"StableTool/internal/web3"
)

// Agent 是对话接口依赖的编排器能力。
type Agent interface {
	Chat(ctx context.Context, req agent.ChatRequest) (*agent.TurnResult, error)
	History(ctx context.Context, accountID int64, limit int) ([]storage.Conversation, error)
}

// Registry 是工具管理接口依赖的注册中心能力。
type Registry interface {
	Submit(ctx context.Context, ownerID int64, draft registry.Draft) (storage.Tool, error)
	Update(ctx context.Context, ownerID, id int64, patch registry.Patch) (storage.Tool, error)
	Deactivate(ctx context.Context, ownerID, id int64) error
	Approve(ctx context.Context, id int64) (storage.Tool, error)
	Reject(ctx context.Context, id int64) error
	Pending(ctx context.Context) ([]storage.Tool, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]storage.Tool, error)
	Get(ctx context.Context, id int64) (storage.Tool, error)
}

// Ledger 提供收入、支出与余额。
type Ledger interface {
	Earnings(ctx context.Context, accountID int64) (payment.Summary, error)
	Spending(ctx context.Context, accountID int64) (payment.Summary, error)
	Balance(ctx context.Context, account storage.Account) (payment.Balance, error)
}

// Accounts 查询调用方账户。
type Accounts interface {
	FindAccount(ctx context.Context, id int64) (storage.Account, error)
}

// Catalog 列出可执行工具。
type Catalog interface {
	ListExecutable(ctx context.Context) ([]storage.Tool, error)
}

// Authenticator 为受保护路由校验调用方身份。
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// ChainReporter 汇总链状态用于健康检查。
type ChainReporter interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Deps 汇总 API 服务依赖的组件。Chains 可为空。
type Deps struct {
	Agent    Agent
	Registry Registry
	Ledger   Ledger
	Accounts Accounts
	Catalog  Catalog
	Executor agent.Executor
	Auth     Authenticator
	Chains   ChainReporter
}

// Config 配置 HTTP 服务。
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	TokenSymbol       string
	TokenContract     string
	Network           string
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "MNEE"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.public(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	s.public(mux, "GET /mcp/tools", s.handleMCPTools)
	s.public(mux, "GET /mcp/info", s.handleMCPInfo)
	s.protected(mux, "POST /mcp/execute/{id}", s.handleMCPExecute)

	s.protected(mux, "POST /api/v1/agent/chat", s.handleChat)
	s.protected(mux, "GET /api/v1/agent/history", s.handleHistory)

	s.protected(mux, "POST /api/v1/tools", s.handleSubmitTool)
	s.protected(mux, "GET /api/v1/tools/mine", s.handleMyTools)
	s.protected(mux, "PATCH /api/v1/tools/{id}", s.handleUpdateTool)
	s.protected(mux, "DELETE /api/v1/tools/{id}", s.handleDeactivateTool)

	s.protected(mux, "GET /api/v1/admin/tools/pending", s.admin(s.handlePendingTools))
	s.protected(mux, "POST /api/v1/admin/tools/{id}/approve", s.admin(s.handleApproveTool))
	s.protected(mux, "POST /api/v1/admin/tools/{id}/reject", s.admin(s.handleRejectTool))

	s.protected(mux, "GET /api/v1/payments/earnings", s.handleEarnings)
	s.protected(mux, "GET /api/v1/payments/spending", s.handleSpending)
	s.protected(mux, "GET /api/v1/payments/balance", s.handleBalance)

	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.cfg.Address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) public(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(pattern, h))
}

func (s *Server) protected(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = requireSubject(h)
	if s.deps.Auth != nil {
		handler = s.deps.Auth.Middleware(handler)
	}
	mux.Handle(pattern, instrument(pattern, handler))
}

// requireSubject 拒绝未携带主体的请求。
func requireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.SubjectFromContext(r.Context()) == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument 记录每个路由的请求数与耗时。
func instrument(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "服务已关闭"})
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
