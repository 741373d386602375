package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"StableTool/internal/config"
	"StableTool/pkg/logger"
)

const defaultTokenTTL = 24 * time.Hour

// Service 负责校验与签发 HS256 访问令牌。
type Service struct {
	disabled bool
	secret   []byte
	issuer   string
	dev      Subject
	now      func() time.Time
	audit    *slog.Logger
}

// claims 定义令牌声明，账户 ID 存放在 sub 中。
type claims struct {
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Option 配置 Service。
type Option func(*Service)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDevSubject 设置关闭鉴权时注入请求的主体。
func WithDevSubject(subject Subject) Option {
	return func(s *Service) {
		s.dev = subject
	}
}

// WithAuditLogger 指定审计日志记录器。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewService 构造身份认证服务实例。
func NewService(cfg config.AuthConfig, opts ...Option) (*Service, error) {
	svc := &Service{
		disabled: cfg.Disabled,
		secret:   []byte(cfg.Secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		dev:      Subject{AccountID: 1, Admin: true},
		now:      time.Now,
		audit:    logger.Audit(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if !svc.disabled && len(strings.TrimSpace(cfg.Secret)) == 0 {
		return nil, errors.New("jwt secret must be configured")
	}
	return svc, nil
}

// Disabled 报告是否关闭了鉴权。
func (s *Service) Disabled() bool {
	return s == nil || s.disabled
}

// Issue 为主体签发访问令牌，ttl 非正数时使用 24 小时。
func (s *Service) Issue(subject Subject, ttl time.Duration) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", errors.New("jwt secret must be configured")
	}
	if subject.AccountID <= 0 {
		return "", errors.New("subject account id must be positive")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: subject.Email,
		Admin: subject.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(subject.AccountID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// Verify 校验令牌签名、过期时间与签发者，返回其中的主体。
func (s *Service) Verify(tokenString string) (*Subject, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var parsed claims
	token, err := jwt.ParseWithClaims(tokenString, &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	accountID, err := strconv.ParseInt(parsed.Subject, 10, 64)
	if err != nil || accountID <= 0 {
		return nil, fmt.Errorf("%w: subject %q", ErrInvalidToken, parsed.Subject)
	}
	return &Subject{AccountID: accountID, Email: parsed.Email, Admin: parsed.Admin}, nil
}

// bearerToken 从 Authorization 头中提取令牌。
func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
