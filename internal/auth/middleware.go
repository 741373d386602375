package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Middleware 返回一个 HTTP 中间件，校验令牌并把主体写入请求上下文。
// 关闭鉴权时注入开发主体。
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subject *Subject
		if s.Disabled() {
			dev := Subject{AccountID: 1, Admin: true}
			if s != nil {
				dev = s.dev
			}
			subject = &dev
		} else {
			verified, err := s.Verify(bearerToken(r.Header.Get("Authorization")))
			if err != nil {
				message := "invalid token"
				if errors.Is(err, ErrMissingToken) {
					message = "missing bearer token"
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
					"error", err.Error(),
				)
				return
			}
			subject = verified
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
		if s == nil || s.audit == nil {
			return
		}
		s.audit.Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"account_id", subject.AccountID,
		)
	})
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
