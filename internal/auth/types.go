package auth

import (
	"errors"
	"fmt"

	xerrors "StableTool/internal/errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "Admin access required")
)

// Subject captures the information embedded in access tokens and passed to
// request handlers via context.
type Subject struct {
	AccountID int64
	Email     string
	Admin     bool
}

// String 用于日志输出。
func (s *Subject) String() string {
	if s == nil {
		return "anonymous"
	}
	return fmt.Sprintf("account:%d", s.AccountID)
}

// RequireAdmin 校验主体是否具有管理员权限。
func (s *Subject) RequireAdmin() error {
	if s == nil || !s.Admin {
		return ErrPermissionDenied
	}
	return nil
}
