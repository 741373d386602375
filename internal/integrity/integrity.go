// Package integrity binds a tool's invocation contract to a digest so that the
// URL, method, headers and body template cannot change after approval without
// the change being detected.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	xerrors "StableTool/internal/errors"
)

// CodeTampered 表示工具元数据与登记时的摘要不一致。
const CodeTampered xerrors.Code = "INTEGRITY_VIOLATION"

// ErrTampered 用于 errors.Is 判断完整性校验失败。
var ErrTampered = xerrors.New(CodeTampered, "Tool metadata has been tampered with")

func init() {
	xerrors.Register(CodeTampered, xerrors.Attributes{
		Message:  "tool metadata integrity violation",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

const delimiter = "|"

// Contract is the part of a tool definition covered by the digest. Empty
// headers or body template hash as the empty string.
type Contract struct {
	URL          string
	Method       string
	Headers      string
	BodyTemplate string
}

// ComputeHash returns the lowercase hex SHA-256 digest of the contract fields
// joined by "|".
func ComputeHash(c Contract) string {
	payload := strings.Join([]string{c.URL, c.Method, c.Headers, c.BodyTemplate}, delimiter)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the digest and compares it with the stored one.
func Verify(c Contract, stored string) bool {
	computed := ComputeHash(c)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}

// Check wraps Verify and returns ErrTampered carrying the tool id on mismatch.
func Check(c Contract, stored string, toolID string) error {
	if Verify(c, stored) {
		return nil
	}
	return xerrors.New(CodeTampered, "Tool metadata has been tampered with", xerrors.WithMetadata("tool_id", toolID))
}
