package payment

import (
	xerrors "StableTool/internal/errors"
)

// 支付协商相关错误码。
const (
	CodeUnsupportedMethod xerrors.Code = "UNSUPPORTED_METHOD"
	CodeTransport         xerrors.Code = "EXECUTION_TRANSPORT_FAILED"
	CodeHTTP              xerrors.Code = "EXECUTION_HTTP_FAILED"
	CodeProcessing        xerrors.Code = "PAYMENT_PROCESSING_FAILED"
	CodeSettlement        xerrors.Code = "SETTLEMENT_FAILED"
)

// 用于 errors.Is 判断的哨兵错误。
var (
	ErrUnsupportedMethod = xerrors.New(CodeUnsupportedMethod, "unsupported method")
	ErrTransport         = xerrors.New(CodeTransport, "tool request failed")
	ErrHTTP              = xerrors.New(CodeHTTP, "tool api error")
	ErrProcessing        = xerrors.New(CodeProcessing, "payment processing failed")
	ErrSettlement        = xerrors.New(CodeSettlement, "settlement failed")
)

func init() {
	xerrors.Register(CodeUnsupportedMethod, xerrors.Attributes{Message: "unsupported tool method", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTransport, xerrors.Attributes{Message: "tool endpoint unreachable", Severity: xerrors.SeverityWarning, Retryable: true})
	xerrors.Register(CodeHTTP, xerrors.Attributes{Message: "tool endpoint returned an error", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeProcessing, xerrors.Attributes{Message: "payment processing failed", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeSettlement, xerrors.Attributes{Message: "settlement backend failed", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
}
