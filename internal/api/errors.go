package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"StableTool/internal/agent"
	xerrors "StableTool/internal/errors"
	"StableTool/internal/integrity"
	"StableTool/internal/payment"
)

// errorBody 是错误响应体。
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeConfiguration:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, agent.CodeToolNotFound:
		return http.StatusNotFound
	case integrity.CodeTampered, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case payment.CodeTransport, payment.CodeHTTP, xerrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case payment.CodeUnsupportedMethod:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: xerrors.MessageOf(err), Code: string(xerrors.CodeOf(err))}
	if status == http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err.Error(),
		)
		if _, ok := xerrors.From(err); !ok {
			body.Error = "internal server error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

// decodeJSON 解析请求体，失败时返回 INVALID_ARGUMENT。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body too large")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}
