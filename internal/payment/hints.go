package payment

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// 402 响应中携带支付提示的头部。
const (
	HeaderAcceptPayment   = "X-Accept-Payment"
	HeaderPaymentAddress  = "X-Payment-Address"
	HeaderPaymentAmount   = "X-Payment-Amount"
	HeaderPaymentNetwork  = "X-Payment-Network"
	HeaderPaymentContract = "X-Payment-Contract"
	HeaderPaymentRequired = "X-Payment-Required"

	// HeaderPaymentProof 携带重试请求的结算凭证。
	HeaderPaymentProof = "X-Payment-Proof"
	// ProofField 是重试请求中凭证所在的字段名。
	ProofField = "payment_proof"
)

// Hints are the advisory payment details of a 402 response. Every field is
// optional; an endpoint may send headers, a JSON body, both or neither.
type Hints struct {
	Token    string
	Address  string
	Amount   decimal.NullDecimal
	Network  string
	Contract string
	Currency string
	Required bool
	Message  string
}

// ParseHints reads hints from headers first and fills the gaps from the body.
// The body may be flat or wrapped as {"detail": {...}}.
func ParseHints(header http.Header, body []byte) Hints {
	h := Hints{
		Token:    header.Get(HeaderAcceptPayment),
		Address:  header.Get(HeaderPaymentAddress),
		Network:  header.Get(HeaderPaymentNetwork),
		Contract: header.Get(HeaderPaymentContract),
		Required: strings.EqualFold(header.Get(HeaderPaymentRequired), "true"),
	}
	h.Amount = parseAmount(header.Get(HeaderPaymentAmount))

	fields := decodeHintBody(body)
	if fields == nil {
		return h
	}
	if h.Address == "" {
		h.Address = stringField(fields, "payment_address")
	}
	if !h.Amount.Valid {
		h.Amount = parseAmount(stringField(fields, "amount"))
	}
	if h.Network == "" {
		h.Network = stringField(fields, "network")
	}
	if h.Contract == "" {
		h.Contract = stringField(fields, "contract")
	}
	h.Currency = stringField(fields, "currency")
	if h.Token == "" {
		h.Token = h.Currency
	}
	h.Message = stringField(fields, "message")
	if h.Message == "" {
		h.Message = stringField(fields, "error")
	}
	return h
}

func decodeHintBody(body []byte) map[string]any {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil
	}
	if detail, ok := fields["detail"].(map[string]any); ok {
		return detail
	}
	return fields
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return decimal.NewFromFloat(v).String()
	default:
		return ""
	}
}

func parseAmount(raw string) decimal.NullDecimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
