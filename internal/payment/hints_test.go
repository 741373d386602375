package payment

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHintsPrefersHeaders(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderAcceptPayment, "MNEE")
	header.Set(HeaderPaymentAddress, "0xHEADER")
	header.Set(HeaderPaymentAmount, "2.5")
	header.Set(HeaderPaymentRequired, "true")

	h := ParseHints(header, []byte(`{"payment_address":"0xBODY","amount":"9","network":"ethereum"}`))
	require.Equal(t, "MNEE", h.Token)
	require.Equal(t, "0xHEADER", h.Address)
	require.Equal(t, "2.5", h.Amount.Decimal.String())
	require.Equal(t, "ethereum", h.Network)
	require.True(t, h.Required)
}

func TestParseHintsReadsDetailWrapper(t *testing.T) {
	body := []byte(`{"detail":{"error":"Payment Required","message":"Please pay 2.5 MNEE","payment_address":"0x1234","amount":2.5,"currency":"MNEE"}}`)
	h := ParseHints(http.Header{}, body)
	require.Equal(t, "0x1234", h.Address)
	require.True(t, h.Amount.Valid)
	require.Equal(t, "2.5", h.Amount.Decimal.String())
	require.Equal(t, "MNEE", h.Token)
	require.Equal(t, "Please pay 2.5 MNEE", h.Message)
}

func TestParseHintsToleratesGarbage(t *testing.T) {
	header := http.Header{}
	header.Set(HeaderPaymentAmount, "two")
	h := ParseHints(header, []byte("not json"))
	require.False(t, h.Amount.Valid)
	require.Empty(t, h.Address)
	require.False(t, h.Required)
}
