package gateway

import (
	"errors"
	"net/http"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
)

func TestMapAlpacaStatus(t *testing.T) {
	assert.Equal(t, OrderOpen, mapAlpacaStatus("new"))
	assert.Equal(t, OrderOpen, mapAlpacaStatus("accepted"))
	assert.Equal(t, OrderOpen, mapAlpacaStatus("pending_cancel"))
	assert.Equal(t, OrderPartiallyFilled, mapAlpacaStatus("partially_filled"))
	assert.Equal(t, OrderFilled, mapAlpacaStatus("filled"))
	assert.Equal(t, OrderCanceled, mapAlpacaStatus("expired"))
	assert.Equal(t, OrderRejected, mapAlpacaStatus("rejected"))
}

func TestToAlpacaOrder(t *testing.T) {
	req := toAlpacaOrder(SubmitRequest{
		ClientOrderID: "cid",
		Symbol:        "AAPL",
		Side:          "SELL",
		Type:          "LIMIT",
		Quantity:      d("5"),
		LimitPrice:    d("101.5"),
	})
	assert.Equal(t, alpaca.Side("sell"), req.Side)
	assert.Equal(t, alpaca.Limit, req.Type)
	assert.True(t, req.Qty.Equal(d("5")))
	assert.True(t, req.LimitPrice.Equal(d("101.5")))
	assert.Equal(t, "cid", req.ClientOrderID)

	mkt := toAlpacaOrder(SubmitRequest{Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: d("1")})
	assert.Equal(t, alpaca.Market, mkt.Type)
	assert.Nil(t, mkt.LimitPrice)
}

func TestClassifyAlpacaError(t *testing.T) {
	assert.True(t, IsTransient(classifyAlpacaError("submit", errors.New("connection reset"))))
	assert.True(t, IsTransient(classifyAlpacaError("submit", &alpaca.APIError{StatusCode: http.StatusTooManyRequests})))
	assert.True(t, IsTransient(classifyAlpacaError("submit", &alpaca.APIError{StatusCode: http.StatusBadGateway})))
	assert.ErrorIs(t, classifyAlpacaError("order", &alpaca.APIError{StatusCode: http.StatusNotFound}), ErrOrderNotFound)

	err := classifyAlpacaError("submit", &alpaca.APIError{StatusCode: http.StatusForbidden, Message: "insufficient buying power"})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "insufficient buying power")
}
