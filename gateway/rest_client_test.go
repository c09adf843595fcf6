package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestREST(t *testing.T, h http.HandlerFunc) *RESTBroker {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &RESTBroker{BaseURL: ts.URL, APIKey: "key", Secret: "secret", HTTPClient: ts.Client()}
}

func TestRESTBrokerSubmitSigned(t *testing.T) {
	timeNowMillis = func() int64 { return 1234567890000 }
	defer func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } }()

	cli := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "1234567890000", r.Header.Get("X-TIMESTAMP"))
		assert.Equal(t, SignRequest("secret", 1234567890000, http.MethodPost, "/v1/orders", body), r.Header.Get("X-SIGNATURE"))

		var got submitBody
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, "cid-1", got.ClientOrderID)
		require.NotNil(t, got.LimitPrice)
		assert.True(t, got.LimitPrice.Equal(decimal.NewFromInt(100)))
		_, _ = io.WriteString(w, `{"order_id":"1001"}`)
	})

	id, err := cli.Submit(context.Background(), SubmitRequest{
		ClientOrderID: "cid-1",
		Symbol:        "AAPL",
		Side:          "BUY",
		Type:          "LIMIT",
		Quantity:      decimal.NewFromInt(10),
		LimitPrice:    decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, "1001", id)
}

func TestRESTBrokerErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
		rejected  bool
		notFound  bool
	}{
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
		{status: http.StatusUnprocessableEntity, rejected: true},
		{status: http.StatusNotFound, notFound: true},
	}
	for _, tc := range cases {
		cli := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"code":"x","message":"insufficient buying power"}`)
		})
		_, err := cli.Submit(context.Background(), SubmitRequest{Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: decimal.NewFromInt(1)})
		require.Error(t, err)
		assert.Equal(t, tc.transient, IsTransient(err), "status %d", tc.status)
		assert.Equal(t, tc.rejected, isRejected(err), "status %d", tc.status)
		assert.Equal(t, tc.notFound, isNotFound(err), "status %d", tc.status)
		if tc.rejected {
			assert.Contains(t, err.Error(), "insufficient buying power")
		}
	}
}

func TestRESTBrokerNetworkErrorIsTransient(t *testing.T) {
	cli := &RESTBroker{BaseURL: "http://127.0.0.1:1", HTTPClient: &http.Client{Timeout: 200 * time.Millisecond}}
	_, err := cli.FetchAccount(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestRESTBrokerQueries(t *testing.T) {
	cli := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/positions":
			_, _ = io.WriteString(w, `[{"symbol":"AAPL","qty":"10","avg_entry_price":"100.5"}]`)
		case r.URL.Path == "/v1/account":
			_, _ = io.WriteString(w, `{"equity":"100000","cash":"50000"}`)
		case r.URL.Path == "/v1/orders" && r.URL.Query().Get("client_order_id") == "cid-9":
			_, _ = io.WriteString(w, `{"id":"B9","client_order_id":"cid-9","state":"PARTIALLY_FILLED","filled_qty":"3","avg_fill_price":"10"}`)
		case r.URL.Path == "/v1/orders/B9" && r.Method == http.MethodDelete:
			_, _ = io.WriteString(w, `{"canceled":true}`)
		case r.URL.Path == "/v1/orders/B10" && r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusConflict)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	pos, err := cli.FetchPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(decimal.NewFromInt(10)))

	acct, err := cli.FetchAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Equity.Equal(decimal.NewFromInt(100000)))

	st, err := cli.FetchOrderByClientID(ctx, "cid-9")
	require.NoError(t, err)
	assert.Equal(t, OrderPartiallyFilled, st.State)
	assert.True(t, st.FilledQty.Equal(decimal.NewFromInt(3)))

	ok, err := cli.Cancel(ctx, "B9")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cli.Cancel(ctx, "B10")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = cli.FetchOrderStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func isRejected(err error) bool { return errors.Is(err, ErrRejected) }
func isNotFound(err error) bool { return errors.Is(err, ErrOrderNotFound) }
