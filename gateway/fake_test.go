package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestFakeBrokerSubmitFillAndPositions(t *testing.T) {
	fb := NewFakeBroker(d("100000"))
	ctx := context.Background()

	id, err := fb.Submit(ctx, SubmitRequest{ClientOrderID: "c1", Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: d("10")})
	require.NoError(t, err)

	again, err := fb.Submit(ctx, SubmitRequest{ClientOrderID: "c1", Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: d("10")})
	require.NoError(t, err)
	assert.Equal(t, id, again, "client order id dedupes at the broker")

	f1, err := fb.Fill(id, d("4"), d("100"))
	require.NoError(t, err)
	assert.True(t, f1.CumulativeQty.Equal(d("4")))
	_, err = fb.Fill(id, d("6"), d("110"))
	require.NoError(t, err)

	st, err := fb.FetchOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.True(t, st.AvgFillPrice.Equal(d("106")))

	_, err = fb.Fill(id, d("1"), d("100"))
	assert.Error(t, err)

	pos, err := fb.FetchPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(d("10")))

	acct, err := fb.FetchAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(d("98940")))
}

func TestFakeBrokerScriptedFailures(t *testing.T) {
	fb := NewFakeBroker(d("1000"))
	ctx := context.Background()
	req := SubmitRequest{ClientOrderID: "c2", Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: d("1")}

	fb.FailSubmitsTransient(1)
	fb.RejectNextSubmit("halted")

	_, err := fb.Submit(ctx, req)
	assert.True(t, IsTransient(err))
	_, err = fb.Submit(ctx, req)
	assert.ErrorIs(t, err, ErrRejected)
	_, err = fb.Submit(ctx, req)
	assert.NoError(t, err)
	assert.Equal(t, 3, fb.SubmitCount())
}

func TestFakeBrokerLostAckStillCreatesOrder(t *testing.T) {
	fb := NewFakeBroker(d("1000"))
	ctx := context.Background()
	fb.LoseNextAcks(1)

	_, err := fb.Submit(ctx, SubmitRequest{ClientOrderID: "c3", Symbol: "AAPL", Side: "SELL", Type: "MARKET", Quantity: d("2")})
	require.True(t, IsTransient(err))

	st, err := fb.FetchOrderByClientID(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, OrderOpen, st.State)

	_, err = fb.FetchOrderByClientID(ctx, "unknown")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFakeBrokerSubmitDelayHonorsContext(t *testing.T) {
	fb := NewFakeBroker(d("1000"))
	fb.SetSubmitDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fb.Submit(ctx, SubmitRequest{Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: d("1")})
	assert.True(t, IsTransient(err))
}

func TestFakeBrokerCancel(t *testing.T) {
	fb := NewFakeBroker(d("1000"))
	ctx := context.Background()
	id, _ := fb.Submit(ctx, SubmitRequest{ClientOrderID: "c4", Symbol: "AAPL", Side: "BUY", Type: "MARKET", Quantity: d("1")})

	ok, err := fb.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fb.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "terminal orders cannot be cancelled twice")

	no := false
	fb.SetCancelResult(&no)
	ok, _ = fb.Cancel(ctx, "anything")
	assert.False(t, ok)
	assert.Equal(t, 3, fb.CancelCount())
}

func TestFakeBrokerAcceptedCancelStaysOpen(t *testing.T) {
	ctx := context.Background()
	fb := NewFakeBroker(d("100000"))
	id, _ := fb.Submit(ctx, SubmitRequest{ClientOrderID: "c5", Symbol: "AAPL", Side: "BUY", Type: "LIMIT", Quantity: d("10"), LimitPrice: d("150")})

	yes := true
	fb.SetCancelResult(&yes)
	ok, err := fb.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	st, _ := fb.FetchOrderStatus(ctx, id)
	assert.Equal(t, OrderOpen, st.State, "accepted cancel is not final")

	_, err = fb.Fill(id, d("4"), d("150"))
	require.NoError(t, err)
	require.NoError(t, fb.CompleteCancel(id))

	st, _ = fb.FetchOrderStatus(ctx, id)
	assert.Equal(t, OrderCanceled, st.State)
	assert.Equal(t, "4", st.FilledQty.String())
	assert.Error(t, fb.CompleteCancel(id))
}
