package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var _ Gateway = (*RESTBroker)(nil)

// RESTBroker 通用的签名 JSON REST 券商适配器。HTTPClient 可注入 httptest。
//
// 请求头：X-API-KEY、X-TIMESTAMP（毫秒）、X-SIGNATURE（见 SignRequest）。
type RESTBroker struct {
	BaseURL    string
	APIKey     string
	Secret     string
	HTTPClient *http.Client
	Limiter    RateLimiter
}

type submitBody struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
}

type submitResp struct {
	OrderID string `json:"order_id"`
}

type cancelResp struct {
	Canceled bool `json:"canceled"`
}

type errorResp struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *RESTBroker) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := submitBody{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Quantity,
	}
	if strings.EqualFold(req.Type, "LIMIT") {
		lp := req.LimitPrice
		body.LimitPrice = &lp
	}
	var out submitResp
	if err := c.do(ctx, "submit", http.MethodPost, "/v1/orders", body, &out); err != nil {
		return "", err
	}
	if out.OrderID == "" {
		return "", Transient("submit", errors.New("empty order_id"))
	}
	return out.OrderID, nil
}

func (c *RESTBroker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	var out cancelResp
	err := c.do(ctx, "cancel", http.MethodDelete, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, &out)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) && rej.StatusCode == http.StatusConflict {
			return false, nil
		}
		return false, err
	}
	return out.Canceled, nil
}

func (c *RESTBroker) FetchPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.do(ctx, "positions", http.MethodGet, "/v1/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTBroker) FetchAccount(ctx context.Context) (Account, error) {
	var out Account
	if err := c.do(ctx, "account", http.MethodGet, "/v1/account", nil, &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

func (c *RESTBroker) FetchOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error) {
	var out OrderStatus
	if err := c.do(ctx, "order", http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, &out); err != nil {
		return OrderStatus{}, err
	}
	return out, nil
}

func (c *RESTBroker) FetchOrderByClientID(ctx context.Context, clientOrderID string) (OrderStatus, error) {
	var out OrderStatus
	path := "/v1/orders?client_order_id=" + url.QueryEscape(clientOrderID)
	if err := c.do(ctx, "order", http.MethodGet, path, nil, &out); err != nil {
		return OrderStatus{}, err
	}
	return out, nil
}

// do 发送签名请求并按状态码归类错误：网络错误、429、5xx 可重试；404 为不存在；其余 4xx 为拒绝。
func (c *RESTBroker) do(ctx context.Context, op, method, path string, in, out any) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("%s: http client not set", op)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Transient(op, err)
		}
	}
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		payload = b
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	ts := timeNowMillis()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.APIKey)
	req.Header.Set("X-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-SIGNATURE", SignRequest(c.Secret, ts, method, path, payload))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Transient(op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(raw)))}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrOrderNotFound)
	case resp.StatusCode >= 300:
		var er errorResp
		reason := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &er) == nil && er.Message != "" {
			reason = er.Message
		}
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Reason: reason}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
