package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Feed 订阅 Alpaca 风格的成交流（[{"T":"t","S":sym,"p":price,"s":size,"t":ts}]），
// 将成交写入 Service；断线后按线性退避重连，直到 ctx 结束。
type Feed struct {
	URL          string
	APIKey       string
	APISecret    string
	Symbols      []string
	Dialer       *websocket.Dialer
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	svc    *Service
	logger *zap.Logger
}

// NewFeed 创建行情订阅。logger 为 nil 时不输出日志。
func NewFeed(url string, symbols []string, svc *Service, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		URL:          url,
		Symbols:      symbols,
		Dialer:       websocket.DefaultDialer,
		RetryBackoff: time.Second,
		MaxBackoff:   30 * time.Second,
		svc:          svc,
		logger:       logger,
	}
}

type streamMsg struct {
	T    string          `json:"T"`
	S    string          `json:"S"`
	P    decimal.Decimal `json:"p"`
	Size decimal.Decimal `json:"s"`
	Ts   time.Time       `json:"t"`
	Msg  string          `json:"msg"`
	Code int             `json:"code"`
}

type controlMsg struct {
	Action string   `json:"action"`
	Key    string   `json:"key,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Trades []string `json:"trades,omitempty"`
}

// Run 阻塞运行，ctx 结束时返回 ctx.Err()。
func (f *Feed) Run(ctx context.Context) error {
	retries := 0
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retries++
		backoff := time.Duration(retries) * f.RetryBackoff
		if backoff > f.MaxBackoff {
			backoff = f.MaxBackoff
		}
		f.logger.Warn("market feed disconnected",
			zap.Error(err),
			zap.Int("retries", retries),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (f *Feed) session(ctx context.Context) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	if f.APIKey != "" {
		if err := conn.WriteJSON(controlMsg{Action: "auth", Key: f.APIKey, Secret: f.APISecret}); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := conn.WriteJSON(controlMsg{Action: "subscribe", Trades: f.Symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("market feed connected", zap.String("url", f.URL), zap.Strings("symbols", f.Symbols))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := f.handle(raw); err != nil {
			return err
		}
	}
}

func (f *Feed) handle(raw []byte) error {
	var msgs []streamMsg
	if err := json.Unmarshal(raw, &msgs); err != nil {
		f.logger.Debug("market feed: skip malformed message", zap.Error(err))
		return nil
	}
	for _, m := range msgs {
		switch m.T {
		case "t":
			f.svc.OnTrade(Trade{Symbol: m.S, Price: m.P, Size: m.Size, Ts: m.Ts})
		case "error":
			return errors.New("stream error: " + m.Msg)
		}
	}
	return nil
}
