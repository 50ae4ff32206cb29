package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/triarb/pkg/models"
)

const (
	DefaultPublicWSURL = "wss://ws.bitget.com/v2/ws/public"

	pingInterval   = 30 * time.Second
	reconnectDelay = 5 * time.Second
)

type TickerHandler func(models.Ticker)

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type subscribeMessage struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type wsMessage struct {
	Event  string          `json:"event"`
	Code   json.Number     `json:"code"`
	Msg    string          `json:"msg"`
	Action string          `json:"action"`
	Arg    subscribeArg    `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

type wsTicker struct {
	InstID     string `json:"instId"`
	LastPr     string `json:"lastPr"`
	BidPr      string `json:"bidPr"`
	AskPr      string `json:"askPr"`
	BaseVolume string `json:"baseVolume"`
	Timestamp  string `json:"ts"`
}

// TickerStream keeps a public ticker subscription alive and hands every
// update to the handler. Run reconnects until its context ends.
type TickerStream struct {
	url     string
	symbols []string
	handler TickerHandler
	logger  *logrus.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
}

func NewTickerStream(url string, symbols []string, handler TickerHandler, logger *logrus.Logger) *TickerStream {
	if url == "" {
		url = DefaultPublicWSURL
	}
	return &TickerStream{
		url:     url,
		symbols: symbols,
		handler: handler,
		logger:  logger,
	}
}

func (ts *TickerStream) Run(ctx context.Context) error {
	for {
		err := ts.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		ts.logger.WithError(err).Warn("Ticker stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (ts *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, ts.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	ts.mu.Lock()
	ts.conn = conn
	ts.mu.Unlock()
	defer ts.close()

	if err := ts.subscribe(); err != nil {
		return err
	}
	ts.logger.WithField("symbols", ts.symbols).Info("Subscribed to ticker stream")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ts.keepAlive(sctx)
	go func() {
		<-sctx.Done()
		ts.close()
	}()

	return ts.readLoop(conn)
}

func (ts *TickerStream) subscribe() error {
	msg := subscribeMessage{Op: "subscribe"}
	for _, s := range ts.symbols {
		msg.Args = append(msg.Args, subscribeArg{InstType: "SPOT", Channel: "ticker", InstID: s})
	}
	return ts.write(func(c *websocket.Conn) error { return c.WriteJSON(msg) })
}

func (ts *TickerStream) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "pong" {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			ts.logger.WithError(err).Debug("Ignoring undecodable websocket frame")
			continue
		}
		if msg.Event == "error" {
			return fmt.Errorf("bitget ws error %s: %s", msg.Code, msg.Msg)
		}
		if msg.Arg.Channel != "ticker" || len(msg.Data) == 0 {
			continue
		}

		var tickers []wsTicker
		if err := json.Unmarshal(msg.Data, &tickers); err != nil {
			ts.logger.WithError(err).Warn("Failed to decode ticker update")
			continue
		}
		for _, t := range tickers {
			ts.handler(models.Ticker{
				Symbol:    t.InstID,
				BidPrice:  decimalOrZero(t.BidPr),
				AskPrice:  decimalOrZero(t.AskPr),
				LastPrice: decimalOrZero(t.LastPr),
				Volume24h: decimalOrZero(t.BaseVolume),
				Timestamp: parseMillis(t.Timestamp),
			})
		}
	}
}

// keepAlive sends Bitget's text ping; the server drops idle connections.
func (ts *TickerStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ts.write(func(c *websocket.Conn) error {
				return c.WriteMessage(websocket.TextMessage, []byte("ping"))
			})
			if err != nil {
				ts.logger.WithError(err).Error("Failed to send ping")
				ts.close()
				return
			}
		}
	}
}

func (ts *TickerStream) write(fn func(*websocket.Conn) error) error {
	ts.mu.Lock()
	conn := ts.conn
	ts.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	return fn(conn)
}

func (ts *TickerStream) close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.conn != nil {
		ts.conn.Close()
		ts.conn = nil
	}
}
