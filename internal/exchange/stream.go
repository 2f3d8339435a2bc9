package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	reconnectWait = 5 * time.Second
)

// Tick is one price observation from the aggTrade stream.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// TickerStream maintains a websocket subscription to a symbol's trade stream
// with heartbeat and automatic reconnection. Each successful reconnect after
// a drop calls OnResync so the owner can schedule a reconciliation pass.
type TickerStream struct {
	wsBaseURL string
	symbol    string
	logger    *zap.Logger

	// OnResync fires after a reconnect, before new ticks flow.
	OnResync func()
}

// NewTickerStream prepares a stream; Run does the actual work.
func NewTickerStream(wsBaseURL, symbol string, logger *zap.Logger) *TickerStream {
	return &TickerStream{wsBaseURL: wsBaseURL, symbol: symbol, logger: logger}
}

// Run connects and pushes ticks into out until ctx is canceled. Connection
// drops are retried forever; the caller decides when to stop.
func (s *TickerStream) Run(ctx context.Context, out chan<- Tick) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("websocket dial failed, retrying",
				zap.String("symbol", s.symbol), zap.Error(err))
			if !sleepCtx(ctx, reconnectWait) {
				return
			}
			continue
		}

		if !first && s.OnResync != nil {
			s.OnResync()
		}
		first = false

		if err := s.readLoop(ctx, conn, out); err != nil {
			s.logger.Warn("websocket read loop ended, reconnecting",
				zap.String("symbol", s.symbol), zap.Error(err))
		}
		conn.Close()
		if !sleepCtx(ctx, reconnectWait) {
			return
		}
	}
}

func (s *TickerStream) dial() (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/ws/%s@aggTrade", s.wsBaseURL, strings.ToLower(s.symbol))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}

// readLoop pumps messages for one established connection, keeping the
// ping/pong heartbeat alive in a side goroutine.
func (s *TickerStream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- Tick) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var trade struct {
			Price json.Number `json:"p"`
			Time  int64       `json:"T"`
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			s.logger.Debug("unparseable stream message", zap.Error(err))
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price == 0 {
			continue
		}

		tick := Tick{Symbol: s.symbol, Price: price, Time: time.UnixMilli(trade.Time)}
		select {
		case out <- tick:
		case <-ctx.Done():
			return nil
		default:
			// The consumer is behind; stale ticks are worthless, drop.
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
