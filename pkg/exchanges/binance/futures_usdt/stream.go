package futures_usdt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trade-sentinel/pkg/exchanges/common"
)

const (
	streamBuffer   = 256
	streamIdleTime = 5 * time.Minute
)

// StreamTicker subscribes to the combined <symbol>@ticker streams.
// The returned stream ends when ctx is done, Close is called or the connection drops.
func (c *Client) StreamTicker(ctx context.Context, symbols []string) (common.TickerStream, error) {
	if len(symbols) == 0 {
		return nil, errors.New("stream ticker: no symbols")
	}
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		// Binance requires lowercase symbols for websocket streams
		names = append(names, strings.ToLower(s)+"@ticker")
	}
	u := fmt.Sprintf("%s/stream?streams=%s", strings.TrimSuffix(c.cfg.StreamURL, "/"), strings.Join(names, "/"))

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, common.NewNetworkError(fmt.Errorf("dial ticker stream: %w", err))
	}

	s := &tickerStream{
		conn: conn,
		out:  make(chan common.Ticker, streamBuffer),
		done: make(chan struct{}),
	}
	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	log.WithField("symbols", symbols).Info("ticker stream connected")
	return s, nil
}

type tickerStream struct {
	conn *websocket.Conn
	out  chan common.Ticker
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *tickerStream) C() <-chan common.Ticker { return s.out }

func (s *tickerStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close is safe to call more than once.
func (s *tickerStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// Ignore errors; connection may already be closed.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
	return nil
}

func (s *tickerStream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *tickerStream) readLoop() {
	defer close(s.out)
	defer s.Close()

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(streamIdleTime))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.mu.Lock()
			s.err = common.NewNetworkError(fmt.Errorf("ticker stream read: %w", err))
			s.mu.Unlock()
			log.WithError(err).Warn("ticker stream dropped")
			return
		}

		tick, err := parseTicker(msg)
		if err != nil {
			log.WithError(err).Debug("ticker frame skipped")
			continue
		}
		select {
		case s.out <- tick:
		case <-s.done:
			return
		}
	}
}

type tickerPayload struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
}

type combinedFrame struct {
	Stream string        `json:"stream"`
	Data   tickerPayload `json:"data"`
}

// parseTicker accepts both combined-stream frames and raw payloads.
func parseTicker(msg []byte) (common.Ticker, error) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	p := frame.Data
	if frame.Stream == "" {
		if err := json.Unmarshal(msg, &p); err != nil {
			return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
		}
	}
	price := parseFloat(p.Last)
	if p.Symbol == "" || price <= 0 {
		return common.Ticker{}, errors.New("ticker frame without symbol or price")
	}
	t := common.Ticker{Symbol: strings.ToUpper(p.Symbol), Price: price, Time: time.Now()}
	if p.EventTime > 0 {
		t.Time = time.UnixMilli(p.EventTime)
	}
	return t, nil
}
