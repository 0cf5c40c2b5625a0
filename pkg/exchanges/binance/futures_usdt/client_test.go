package futures_usdt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trade-sentinel/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Timeout:   2 * time.Second,
	})
}

func TestPlaceOrderSignsAndMaps(t *testing.T) {
	var gotPrice, gotStop, gotType string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("signature") == "" || r.PostForm.Get("timestamp") == "" {
			t.Errorf("request not signed: %v", r.PostForm)
		}
		gotType = r.PostForm.Get("type")
		gotPrice = r.PostForm.Get("price")
		gotStop = r.PostForm.Get("stopPrice")
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "10")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid","side":"SELL","type":"STOP",
			"origQty":"0.1","price":"47520","stopPrice":"48000","executedQty":"0","avgPrice":"0","status":"NEW","updateTime":1700000000000}`))
	})

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Kind: common.KindStop, Symbol: "btcusdt", Side: common.SideSell, Qty: 0.1, StopPrice: 48000,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if gotType != "STOP" || gotStop != "48000" || gotPrice != "47520" {
		t.Errorf("params type=%s stop=%s price=%s", gotType, gotStop, gotPrice)
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusNew || res.Qty != 0.1 {
		t.Errorf("result = %+v", res)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  common.ErrorKind
		retryable bool
	}{
		{"rejected", 400, `{"code":-2019,"msg":"Margin is insufficient."}`, common.KindRejected, false},
		{"rate limited", 429, `{"code":-1003,"msg":"Too many requests"}`, common.KindRateLimited, true},
		{"server error", 503, `Service Unavailable`, common.KindNetworkTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "1")
			kind, ok := common.KindOf(err)
			if !ok || kind != tt.wantKind {
				t.Fatalf("kind = %s (%v), want %s", kind, err, tt.wantKind)
			}
			if common.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", common.IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestMissingCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.GetAccount(context.Background())
	var ee *common.ExchangeError
	if !errors.As(err, &ee) || ee.Kind != common.KindRejected {
		t.Fatalf("expected rejected error, got %v", err)
	}
}

func TestGetAccountAndBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/account":
			_, _ = w.Write([]byte(`{"canTrade":true,"totalWalletBalance":"1000","availableBalance":"800",
				"assets":[{"asset":"USDT","walletBalance":"1000","availableBalance":"800"}]}`))
		case "/fapi/v2/balance":
			_, _ = w.Write([]byte(`[{"asset":"USDT","balance":"1000","availableBalance":"800"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	acct, err := c.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.CanTrade || len(acct.Balances) != 1 || acct.Balances[0].Locked != 200 {
		t.Errorf("account = %+v", acct)
	}
	bal, err := c.GetBalance(context.Background(), "usdt")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Free != 800 || bal.Total() != 1000 {
		t.Errorf("balance = %+v", bal)
	}
	missing, _ := c.GetBalance(context.Background(), "BNB")
	if missing.Total() != 0 {
		t.Errorf("missing asset balance = %+v", missing)
	}
}

func TestTriggerLimitPrice(t *testing.T) {
	tests := []struct {
		kind common.OrderKind
		side common.Side
		want float64
	}{
		{common.KindStop, common.SideSell, 99},
		{common.KindStop, common.SideBuy, 101},
		{common.KindTakeProfit, common.SideSell, 101},
		{common.KindTakeProfit, common.SideBuy, 99},
	}
	for _, tt := range tests {
		got := triggerLimitPrice(tt.kind, tt.side, 100)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s %s = %v, want %v", tt.kind, tt.side, got, tt.want)
		}
	}
}

func TestParseTicker(t *testing.T) {
	combined := []byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"50123.5"}}`)
	tick, err := parseTicker(combined)
	if err != nil || tick.Symbol != "BTCUSDT" || tick.Price != 50123.5 {
		t.Fatalf("combined = %+v, %v", tick, err)
	}
	raw := []byte(`{"e":"24hrTicker","s":"ethusdt","c":"3000"}`)
	tick, err = parseTicker(raw)
	if err != nil || tick.Symbol != "ETHUSDT" || tick.Price != 3000 {
		t.Fatalf("raw = %+v, %v", tick, err)
	}
	if _, err := parseTicker([]byte(`{"result":null,"id":1}`)); err == nil {
		t.Fatal("expected error for non-ticker frame")
	}
}

func TestStreamTicker(t *testing.T) {
	upgrader := websocket.Upgrader{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("streams") != "btcusdt@ticker/ethusdt@ticker" {
			t.Errorf("streams = %q", r.URL.Query().Get("streams"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"btcusdt@ticker","data":{"s":"BTCUSDT","c":"50000"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"stream":"ethusdt@ticker","data":{"s":"ETHUSDT","c":"3000"}}`))
		// hold the connection until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := c.StreamTicker(ctx, []string{"BTCUSDT", "ETHUSDT"})
	if err != nil {
		t.Fatalf("StreamTicker: %v", err)
	}

	var got []common.Ticker
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tick := <-stream.C():
			got = append(got, tick)
		case <-timeout:
			t.Fatalf("received %d ticks", len(got))
		}
	}
	if got[0].Symbol != "BTCUSDT" || got[1].Price != 3000 {
		t.Errorf("ticks = %+v", got)
	}

	_ = stream.Close()
	_ = stream.Close()
	select {
	case _, ok := <-stream.C():
		for ok {
			_, ok = <-stream.C()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after Close")
	}
	if stream.Err() != nil {
		t.Errorf("Err after Close = %v", stream.Err())
	}
}
