package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trade-sentinel/internal/engine"
	"trade-sentinel/internal/events"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/trigger"
	"trade-sentinel/pkg/cache"
	"trade-sentinel/pkg/db"
	exchange "trade-sentinel/pkg/exchanges/common"
)

const testSecret = "test-secret"

type fakeEngine struct {
	decisions []engine.Decision
	closeErr  error
}

func (f *fakeEngine) ExecuteDecision(_ context.Context, d engine.Decision) engine.Result {
	f.decisions = append(f.decisions, d)
	if d.Side == "BAD" {
		return engine.Result{Status: engine.StatusError, Message: "validate: bad side", Err: fmt.Errorf("bad side")}
	}
	return engine.Result{Status: engine.StatusSimulated, Decision: &d}
}

func (f *fakeEngine) MonitorPortfolio(context.Context) (ledger.Summary, error) {
	return ledger.Summary{OpenPositions: 1, UnrealizedPnL: 40}, nil
}

func (f *fakeEngine) CloseManually(_ context.Context, id int64, reason string) engine.Result {
	if f.closeErr != nil {
		return engine.Result{Status: engine.StatusError, Message: f.closeErr.Error(), PositionID: id, Err: f.closeErr}
	}
	return engine.Result{Status: engine.StatusSuccess, PositionID: id, Message: reason}
}

func (f *fakeEngine) Positions(context.Context, string) ([]db.Position, error) {
	return []db.Position{{ID: 1, Symbol: "BTCUSDT", Side: "LONG", Status: db.StatusOpen}}, nil
}
func (f *fakeEngine) History(context.Context, int) ([]db.Position, error) { return nil, nil }
func (f *fakeEngine) Triggers() []trigger.Entry                           { return nil }
func (f *fakeEngine) Prices() map[string]cache.Quote {
	return map[string]cache.Quote{"BTCUSDT": {Price: 50000, At: time.Now()}}
}
func (f *fakeEngine) OpenOrders(context.Context, string) ([]exchange.OrderResult, error) {
	return nil, nil
}
func (f *fakeEngine) Status() engine.SystemStatus { return engine.SystemStatus{MonitorRunning: true} }

func newTestServer(t *testing.T, eng *fakeEngine, rateLimit float64) (*Server, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.NewBus()
	s := NewServer(Options{
		Engine:    eng,
		Bus:       bus,
		JWTSecret: testSecret,
		RateLimit: rateLimit,
		RateBurst: 1,
		Version:   "test",
	})
	return s, bus
}

func token(t *testing.T) string {
	t.Helper()
	tok, err := GenerateToken("operator", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return tok
}

func do(t *testing.T, s *Server, method, path, tok string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{}, 0)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token(t), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			s.Router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	if rec := do(t, s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", rec.Code)
	}
}

func TestTokenSignedWithOtherSecretRejected(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{}, 0)
	other, err := GenerateToken("operator", "another-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec := do(t, s, http.MethodGet, "/api/portfolio", other, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestExecuteDecisionEndpoint(t *testing.T) {
	eng := &fakeEngine{}
	s, _ := newTestServer(t, eng, 0)
	tok := token(t)

	rec := do(t, s, http.MethodPost, "/api/decisions", tok, map[string]any{
		"symbol": "BTCUSDT", "side": "LONG", "entry_price": 50000, "stop_loss": 48000, "risk_pct": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var res engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != engine.StatusSimulated || len(eng.decisions) != 1 || *eng.decisions[0].StopLoss != 48000 {
		t.Fatalf("unexpected result %+v", res)
	}

	if rec := do(t, s, http.MethodPost, "/api/decisions", tok, map[string]any{"symbol": "BTCUSDT", "side": "BAD"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("error result status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/decisions", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+tok)
	bad := httptest.NewRecorder()
	s.Router.ServeHTTP(bad, req)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload status = %d", bad.Code)
	}
}

func TestClosePositionStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		path string
		want int
	}{
		{"closed", nil, "/api/positions/7/close", http.StatusOK},
		{"not found", ledger.ErrNotFound, "/api/positions/7/close", http.StatusNotFound},
		{"already closed", ledger.ErrAlreadyClosed, "/api/positions/7/close", http.StatusConflict},
		{"conflict", fmt.Errorf("%w: %w", engine.ErrConcurrencyConflict, ledger.ErrAlreadyClosed), "/api/positions/7/close", http.StatusConflict},
		{"exchange down", exchange.NewNetworkError(fmt.Errorf("timeout")), "/api/positions/7/close", http.StatusBadGateway},
		{"bad id", nil, "/api/positions/abc/close", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakeEngine{closeErr: tc.err}, 0)
			rec := do(t, s, http.MethodPost, tc.path, token(t), map[string]string{"reason": "operator"})
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestHistoryValidatesDays(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{}, 0)
	tok := token(t)
	if rec := do(t, s, http.MethodGet, "/api/positions/history?days=0", tok, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("days=0 status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/positions/history?days=30", tok, nil); rec.Code != http.StatusOK {
		t.Fatalf("days=30 status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{}, 0.001)
	if rec := do(t, s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/health", "", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
	if n := s.limiter.Sweep(0); n != 1 {
		t.Fatalf("swept %d limiters", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeEngine{}, 0)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestWebsocketPushesBusEvents(t *testing.T) {
	s, bus := newTestServer(t, &fakeEngine{}, 0)
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is made after the upgrade; publish until it is seen.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bus.Publish(events.EventPositionClosed, events.PositionClosed{PositionID: 3, Symbol: "BTCUSDT"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event   events.Event          `json:"event"`
		Payload events.PositionClosed `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != events.EventPositionClosed || msg.Payload.PositionID != 3 {
		t.Fatalf("unexpected message %+v", msg)
	}
}
