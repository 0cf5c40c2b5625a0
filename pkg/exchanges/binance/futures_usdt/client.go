package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"trade-sentinel/pkg/exchanges/common"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	log  = logrus.WithField("component", "binance-futures")
)

// Config holds Binance USDT-M futures credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	StreamURL  string
	RecvWindow int64 // ms
	Timeout    time.Duration
}

// Client handles Binance USDT-M futures and implements common.Gateway.
type Client struct {
	cfg         Config
	http        *resty.Client
	dialer      *websocket.Dialer
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fapi.binance.com"
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "wss://fstream.binance.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("X-MBX-APIKEY", cfg.APIKey),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
	}
	c.timeSync = common.NewTimeSync(c.ServerTime)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute) // 2400 weight/min for futures
	return c
}

// StartTimeSync keeps request timestamps aligned with the exchange clock.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

func (c *Client) now() int64 {
	if c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// GetAccount returns the futures account with per-asset balances.
func (c *Client) GetAccount(ctx context.Context) (common.Account, error) {
	var info accountResp
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, 5, &info); err != nil {
		return common.Account{}, err
	}
	acct := common.Account{
		CanTrade:         info.CanTrade,
		TotalWallet:      parseFloat(info.TotalWalletBalance),
		AvailableBalance: parseFloat(info.AvailableBalance),
		UpdatedAt:        time.Now(),
	}
	for _, a := range info.Assets {
		wallet := parseFloat(a.WalletBalance)
		free := parseFloat(a.AvailableBalance)
		locked := wallet - free
		if locked < 0 {
			locked = 0
		}
		acct.Balances = append(acct.Balances, common.Balance{Asset: a.Asset, Free: free, Locked: locked})
	}
	return acct, nil
}

// GetBalance returns one asset's balance; a missing asset is a zero balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	var rows []balanceResp
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, 5, &rows); err != nil {
		return common.Balance{}, err
	}
	for _, r := range rows {
		if strings.EqualFold(r.Asset, asset) {
			wallet := parseFloat(r.Balance)
			free := parseFloat(r.AvailableBalance)
			return common.Balance{Asset: r.Asset, Free: free, Locked: max(wallet-free, 0)}, nil
		}
	}
	return common.Balance{Asset: strings.ToUpper(asset)}, nil
}

// PlaceOrder submits an order. STOP and TAKE_PROFIT orders without an explicit
// limit price are priced 1% beyond the trigger in the fill-friendly direction.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Kind))
	params.Set("quantity", formatFloat(req.Qty))
	params.Set("newOrderRespType", "RESULT")

	switch req.Kind {
	case common.KindMarket:
	case common.KindLimit:
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	case common.KindStop, common.KindTakeProfit:
		price := req.Price
		if price == 0 {
			price = triggerLimitPrice(req.Kind, req.Side, req.StopPrice)
		}
		params.Set("stopPrice", formatFloat(req.StopPrice))
		params.Set("price", formatFloat(price))
		params.Set("timeInForce", "GTC")
	default:
		return common.OrderResult{}, common.NewRejected(0, fmt.Sprintf("unsupported order kind %q", req.Kind))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var resp orderResp
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, 1, &resp); err != nil {
		return common.OrderResult{}, err
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", exchangeOrderID)
	var resp orderResp
	if err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, 1, &resp); err != nil {
		return common.OrderResult{}, err
	}
	return resp.toResult(), nil
}

// GetOrderStatus queries a single order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", exchangeOrderID)
	var resp orderResp
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params, 1, &resp); err != nil {
		return common.OrderResult{}, err
	}
	return resp.toResult(), nil
}

// ListOpenOrders returns open orders; symbol optional.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	params := url.Values{}
	weight := 40
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
		weight = 1
	}
	var rows []orderResp
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params, weight, &rows); err != nil {
		return nil, err
	}
	out := make([]common.OrderResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toResult())
	}
	return out, nil
}

// GetPrice returns the last traded price.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	if err := c.doPublic(ctx, "/fapi/v1/ticker/price", params, 1, &resp); err != nil {
		return 0, err
	}
	price := parseFloat(resp.Price)
	if price <= 0 {
		return 0, common.NewRejected(0, fmt.Sprintf("no price for %s", symbol))
	}
	return price, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	return c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params, 1, nil)
}

// ServerTime fetches futures server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.doPublic(ctx, "/fapi/v1/time", nil, 1, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// doSigned signs params and sends the request. out may be nil.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, weight int, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.NewRejected(0, "binance usdt futures: API key/secret required")
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	if err := c.rateLimiter.Wait(ctx, weight); err != nil {
		return common.NewNetworkError(err)
	}

	req := c.http.R().SetContext(ctx)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req.SetQueryString(encoded)
	default:
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded").SetBody(encoded)
	}
	return c.send(req, method, path, out)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values, weight int, out any) error {
	if err := c.rateLimiter.Wait(ctx, weight); err != nil {
		return common.NewNetworkError(err)
	}
	req := c.http.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryString(params.Encode())
	}
	return c.send(req, http.MethodGet, path, out)
}

func (c *Client) send(req *resty.Request, method, path string, out any) error {
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return common.NewNetworkError(fmt.Errorf("%s %s: %w", method, path, err))
	}
	c.rateLimiter.UpdateFromHeader(resp.Header().Get("X-MBX-USED-WEIGHT-1M"))
	log.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode(),
		"latency": time.Since(start),
	}).Debug("request")

	if resp.IsError() {
		return classify(resp.StatusCode(), resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// classify maps an HTTP error response to the exchange error taxonomy.
func classify(status int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	if apiErr.Msg == "" {
		apiErr.Msg = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == -1003:
		return common.NewRateLimited(apiErr.Code, apiErr.Msg)
	case status >= 500:
		return common.NewNetworkError(fmt.Errorf("status %d: %s", status, apiErr.Msg))
	default:
		return common.NewRejected(apiErr.Code, apiErr.Msg)
	}
}

func triggerLimitPrice(kind common.OrderKind, side common.Side, trigger float64) float64 {
	switch {
	case kind == common.KindStop && side == common.SideSell:
		return trigger * 0.99
	case kind == common.KindStop:
		return trigger * 1.01
	case side == common.SideSell:
		return trigger * 1.01
	default:
		return trigger * 0.99
	}
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
