package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/pkg/config"
	futures "trade-sentinel/pkg/exchanges/binance/futures_usdt"
	exchange "trade-sentinel/pkg/exchanges/common"
)

// trading_api_check exercises the Binance USDT-M gateway with the configured
// credentials: account, price, open orders and a few streamed ticks.
//
// Usage:
//
//	go run ./scripts/trading_api_check
//
// CHECK_SYMBOL (default BTCUSDT) picks the instrument. With
// TRADING_CHECK_PLACE_ORDERS=true a far-away LIMIT order is placed and
// cancelled right away.
func main() {
	log := logrus.WithField("component", "api-check")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	symbol := getenv("CHECK_SYMBOL", "BTCUSDT")
	placeOrders := getenv("TRADING_CHECK_PLACE_ORDERS", "false") == "true"

	client := futures.NewClient(futures.Config{
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		BaseURL:    cfg.Exchange.BaseURL,
		StreamURL:  cfg.Exchange.StreamURL,
		RecvWindow: cfg.Exchange.RecvWindow,
		Timeout:    cfg.Exchange.RequestTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	client.StartTimeSync(ctx)

	price, err := client.GetPrice(ctx, symbol)
	if err != nil {
		log.Fatalf("price: %v", err)
	}
	log.Infof("%s last price %.2f", symbol, price)

	if cfg.Exchange.APIKey == "" {
		log.Warn("no credentials; skipping signed endpoints")
	} else {
		acct, err := client.GetAccount(ctx)
		if err != nil {
			log.Fatalf("account: %v", err)
		}
		for _, b := range acct.Balances {
			if b.Total() > 0 {
				log.Infof("balance %s free=%.4f locked=%.4f", b.Asset, b.Free, b.Locked)
			}
		}
		open, err := client.ListOpenOrders(ctx, symbol)
		if err != nil {
			log.Fatalf("open orders: %v", err)
		}
		log.Infof("%d open orders on %s", len(open), symbol)

		if placeOrders {
			res, err := client.PlaceOrder(ctx, exchange.OrderRequest{
				Symbol: symbol, Side: exchange.SideBuy, Kind: exchange.KindLimit,
				Qty: 0.002, Price: float64(int(price * 0.5)),
			})
			if err != nil {
				log.Fatalf("place order: %v", err)
			}
			log.Infof("placed %s status %s", res.ExchangeOrderID, res.Status)
			if _, err := client.CancelOrder(ctx, symbol, res.ExchangeOrderID); err != nil {
				log.Fatalf("cancel order: %v", err)
			}
			log.Info("cancelled")
		}
	}

	stream, err := client.StreamTicker(ctx, []string{symbol})
	if err != nil {
		log.Fatalf("stream: %v", err)
	}
	defer stream.Close()
	for i := 0; i < 3; i++ {
		select {
		case t, ok := <-stream.C():
			if !ok {
				log.Fatalf("stream ended: %v", stream.Err())
			}
			log.Infof("tick %s %.2f", t.Symbol, t.Price)
		case <-time.After(15 * time.Second):
			log.Fatal("no tick within 15s")
		}
	}
	log.Info("all checks passed")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
