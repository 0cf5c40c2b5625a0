// Package engine turns strategy decisions into sized, protected positions
// and drives portfolio monitoring and manual closes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/balance"
	"trade-sentinel/internal/events"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/monitor"
	"trade-sentinel/internal/order"
	"trade-sentinel/internal/risk"
	"trade-sentinel/internal/trigger"
	"trade-sentinel/pkg/db"
	exchange "trade-sentinel/pkg/exchanges/common"
)

var log = logrus.WithField("component", "engine")

// Config wires the coordinator's collaborators.
type Config struct {
	Executor *order.Executor
	Ledger   *ledger.Ledger
	Monitor  *trigger.Monitor
	Risk     *risk.Manager // optional
	Balances *balance.Manager
	Bus      *events.Bus

	AutoExecute     bool
	QuoteAsset      string
	DefaultLeverage int
	DefaultRiskPct  float64
	// PriceMaxAge bounds how old a streamed price may be before
	// MonitorPortfolio asks the exchange instead.
	PriceMaxAge time.Duration
}

// Coordinator implements Service.
type Coordinator struct {
	cfg       Config
	executor  *order.Executor
	ledger    *ledger.Ledger
	monitor   *trigger.Monitor
	risk      *risk.Manager
	balances  *balance.Manager
	bus       *events.Bus
	closing   *keyedMutex
	startedAt time.Time
}

// New builds a coordinator and installs it as the monitor's closer.
func New(cfg Config) *Coordinator {
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	if cfg.DefaultRiskPct <= 0 {
		cfg.DefaultRiskPct = 1
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = 30 * time.Second
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	c := &Coordinator{
		cfg:       cfg,
		executor:  cfg.Executor,
		ledger:    cfg.Ledger,
		monitor:   cfg.Monitor,
		risk:      cfg.Risk,
		balances:  cfg.Balances,
		bus:       cfg.Bus,
		closing:   newKeyedMutex(),
		startedAt: time.Now(),
	}
	c.monitor.SetCloser(c)
	return c
}

// ExecuteDecision sizes, places and protects one decision.
func (c *Coordinator) ExecuteDecision(ctx context.Context, d Decision) Result {
	res := c.executeDecision(ctx, d)
	monitor.Decisions.WithLabelValues(string(res.Status)).Inc()
	return res
}

func (c *Coordinator) executeDecision(ctx context.Context, d Decision) Result {
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	d.Side = strings.ToUpper(strings.TrimSpace(d.Side))
	if d.Side == SideNeutral {
		return Result{Status: StatusNeutral, Message: "neutral decision, nothing to do", Decision: &d, At: time.Now()}
	}
	if d.Leverage < 1 {
		d.Leverage = c.cfg.DefaultLeverage
	}
	if d.RiskPct <= 0 {
		d.RiskPct = c.cfg.DefaultRiskPct
	}

	entry := logrus.Fields{"symbol": d.Symbol, "side": d.Side, "strategy": d.StrategyID}
	fail := func(step string, err error) Result {
		log.WithFields(entry).WithError(err).Errorf("decision failed at %s", step)
		return Result{Status: StatusError, Message: fmt.Sprintf("%s: %v", step, err), Decision: &d, At: time.Now(), Err: err}
	}

	if d.Symbol == "" {
		return fail("validate", invalid("symbol", "is required"))
	}
	side, err := ledger.ParseSide(d.Side)
	if err != nil {
		return fail("validate", invalid("side", "%v", err))
	}

	if d.EntryPrice <= 0 {
		price, err := c.price(ctx, d.Symbol)
		if err != nil {
			return fail("market price", err)
		}
		d.EntryPrice = price
	}
	if err := validateProtection(side, d); err != nil {
		return fail("validate", err)
	}

	available, err := c.balances.Available(ctx)
	if err != nil {
		return fail("balance", err)
	}
	sizing, err := Size(available, d.RiskPct, d.EntryPrice, d.StopLoss, d.Leverage)
	if err != nil {
		return fail("sizing", err)
	}

	if c.risk != nil {
		verdict, err := c.risk.Evaluate(ctx, risk.Intent{
			Symbol: d.Symbol, Leverage: d.Leverage, RiskPct: d.RiskPct, Quantity: sizing.Quantity,
		})
		if err != nil {
			return fail("risk", err)
		}
		if !verdict.Allowed {
			c.bus.Publish(events.EventRiskAlert, verdict)
			res := fail("risk", fmt.Errorf("%s: %s", verdict.Rule, verdict.Reason))
			res.Sizing = &sizing
			return res
		}
	}

	if !c.cfg.AutoExecute {
		log.WithFields(entry).WithField("qty", sizing.Quantity).Info("auto-execute disabled; decision simulated")
		return Result{Status: StatusSimulated, Message: "auto-execute disabled", Decision: &d, Sizing: &sizing, At: time.Now()}
	}

	if err := c.executor.EnsureLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		return fail("set leverage", err)
	}
	if err := c.balances.Reserve(sizing.MarginRequired); err != nil {
		return fail("reserve margin", err)
	}
	defer c.balances.Release(sizing.MarginRequired)

	ord, err := c.executor.PlaceMarket(ctx, d.Symbol, entrySide(side), sizing.Quantity, order.WithStrategy(d.StrategyID))
	if err != nil {
		return fail("place entry order", err)
	}

	fillPrice := ord.AvgPrice
	if fillPrice <= 0 {
		fillPrice = d.EntryPrice
	}
	qty := ord.ExecutedQty
	if qty <= 0 {
		qty = sizing.Quantity
	}
	positionID, err := c.ledger.Create(ctx, ledger.Opening{
		Symbol: d.Symbol, Side: side, Quantity: qty, EntryPrice: fillPrice,
		StopLoss: d.StopLoss, TakeProfit: d.TakeProfit, Leverage: d.Leverage, StrategyID: d.StrategyID,
	})
	if err != nil {
		res := fail("create position", fmt.Errorf("order %s (id %d) is filled but has no position, reconcile manually: %w",
			ord.ExchangeOrderID, ord.ID, err))
		res.Order = &ord
		res.Sizing = &sizing
		return res
	}
	if err := c.executor.Link(ctx, ord.ID, positionID); err != nil {
		log.WithError(err).WithField("order_id", ord.ID).Warn("link order to position")
	}
	ord.PositionID = positionID

	if d.StopLoss != nil {
		if err := c.monitor.RegisterStopLoss(d.Symbol, positionID, side, *d.StopLoss, qty); err != nil {
			log.WithError(err).Warn("register stop-loss; reconciliation will retry")
		}
	}
	if d.TakeProfit != nil {
		if err := c.monitor.RegisterTakeProfit(d.Symbol, positionID, side, *d.TakeProfit, qty); err != nil {
			log.WithError(err).Warn("register take-profit; reconciliation will retry")
		}
	}
	if d.StopLoss != nil || d.TakeProfit != nil {
		if err := c.monitor.Start(ctx, []string{d.Symbol}); err != nil {
			log.WithError(err).Warn("start trigger monitor")
		}
	}

	if err := c.balances.Sync(ctx); err != nil {
		log.WithError(err).Warn("balance refresh after entry failed")
	}

	log.WithFields(entry).WithFields(logrus.Fields{
		"position_id": positionID, "qty": qty, "entry": fillPrice, "order": ord.ExchangeOrderID,
	}).Info("decision executed")
	return Result{
		Status:     StatusSuccess,
		Message:    fmt.Sprintf("opened %s %s %v @ %v", side, d.Symbol, qty, fillPrice),
		Decision:   &d,
		Sizing:     &sizing,
		PositionID: positionID,
		Order:      &ord,
		At:         time.Now(),
	}
}

func validateProtection(side ledger.Side, d Decision) error {
	long := side == ledger.SideLong
	if d.StopLoss != nil {
		sl := *d.StopLoss
		if sl <= 0 || (long && sl >= d.EntryPrice) || (!long && sl <= d.EntryPrice) {
			return invalid("stop_loss", "%v is on the wrong side of entry %v for %s", sl, d.EntryPrice, side)
		}
	}
	if d.TakeProfit != nil {
		tp := *d.TakeProfit
		if tp <= 0 || (long && tp <= d.EntryPrice) || (!long && tp >= d.EntryPrice) {
			return invalid("take_profit", "%v is on the wrong side of entry %v for %s", tp, d.EntryPrice, side)
		}
	}
	return nil
}

func entrySide(side ledger.Side) exchange.Side {
	if side == ledger.SideShort {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// price prefers a fresh streamed price over an exchange round trip.
func (c *Coordinator) price(ctx context.Context, symbol string) (float64, error) {
	if q, ok := c.monitor.Prices().Quote(symbol); ok && q.Age() <= c.cfg.PriceMaxAge {
		return q.Price, nil
	}
	return c.executor.MarketPrice(ctx, symbol)
}

// MonitorPortfolio refreshes marks of every open position, returns the
// aggregate summary and starts the trigger monitor when positions exist.
func (c *Coordinator) MonitorPortfolio(ctx context.Context) (ledger.Summary, error) {
	positions, err := c.ledger.ListOpen(ctx, "")
	if err != nil {
		return ledger.Summary{}, err
	}
	prices := make(map[string]float64)
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok {
			price, err = c.price(ctx, p.Symbol)
			if err != nil {
				log.WithError(err).WithField("symbol", p.Symbol).Warn("no price for open position")
				continue
			}
			prices[p.Symbol] = price
		}
		if _, err := c.ledger.UpdatePrice(ctx, p.ID, price); err != nil && !errors.Is(err, ledger.ErrAlreadyClosed) {
			log.WithError(err).WithField("position_id", p.ID).Warn("update mark")
		}
	}

	summary, err := c.ledger.PortfolioSummary(ctx)
	if err != nil {
		return ledger.Summary{}, err
	}
	if summary.OpenPositions > 0 && !c.monitor.Running() {
		if err := c.monitor.Start(ctx, c.ledger.Symbols()); err != nil {
			log.WithError(err).Warn("start trigger monitor")
		}
	}
	return summary, nil
}

// CloseManually closes a position at market on behalf of a caller.
func (c *Coordinator) CloseManually(ctx context.Context, positionID int64, reason string) Result {
	if reason == "" {
		reason = "MANUAL"
	}
	p, ord, realized, err := c.closePosition(ctx, positionID, reason, 0)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error(), PositionID: positionID, At: time.Now(), Err: err}
	}
	return Result{
		Status:      StatusSuccess,
		Message:     fmt.Sprintf("closed %s %s at %v", p.Side, p.Symbol, p.ClosePrice),
		PositionID:  positionID,
		Order:       &ord,
		ClosePrice:  p.ClosePrice,
		RealizedPnL: realized,
		At:          time.Now(),
	}
}

// CloseTriggered closes the position behind a fired trigger.
func (c *Coordinator) CloseTriggered(ctx context.Context, f trigger.Fired) error {
	_, _, _, err := c.closePosition(ctx, f.PositionID, string(f.Kind), f.Price)
	return err
}

// closePosition serialises closes per position. A caller that had to wait
// and then finds the position closed gets ErrConcurrencyConflict.
func (c *Coordinator) closePosition(ctx context.Context, id int64, reason string, hint float64) (db.Position, db.Order, float64, error) {
	contended := c.closing.Lock(id)
	defer c.closing.Unlock(id)

	p, err := c.ledger.Get(ctx, id)
	if err != nil {
		return p, db.Order{}, 0, err
	}
	if p.Status != db.StatusOpen {
		if contended {
			return p, db.Order{}, 0, fmt.Errorf("%w: %w", ErrConcurrencyConflict, ledger.ErrAlreadyClosed)
		}
		return p, db.Order{}, 0, ledger.ErrAlreadyClosed
	}

	side := entrySide(ledger.Side(p.Side)).Opposite()
	ord, err := c.executor.PlaceMarket(ctx, p.Symbol, side, p.Quantity,
		order.ReduceOnly(), order.WithPosition(id), order.WithStrategy(p.StrategyID))
	if err != nil {
		return p, db.Order{}, 0, fmt.Errorf("close order for position %d: %w", id, err)
	}

	price := ord.AvgPrice
	if price <= 0 {
		price = hint
	}
	if price <= 0 {
		if cached, ok := c.monitor.CurrentPrice(p.Symbol); ok {
			price = cached
		}
	}
	if price <= 0 {
		price = p.CurrentPrice
	}

	realized, err := c.ledger.Close(ctx, id, price, reason)
	if err != nil {
		return p, ord, 0, fmt.Errorf("close position %d (order %s filled): %w", id, ord.ExchangeOrderID, err)
	}
	c.monitor.Unregister(p.Symbol, id)
	if err := c.balances.Sync(ctx); err != nil {
		log.WithError(err).Debug("balance refresh after close failed")
	}

	p.Status = db.StatusClosed
	p.ClosePrice = price
	p.RealizedPnL = realized
	p.CloseReason = reason
	return p, ord, realized, nil
}
