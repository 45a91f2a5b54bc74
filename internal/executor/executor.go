// Package executor turns accepted trading signals into hedged basket orders:
// it constructs the main and hedge legs, reserves capacity with the limits
// service, delegates size-compliant placement to the iceberg service, and
// keeps the position registry consistent with what was actually placed.
package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arjunvm/nifty_iceberg/internal/broker"
	"github.com/arjunvm/nifty_iceberg/internal/config"
	"github.com/arjunvm/nifty_iceberg/internal/iceberg"
	"github.com/arjunvm/nifty_iceberg/internal/limits"
	"github.com/arjunvm/nifty_iceberg/internal/models"
	"github.com/arjunvm/nifty_iceberg/internal/util"
)

// Result statuses for an execution attempt.
const (
	StatusRejected = "rejected"
	StatusSuccess  = "success"
	StatusPartial  = "partial"
	StatusError    = "error"
)

// Result is the outcome of one signal execution, shaped for direct JSON
// response from the webhook handler.
type Result struct {
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	PnL        float64         `json:"pnl,omitempty"`
	Iceberg    *iceberg.Result `json:"iceberg,omitempty"`
}

// Executor is the live order router. It is safe for concurrent use; all
// shared counters live behind the limits service's lock and the auto-trading
// flag is atomic.
type Executor struct {
	broker  broker.Broker
	iceberg *iceberg.Service
	limits  *limits.Service
	logger  *log.Logger

	hedge   config.HedgeConfig
	lotSize int

	autoTrading atomic.Bool
	now         func() time.Time
}

// New creates a live order executor. Auto-trading starts enabled; the kill
// switch flips it off on trigger.
func New(b broker.Broker, ice *iceberg.Service, lim *limits.Service,
	hedge config.HedgeConfig, lotSize int, logger *log.Logger) *Executor {
	if b == nil {
		panic("executor.New: broker must not be nil")
	}
	if ice == nil {
		panic("executor.New: iceberg service must not be nil")
	}
	if lim == nil {
		panic("executor.New: limits service must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "executor: ", log.LstdFlags)
	}

	e := &Executor{
		broker:  b,
		iceberg: ice,
		limits:  lim,
		logger:  logger,
		hedge:   hedge,
		lotSize: lotSize,
		now:     time.Now,
	}
	e.autoTrading.Store(true)
	return e
}

// SetAutoTradingEnabled flips the global auto-trading flag. Implements the
// kill switch's toggler hook.
func (e *Executor) SetAutoTradingEnabled(enabled bool) {
	e.autoTrading.Store(enabled)
	e.logger.Printf("Auto-trading enabled=%t", enabled)
}

// AutoTradingEnabled reports the current flag state.
func (e *Executor) AutoTradingEnabled() bool {
	return e.autoTrading.Load()
}

// BuildBasket constructs the main and hedge legs for a signal. The hedge
// strike sits the configured distance beyond the main strike on the
// protective side: below for puts, above for calls. Leg prices are snapped
// to the exchange tick, floored on the sell side and ceiled on the buy side.
func (e *Executor) BuildBasket(sig *models.Signal) (*models.BasketOrder, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	hedgeStrike := sig.Strike - e.hedge.Distance
	if sig.OptionType == models.OptionTypeCE {
		hedgeStrike = sig.Strike + e.hedge.Distance
	}
	if hedgeStrike <= 0 {
		return nil, fmt.Errorf("hedge strike %d is not tradeable (main %d, distance %d)",
			hedgeStrike, sig.Strike, e.hedge.Distance)
	}

	expiry := util.NextExpiry(e.now(), e.hedge.Weekday())
	quantity := sig.Lots * e.lotSize

	basket := &models.BasketOrder{
		Lots: sig.Lots,
		Main: models.OptionOrder{
			Symbol:     util.OptionSymbol(e.hedge.Underlying, expiry, sig.Strike, sig.OptionType),
			Strike:     sig.Strike,
			OptionType: sig.OptionType,
			Side:       models.SideSell,
			Quantity:   quantity,
			OrderType:  e.hedge.OrderType,
			Price:      util.FloorToTick(sig.Premium, util.TickSize),
		},
		Hedge: models.OptionOrder{
			Symbol:     util.OptionSymbol(e.hedge.Underlying, expiry, hedgeStrike, sig.OptionType),
			Strike:     hedgeStrike,
			OptionType: sig.OptionType,
			Side:       models.SideBuy,
			Quantity:   quantity,
			OrderType:  e.hedge.OrderType,
			Price:      util.CeilToTick(sig.HedgePremium, util.TickSize),
		},
	}
	return basket, nil
}

// ExecuteEntry places a hedged spread for an entry signal. Capacity is
// reserved with the limits service before any broker call and either
// confirmed into a registered position or released, depending on whether
// anything was actually placed.
func (e *Executor) ExecuteEntry(ctx context.Context, sig *models.Signal) (*Result, error) {
	if !e.AutoTradingEnabled() {
		return &Result{Status: StatusRejected, Reason: "auto-trading is disabled"}, nil
	}

	basket, err := e.BuildBasket(sig)
	if err != nil {
		return &Result{Status: StatusRejected, Reason: err.Error()}, nil
	}

	exposure, err := e.estimateExposure(ctx, sig, basket)
	if err != nil {
		// Exposure estimate is a risk input; refusing is safer than
		// under-counting.
		return &Result{Status: StatusRejected,
			Reason: fmt.Sprintf("could not estimate exposure: %v", err)}, nil
	}

	reservation, decision := e.limits.Reserve(limits.OrderCheck{
		Signal:   sig.Signal,
		Lots:     sig.Lots,
		Exposure: exposure,
	})
	if !decision.Allowed {
		e.logger.Printf("Entry rejected for %s: %s", sig.Signal, decision.Reason)
		return &Result{Status: StatusRejected, Reason: decision.Reason}, nil
	}

	iceResult, err := e.iceberg.PlaceHedgedIcebergOrder(ctx, iceberg.Request{
		MainSymbol:  basket.Main.Symbol,
		HedgeSymbol: basket.Hedge.Symbol,
		TotalLots:   sig.Lots,
		Action:      models.ActionEntry,
		OrderType:   basket.Main.OrderType,
		MainPrice:   basket.Main.Price,
		HedgePrice:  basket.Hedge.Price,
		Tag:         "entry-" + sig.Signal,
	})
	if err != nil {
		reservation.Release()
		return &Result{Status: StatusError, Reason: err.Error(), Iceberg: iceResult}, err
	}

	// Nothing placed at all: release the capacity and report the failure.
	if iceResult.MainLotsPlaced == 0 && iceResult.HedgeLotsPlaced == 0 {
		reservation.Release()
		return &Result{Status: StatusError,
			Reason:  "no legs were placed: " + iceResult.Message,
			Iceberg: iceResult}, nil
	}

	pos := models.NewPosition(uuid.New().String(), sig,
		basket.Main.Symbol, basket.Hedge.Symbol, basket.Main.Quantity, exposure)
	pos.MainOrderIDs = iceResult.MainOrderIDs
	pos.HedgeOrderIDs = iceResult.HedgeOrderIDs

	if err := reservation.Confirm(pos); err != nil {
		// Orders are live but the registry write failed; surface loudly so
		// the operator reconciles instead of trading blind.
		e.logger.Printf("ERROR: orders placed but position registration failed for %s: %v", sig.Signal, err)
		return &Result{Status: StatusError,
			Reason:     fmt.Sprintf("orders placed but registration failed: %v", err),
			PositionID: pos.ID,
			Iceberg:    iceResult}, err
	}

	e.logger.Printf("Entry executed for %s: position %s, status %s", sig.Signal, pos.ID, iceResult.Status)
	return &Result{
		Status:     iceResult.Status,
		PositionID: pos.ID,
		Iceberg:    iceResult,
	}, nil
}

// ExecuteExit closes the active position for the signal, main leg first.
func (e *Executor) ExecuteExit(ctx context.Context, sig *models.Signal) (*Result, error) {
	var pos *models.Position
	if sig.Signal == models.ExitSignalID {
		pos = e.limits.ActivePositionAt(sig.Strike, sig.OptionType)
	} else {
		pos = e.limits.ActivePositionForSignal(sig.Signal)
	}
	if pos == nil {
		return &Result{Status: StatusRejected,
			Reason: fmt.Sprintf("no active position for %s %d%s", sig.Signal, sig.Strike, sig.OptionType)}, nil
	}

	iceResult, err := e.iceberg.PlaceHedgedIcebergOrder(ctx, iceberg.Request{
		MainSymbol:  pos.MainSymbol,
		HedgeSymbol: pos.HedgeSymbol,
		TotalLots:   pos.Lots,
		Action:      models.ActionExit,
		OrderType:   models.OrderTypeMarket,
		Tag:         "exit-" + pos.Signal,
	})
	if err != nil {
		return &Result{Status: StatusError, Reason: err.Error(), Iceberg: iceResult}, err
	}

	// The main leg closing is what ends the position's risk. If no main lots
	// closed, keep the position registered for another attempt.
	if iceResult.MainLotsPlaced == 0 {
		return &Result{Status: StatusError,
			Reason:     "exit placed no main lots, position kept active: " + iceResult.Message,
			PositionID: pos.ID,
			Iceberg:    iceResult}, nil
	}

	pnl := e.estimateRealizedPnL(ctx, pos)
	if err := e.limits.ClosePosition(pos.ID, pnl); err != nil {
		e.logger.Printf("ERROR: exit orders placed but close bookkeeping failed for %s: %v", pos.ID, err)
		return &Result{Status: StatusError,
			Reason:     fmt.Sprintf("exit placed but close bookkeeping failed: %v", err),
			PositionID: pos.ID,
			Iceberg:    iceResult}, err
	}

	e.logger.Printf("Exit executed for %s: position %s, P&L %.2f, status %s",
		pos.Signal, pos.ID, pnl, iceResult.Status)
	return &Result{
		Status:     iceResult.Status,
		PositionID: pos.ID,
		PnL:        pnl,
		Iceberg:    iceResult,
	}, nil
}

// estimateExposure prices the short leg's notional premium at risk. The
// signal's premium estimate wins; when absent, the live quote fills in.
func (e *Executor) estimateExposure(ctx context.Context, sig *models.Signal, basket *models.BasketOrder) (float64, error) {
	premium := sig.Premium
	if premium <= 0 {
		quote, err := e.broker.GetQuote(ctx, basket.Main.Symbol)
		if err != nil {
			return 0, fmt.Errorf("quote for %s: %w", basket.Main.Symbol, err)
		}
		premium = quote.LastPrice
	}
	return premium * float64(sig.Lots) * float64(e.lotSize), nil
}

// estimateRealizedPnL approximates the exit P&L of the short leg from the
// current quote: premium collected minus premium paid back. Best-effort; a
// quote failure books zero and logs so the operator can correct the daily
// counter manually.
func (e *Executor) estimateRealizedPnL(ctx context.Context, pos *models.Position) float64 {
	if pos.EntryPremium <= 0 {
		return 0
	}
	quote, err := e.broker.GetQuote(ctx, pos.MainSymbol)
	if err != nil {
		e.logger.Printf("Warning: could not quote %s for P&L estimate: %v", pos.MainSymbol, err)
		return 0
	}
	return (pos.EntryPremium - quote.LastPrice) * float64(pos.Quantity)
}
