// Package iceberg decomposes orders that exceed the exchange's single-order
// freeze limit into compliant child orders, sequencing the hedge and main
// legs so margin exposure is never momentarily unprotected.
package iceberg

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/broker"
	"github.com/arjunvm/nifty_iceberg/internal/models"
)

// Placement result statuses.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Leg names used in failure records.
const (
	LegMain  = "main"
	LegHedge = "hedge"
)

// ErrInvalidAction is returned before any placement when the action is
// neither entry nor exit.
var ErrInvalidAction = errors.New("invalid action (expected entry or exit)")

// Placer places a single order. broker.Broker satisfies it directly; the
// retry client satisfies it for exit legs.
type Placer interface {
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
}

// Config contains configuration for the iceberg service.
type Config struct {
	MaxLotsPerOrder int           // freeze quantity / lot size
	LotSize         int           // units per lot
	LegDelay        time.Duration // between hedge and main within a chunk
	ChunkDelay      time.Duration // between consecutive chunks, respects broker rate limits
	Exchange        string
	Product         string
}

// DefaultConfig is the default configuration for NIFTY options.
var DefaultConfig = Config{
	MaxLotsPerOrder: 24, // freeze quantity 1800 / lot size 75
	LotSize:         75,
	LegDelay:        500 * time.Millisecond,
	ChunkDelay:      1 * time.Second,
	Exchange:        broker.ExchangeNFO,
	Product:         broker.ProductNRML,
}

// Service places hedged iceberg orders through a broker capability.
type Service struct {
	placer     Placer
	exitPlacer Placer
	logger     *log.Logger
	config     Config
}

// NewService creates a new iceberg order service.
func NewService(placer Placer, logger *log.Logger, config ...Config) *Service {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = log.New(os.Stderr, "iceberg: ", log.LstdFlags)
	}

	// Validate and clamp config values
	if cfg.MaxLotsPerOrder <= 0 {
		cfg.MaxLotsPerOrder = DefaultConfig.MaxLotsPerOrder
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = DefaultConfig.LotSize
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultConfig.Exchange
	}
	if cfg.Product == "" {
		cfg.Product = DefaultConfig.Product
	}

	if placer == nil {
		panic("iceberg.NewService: placer must not be nil")
	}

	return &Service{
		placer: placer,
		logger: logger,
		config: cfg,
	}
}

// WithExitPlacer routes exit-leg placement through p (typically the retry
// client). Entry legs always go through the plain placer.
func (s *Service) WithExitPlacer(p Placer) *Service {
	s.exitPlacer = p
	return s
}

// SplitLots decomposes totalLots into consecutive chunks of at most
// maxPerOrder lots. The chunks sum exactly to totalLots and the final chunk
// carries the remainder (absent when totalLots divides evenly).
func SplitLots(totalLots, maxPerOrder int) []int {
	if totalLots <= 0 || maxPerOrder <= 0 {
		return nil
	}
	if totalLots <= maxPerOrder {
		return []int{totalLots}
	}

	chunks := make([]int, 0, (totalLots+maxPerOrder-1)/maxPerOrder)
	for remaining := totalLots; remaining > 0; remaining -= maxPerOrder {
		if remaining >= maxPerOrder {
			chunks = append(chunks, maxPerOrder)
		} else {
			chunks = append(chunks, remaining)
		}
	}
	return chunks
}

// CalculateOrderSplits returns the chunk plan for totalLots under the
// configured freeze-derived per-order cap.
func (s *Service) CalculateOrderSplits(totalLots int) []int {
	return SplitLots(totalLots, s.config.MaxLotsPerOrder)
}

// Request describes a hedged iceberg placement.
type Request struct {
	MainSymbol  string
	HedgeSymbol string
	TotalLots   int
	Action      string // models.ActionEntry | models.ActionExit
	OrderType   string // MARKET | LIMIT
	MainPrice   float64
	HedgePrice  float64
	Tag         string
}

// FailedOrder records one leg placement that did not go through.
type FailedOrder struct {
	Chunk int    `json:"chunk"`
	Leg   string `json:"leg"`
	Lots  int    `json:"lots"`
	Error string `json:"error"`
}

// Result reports what was requested vs. what was placed. Partial completion
// is an accepted degraded state, not a hard error.
type Result struct {
	Status          string        `json:"status"` // success | partial | error
	ChunkPlan       []int         `json:"chunk_plan"`
	MainOrderIDs    []string      `json:"main_order_ids"`
	HedgeOrderIDs   []string      `json:"hedge_order_ids"`
	LotsRequested   int           `json:"lots_requested"`
	MainLotsPlaced  int           `json:"main_lots_placed"`
	HedgeLotsPlaced int           `json:"hedge_lots_placed"`
	FailedOrders    []FailedOrder `json:"failed_orders,omitempty"`
	Message         string        `json:"message"`
}

// PlaceHedgedIcebergOrder splits the order into freeze-compliant chunks and
// places both legs per chunk in margin-safe order: on entry the hedge BUY
// precedes the main SELL, so the naked short never exists uncovered; on exit
// the main BUY precedes the hedge SELL, releasing margin at the earliest safe
// point. Chunks are processed strictly in plan order.
//
// A failed leg is recorded and processing continues with the next chunk -
// "place what you can, report what failed". There is no automatic rollback of
// already-placed legs; operators reconcile partial baskets manually.
func (s *Service) PlaceHedgedIcebergOrder(ctx context.Context, req Request) (*Result, error) {
	if req.Action != models.ActionEntry && req.Action != models.ActionExit {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	if req.TotalLots < 1 {
		return nil, fmt.Errorf("total lots must be positive, got %d", req.TotalLots)
	}
	if req.MainSymbol == "" || req.HedgeSymbol == "" {
		return nil, fmt.Errorf("main and hedge symbols are required")
	}

	chunks := s.CalculateOrderSplits(req.TotalLots)
	result := &Result{
		Status:        StatusSuccess,
		ChunkPlan:     chunks,
		LotsRequested: req.TotalLots,
	}

	s.logger.Printf("Placing hedged iceberg %s: main=%s hedge=%s lots=%d plan=%v",
		req.Action, req.MainSymbol, req.HedgeSymbol, req.TotalLots, chunks)

	for i, chunkLots := range chunks {
		if i > 0 {
			if err := s.pause(ctx, s.config.ChunkDelay); err != nil {
				result.Status = StatusError
				result.Message = fmt.Sprintf("canceled before chunk %d: %v", i+1, err)
				return result, err
			}
		}

		s.placeChunk(ctx, req, i, chunkLots, result)
	}

	if len(result.FailedOrders) > 0 {
		result.Status = StatusPartial
		result.Message = fmt.Sprintf("%d of %d chunk legs failed; placed main %d/%d lots, hedge %d/%d lots",
			len(result.FailedOrders), 2*len(chunks),
			result.MainLotsPlaced, req.TotalLots, result.HedgeLotsPlaced, req.TotalLots)
		s.logger.Printf("PARTIAL iceberg completion for %s: %s", req.MainSymbol, result.Message)
	} else {
		result.Message = fmt.Sprintf("placed %d lots across %d chunk(s)", req.TotalLots, len(chunks))
	}

	return result, nil
}

// placeChunk places both legs of one chunk in the margin-safe order for the
// action. If the protective ordering is broken by a first-leg failure, the
// second leg is skipped for that chunk rather than placed unprotected.
func (s *Service) placeChunk(ctx context.Context, req Request, chunkIdx, chunkLots int, result *Result) {
	type leg struct {
		name   string
		symbol string
		side   string
		price  float64
	}

	var first, second leg
	if req.Action == models.ActionEntry {
		// Hedge must exist before the naked short does.
		first = leg{LegHedge, req.HedgeSymbol, broker.TransactionBuy, req.HedgePrice}
		second = leg{LegMain, req.MainSymbol, broker.TransactionSell, req.MainPrice}
	} else {
		// Close the short before selling its protection.
		first = leg{LegMain, req.MainSymbol, broker.TransactionBuy, req.MainPrice}
		second = leg{LegHedge, req.HedgeSymbol, broker.TransactionSell, req.HedgePrice}
	}

	firstID, err := s.placeLeg(ctx, req, first.symbol, first.side, first.price, chunkLots)
	if err != nil {
		s.logger.Printf("Chunk %d %s leg failed (%d lots): %v", chunkIdx+1, first.name, chunkLots, err)
		result.FailedOrders = append(result.FailedOrders,
			FailedOrder{Chunk: chunkIdx + 1, Leg: first.name, Lots: chunkLots, Error: err.Error()},
			FailedOrder{Chunk: chunkIdx + 1, Leg: second.name, Lots: chunkLots,
				Error: fmt.Sprintf("skipped: %s leg failed", first.name)})
		return
	}
	s.recordLeg(result, first.name, firstID, chunkLots)

	if s.config.LegDelay > 0 {
		// Brief pause for fill propagation before the paired leg.
		if err := s.pause(ctx, s.config.LegDelay); err != nil {
			s.logger.Printf("Canceled between legs of chunk %d: %v", chunkIdx+1, err)
			result.FailedOrders = append(result.FailedOrders, FailedOrder{
				Chunk: chunkIdx + 1, Leg: second.name, Lots: chunkLots, Error: err.Error(),
			})
			return
		}
	}

	secondID, err := s.placeLeg(ctx, req, second.symbol, second.side, second.price, chunkLots)
	if err != nil {
		s.logger.Printf("Chunk %d %s leg failed (%d lots): %v", chunkIdx+1, second.name, chunkLots, err)
		result.FailedOrders = append(result.FailedOrders, FailedOrder{
			Chunk: chunkIdx + 1, Leg: second.name, Lots: chunkLots, Error: err.Error(),
		})
		return
	}
	s.recordLeg(result, second.name, secondID, chunkLots)
}

func (s *Service) recordLeg(result *Result, legName, orderID string, lots int) {
	if legName == LegMain {
		result.MainOrderIDs = append(result.MainOrderIDs, orderID)
		result.MainLotsPlaced += lots
	} else {
		result.HedgeOrderIDs = append(result.HedgeOrderIDs, orderID)
		result.HedgeLotsPlaced += lots
	}
}

// placeLeg submits one child order. Broker exceptions are caught here by the
// caller, never propagated past the chunk loop.
func (s *Service) placeLeg(ctx context.Context, req Request, symbol, side string, price float64, lots int) (string, error) {
	orderReq := broker.OrderRequest{
		Symbol:          symbol,
		Exchange:        s.config.Exchange,
		TransactionType: side,
		Quantity:        lots * s.config.LotSize,
		OrderType:       req.OrderType,
		Product:         s.config.Product,
		Variety:         broker.VarietyRegular,
		Price:           price,
		Tag:             req.Tag,
	}

	placer := s.placer
	if req.Action == models.ActionExit && s.exitPlacer != nil {
		placer = s.exitPlacer
	}

	orderID, err := placer.PlaceOrder(ctx, orderReq)
	if err != nil {
		return "", err
	}

	s.logger.Printf("Placed %s %s %d lots (%d units): order %s",
		side, symbol, lots, orderReq.Quantity, orderID)
	return orderID, nil
}

// pause waits for d, returning early if the context is canceled. Placement
// calls themselves are never interrupted mid-flight; cancellation is only
// honored between placements.
func (s *Service) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
