package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
)

// flakyBroker fails every call until healed.
type flakyBroker struct {
	failing bool
	calls   int
}

func (f *flakyBroker) PlaceOrder(context.Context, OrderRequest) (string, error) {
	f.calls++
	if f.failing {
		return "", errors.New("connection reset")
	}
	return "OK-1", nil
}

func (f *flakyBroker) CancelOrder(context.Context, string) error {
	f.calls++
	if f.failing {
		return errors.New("connection reset")
	}
	return nil
}

func (f *flakyBroker) GetPositions(context.Context) ([]PositionItem, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("connection reset")
	}
	return []PositionItem{{Symbol: "X"}}, nil
}

func (f *flakyBroker) GetQuote(context.Context, string) (*Quote, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("connection reset")
	}
	return &Quote{Symbol: "X", LastPrice: 100}, nil
}

func TestCircuitBreakerPassesThroughWhenHealthy(t *testing.T) {
	inner := &flakyBroker{}
	cb := NewCircuitBreakerBroker(inner)
	ctx := context.Background()

	id, err := cb.PlaceOrder(ctx, OrderRequest{Symbol: "X"})
	if err != nil || id != "OK-1" {
		t.Fatalf("PlaceOrder = %q, %v", id, err)
	}
	if err := cb.CancelOrder(ctx, "OK-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if q, err := cb.GetQuote(ctx, "X"); err != nil || q.LastPrice != 100 {
		t.Fatalf("GetQuote = %+v, %v", q, err)
	}
	if p, err := cb.GetPositions(ctx); err != nil || len(p) != 1 {
		t.Fatalf("GetPositions = %v, %v", p, err)
	}
}

func TestCircuitBreakerTripsOpenAfterRepeatedFailures(t *testing.T) {
	inner := &flakyBroker{failing: true}
	cb := NewCircuitBreakerBrokerWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  1,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := cb.PlaceOrder(ctx, OrderRequest{Symbol: "X"}); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}

	callsBefore := inner.calls
	_, err := cb.PlaceOrder(ctx, OrderRequest{Symbol: "X"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open circuit", err)
	}
	if inner.calls != callsBefore {
		t.Error("open circuit still reached the broker")
	}
}

func TestCircuitBreakerStaysClosedBelowMinRequests(t *testing.T) {
	inner := &flakyBroker{failing: true}
	cb := NewCircuitBreakerBrokerWithSettings(inner, CircuitBreakerSettings{
		MaxRequests:  1,
		MinRequests:  10,
		FailureRatio: 0.6,
	})
	ctx := context.Background()

	// Under the minimum request count every failure still reaches the broker.
	for i := 0; i < 5; i++ {
		_, _ = cb.PlaceOrder(ctx, OrderRequest{Symbol: "X"})
	}
	if inner.calls != 5 {
		t.Errorf("broker saw %d calls, want 5", inner.calls)
	}
}
