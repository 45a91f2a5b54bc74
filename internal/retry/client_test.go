package retry

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/broker"
)

// scriptedBroker returns one canned error per call until the script runs out,
// then succeeds.
type scriptedBroker struct {
	errs  []error
	calls int
}

func (s *scriptedBroker) PlaceOrder(context.Context, broker.OrderRequest) (string, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return "", s.errs[s.calls-1]
	}
	return "OK-1", nil
}

func (s *scriptedBroker) CancelOrder(context.Context, string) error { return nil }

func (s *scriptedBroker) GetPositions(context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

func (s *scriptedBroker) GetQuote(context.Context, string) (*broker.Quote, error) {
	return nil, nil
}

func fastTestConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "retry-test: ", 0)
}

func TestPlaceOrderSucceedsFirstTry(t *testing.T) {
	b := &scriptedBroker{}
	c := NewClient(b, testLogger(), fastTestConfig())

	id, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{Symbol: "X"})
	if err != nil {
		t.Fatalf("PlaceOrderWithRetry: %v", err)
	}
	if id != "OK-1" || b.calls != 1 {
		t.Errorf("id = %q, calls = %d", id, b.calls)
	}
}

func TestPlaceOrderRetriesTransientErrors(t *testing.T) {
	b := &scriptedBroker{errs: []error{
		errors.New("connection reset by peer"),
		errors.New("dial tcp: i/o timeout"),
	}}
	c := NewClient(b, testLogger(), fastTestConfig())

	id, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{Symbol: "X"})
	if err != nil {
		t.Fatalf("PlaceOrderWithRetry: %v", err)
	}
	if id != "OK-1" || b.calls != 3 {
		t.Errorf("id = %q, calls = %d, want success on third call", id, b.calls)
	}
}

func TestPlaceOrderStopsOnPermanentError(t *testing.T) {
	permanent := &broker.APIError{Status: 400, Body: "invalid tradingsymbol"}
	b := &scriptedBroker{errs: []error{permanent}}
	c := NewClient(b, testLogger(), fastTestConfig())

	_, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{Symbol: "X"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *broker.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("lost the underlying APIError: %v", err)
	}
	if b.calls != 1 {
		t.Errorf("broker saw %d calls, want 1 (no retry of a permanent error)", b.calls)
	}
}

func TestPlaceOrderDoesNotRetryNonTransientErrors(t *testing.T) {
	b := &scriptedBroker{errs: []error{
		errors.New("order would breach position limits"),
	}}
	c := NewClient(b, testLogger(), fastTestConfig())

	if _, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{Symbol: "X"}); err == nil {
		t.Fatal("expected error")
	}
	if b.calls != 1 {
		t.Errorf("broker saw %d calls, want 1", b.calls)
	}
}

func TestPlaceOrderGivesUpAfterMaxRetries(t *testing.T) {
	transient := errors.New("503 service unavailable")
	b := &scriptedBroker{errs: []error{transient, transient, transient, transient, transient}}
	c := NewClient(b, testLogger(), fastTestConfig())

	if _, err := c.PlaceOrderWithRetry(context.Background(), broker.OrderRequest{Symbol: "X"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if b.calls != 4 {
		t.Errorf("broker saw %d calls, want 4 (initial + 3 retries)", b.calls)
	}
}

func TestCalculateNextBackoffIsCapped(t *testing.T) {
	c := NewClient(&scriptedBroker{}, testLogger(), Config{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
		Timeout:        time.Minute,
	})

	backoff := time.Second
	for i := 0; i < 10; i++ {
		backoff = c.calculateNextBackoff(backoff)
		// Cap plus up to 25% jitter.
		if backoff > 2*time.Second+500*time.Millisecond {
			t.Fatalf("backoff %v exceeded cap with jitter", backoff)
		}
	}
}
