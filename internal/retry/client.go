// Package retry wraps broker order placement with bounded retries for exit
// legs. Entry legs are never retried here - a duplicated entry creates fresh
// risk, while a duplicated exit attempt is rejected by the broker as closing
// an already-flat position.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/broker"
)

// Config tunes the retry behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the default retry configuration.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries transient broker failures with capped exponential backoff.
type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

// NewClient creates a retry client around the given broker.
func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "retry: ", log.LstdFlags)
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceOrder places the order with retries. It exists so the client can stand
// in anywhere a plain order placer is expected.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return c.PlaceOrderWithRetry(ctx, req)
}

// PlaceOrderWithRetry places the order, retrying transient failures. A
// permanent API error (4xx other than 429) fails immediately.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (string, error) {
	retryCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-retryCtx.Done():
			return "", fmt.Errorf("order placement timed out after %v: %w", c.config.Timeout, retryCtx.Err())
		default:
		}

		c.logger.Printf("Placement attempt %d/%d for %s %s qty=%d",
			attempt+1, c.config.MaxRetries+1, req.TransactionType, req.Symbol, req.Quantity)

		orderID, err := c.broker.PlaceOrder(retryCtx, req)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("Order placed on retry attempt %d: %s", attempt+1, orderID)
			}
			return orderID, nil
		}

		lastErr = err
		c.logger.Printf("Placement attempt %d failed: %v", attempt+1, err)

		if broker.IsPermanentAPIError(err) {
			return "", fmt.Errorf("permanent broker error, not retrying: %w", err)
		}

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("Transient error detected, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-retryCtx.Done():
				return "", fmt.Errorf("order placement timed out during backoff: %w", retryCtx.Err())
			}
		} else {
			break
		}
	}

	return "", fmt.Errorf("failed to place order after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
