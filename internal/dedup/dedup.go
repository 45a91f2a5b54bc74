// Package dedup prevents a single logical trading signal from producing more
// than one side effect when the webhook is delivered multiple times, which is
// common with TradingView retry behavior.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/arjunvm/nifty_iceberg/internal/models"
)

// Default cache tuning.
const (
	DefaultWindow     = 300 * time.Second
	DefaultMaxEntries = 1000
)

// Service is a bounded, self-pruning idempotency cache keyed by a
// minute-granularity signal hash.
type Service struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	seen       map[string]time.Time
	logger     *log.Logger
	now        func() time.Time
}

// NewService creates a deduplication service. Zero values fall back to the
// defaults (300 s window, 1000 entries).
func NewService(window time.Duration, maxEntries int, logger *log.Logger) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = log.New(os.Stderr, "dedup: ", log.LstdFlags)
	}
	return &Service{
		window:     window,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// IsDuplicate reports whether an identical logical signal was seen within the
// window. First sight records the hash and returns false; later sightings
// return true without refreshing the entry, so a continuously replayed signal
// still clears the cache 300 s after first sight.
//
// The hash covers signal, strike, option type and the timestamp truncated to
// the minute (plus an optional caller-supplied idempotency key). Minute
// granularity is deliberate: webhook retries arrive with sub-minute jitter
// and must collapse to one logical event.
func (s *Service) IsDuplicate(sig *models.Signal, idempotencyKey string) bool {
	hash := signalHash(sig, idempotencyKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)

	if seenAt, ok := s.seen[hash]; ok && now.Sub(seenAt) < s.window {
		s.logger.Printf("Duplicate signal %s %s strike=%d (first seen %s ago)",
			sig.Signal, sig.OptionType, sig.Strike, now.Sub(seenAt).Round(time.Millisecond))
		return true
	}

	s.seen[hash] = now
	return false
}

// Size returns the current number of cached hashes.
func (s *Service) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// prune drops expired entries, then evicts oldest-first if the cache still
// exceeds the cap. Caller must hold s.mu.
func (s *Service) prune(now time.Time) {
	for h, t := range s.seen {
		if now.Sub(t) >= s.window {
			delete(s.seen, h)
		}
	}

	for len(s.seen) >= s.maxEntries {
		var oldestHash string
		var oldestTime time.Time
		for h, t := range s.seen {
			if oldestHash == "" || t.Before(oldestTime) {
				oldestHash, oldestTime = h, t
			}
		}
		delete(s.seen, oldestHash)
	}
}

// signalHash computes the deterministic idempotency hash for a signal.
func signalHash(sig *models.Signal, idempotencyKey string) string {
	minute := sig.Timestamp.UTC().Truncate(time.Minute)
	canonical := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		sig.Signal, sig.Action, sig.Strike, sig.OptionType,
		minute.Format(time.RFC3339), idempotencyKey)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
