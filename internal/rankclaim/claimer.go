package rankclaim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/decomp/internal/logging"
	"github.com/arloliu/decomp/types"
)

// Common errors returned by the claimer.
var (
	ErrNoAvailableRank = errors.New("every rank of the world is claimed")
	ErrNotClaimed      = errors.New("rank not claimed")
	ErrAlreadyClosed   = errors.New("claimer already closed")
)

// Claimer claims one rank of a world of fixed size and keeps the lease alive.
type Claimer struct {
	kv   jetstream.KeyValue
	size int
	ttl  time.Duration

	mu     sync.Mutex
	rank   int
	closed bool
	stopCh chan struct{}

	logger types.Logger
}

// NewClaimer creates a claimer for a world of size ranks.
//
// Parameters:
//   - kv: Claim bucket from EnsureBucket
//   - size: Number of ranks in the world
//   - ttl: Lease duration; must match the bucket TTL
//   - logger: Logger for claim progress (nil for none)
//
// Example:
//
//	claimer := rankclaim.NewClaimer(kv, 4, 30*time.Second, logger)
//	rank, err := claimer.Claim(ctx)
func NewClaimer(kv jetstream.KeyValue, size int, ttl time.Duration, logger types.Logger) *Claimer {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Claimer{
		kv:     kv,
		size:   size,
		ttl:    ttl,
		rank:   -1,
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Claim takes the lowest free rank.
//
// Returns:
//   - int: Claimed rank in [0, size)
//   - error: ErrNoAvailableRank when all ranks are held, context or NATS errors
func (c *Claimer) Claim(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return -1, ErrAlreadyClosed
	}
	if c.rank >= 0 {
		return c.rank, nil
	}

	for r := range c.size {
		if err := ctx.Err(); err != nil {
			return -1, err
		}

		value := time.Now().Format(time.RFC3339)
		revision, err := c.kv.Create(ctx, key(r), []byte(value))
		if err == nil {
			c.rank = r
			c.logger.Info("rank claimed", "rank", r, "revision", revision, "attempts", r+1)

			return r, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return -1, fmt.Errorf("failed to claim rank %d: %w", r, err)
		}
		c.logger.Debug("rank already claimed, trying next", "rank", r)
	}

	return -1, fmt.Errorf("%w: %d ranks", ErrNoAvailableRank, c.size)
}

// StartRenewal refreshes the lease at a third of the TTL until Release or Close.
//
// Returns:
//   - error: ErrNotClaimed before Claim, ErrAlreadyClosed after Close
func (c *Claimer) StartRenewal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	if c.rank < 0 {
		return ErrNotClaimed
	}

	go c.renewalLoop(c.rank)

	return nil
}

func (c *Claimer) renewalLoop(rank int) {
	ticker := time.NewTicker(max(c.ttl/3, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
			_, err := c.kv.Put(ctx, key(rank), []byte(time.Now().Format(time.RFC3339)))
			cancel()
			switch {
			case err == nil:
			case isConnectivityError(err):
				c.logger.Warn("rank lease renewal delayed by connectivity", "rank", rank, "error", err)
			default:
				c.logger.Error("rank lease renewal failed", "rank", rank, "error", err)
			}
		}
	}
}

// Release stops renewal and frees the rank for another process.
//
// Returns:
//   - error: ErrNotClaimed when no rank is held, or the KV delete error
func (c *Claimer) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rank < 0 {
		return ErrNotClaimed
	}
	c.stopLocked()

	if err := c.kv.Delete(ctx, key(c.rank)); err != nil {
		return fmt.Errorf("failed to release rank %d: %w", c.rank, err)
	}
	c.logger.Info("rank released", "rank", c.rank)
	c.rank = -1

	return nil
}

// Close stops renewal without deleting the claim; the lease expires after the TTL.
func (c *Claimer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
}

func (c *Claimer) stopLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.stopCh)
}

// Rank returns the claimed rank, or -1.
func (c *Claimer) Rank() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rank
}

func key(rank int) string {
	return "rank-" + strconv.Itoa(rank)
}
