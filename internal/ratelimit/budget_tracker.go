// Package ratelimit shares the upstream request budget between processes through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 5               // upstream requests per window
	DefaultReservedBudget = 2               // reserved for the scheduled sync
	DefaultWindowSize     = time.Second     // fixed window
	DefaultKeyTTL         = 2 * time.Second // window + buffer
	DefaultKeyPrefix      = "upstream:budget"
)

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for the scheduled sync (uses the reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for backfill and coverage checks (uses the shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so upstream calls made under it draw from the matching pool
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the priority set by WithPriority, PriorityLow otherwise
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityLow
}

// consumeScript checks both the total and the pool counter and increments them atomically
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// BudgetTracker coordinates upstream request consumption across processes.
// Each window has a total cap split into a reserved pool for high priority
// callers and a shared pool for everything else.
type BudgetTracker struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	now            func() time.Time
	logger         *logging.Logger
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required; the tracker has no local fallback state.
	Redis redis.Cmdable

	// Prefix namespaces the window keys. Default: DefaultKeyPrefix.
	Prefix string

	TotalBudget    int // Default: 5
	ReservedBudget int // Default: 2

	WindowSize time.Duration // Default: 1s
	KeyTTL     time.Duration // Default: 2s, must cover WindowSize
}

// Usage contains consumption in the current window.
type Usage struct {
	TotalUsed      int       `json:"totalUsed"`
	ReservedUsed   int       `json:"reservedUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total, reserved := c.budgets()
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	return nil
}

func (c *BudgetTrackerConfig) budgets() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	return total, reserved
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total, reserved := cfg.budgets()

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		prefix:         prefix,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     windowSize,
		keyTTL:         keyTTL,
		now:            time.Now,
		logger:         logging.ForComponent("budget"),
	}, nil
}

// NewUpstreamBudget builds the tracker for the upstream feed from its config
func NewUpstreamBudget(client redis.Cmdable, cfg config.UpstreamConfig) (*BudgetTracker, error) {
	return NewBudgetTracker(&BudgetTrackerConfig{
		Redis:          client,
		TotalBudget:    cfg.BudgetPerSecond,
		ReservedBudget: cfg.ReservedPerSecond,
	})
}

// windowStart aligns the current time to the window boundary
func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) keys(window time.Time) (totalKey, reservedKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return t.prefix + ":total:" + ts, t.prefix + ":reserved:" + ts, t.prefix + ":shared:" + ts
}

// TryConsume attempts to take cost units from the pool matching priority.
// When denied, wait is the time left until the next window.
func (t *BudgetTracker) TryConsume(ctx context.Context, cost int, priority Priority) (allowed bool, wait time.Duration, err error) {
	if cost <= 0 {
		return true, 0, nil
	}

	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttlSeconds := int(t.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttlSeconds).Int64Slice()
	if err != nil {
		return false, t.untilNextWindow(window), fmt.Errorf("budget check failed: %w", err)
	}
	if result[0] != 1 {
		return false, t.untilNextWindow(window), nil
	}
	return true, 0, nil
}

// Wait blocks until one request is granted or ctx ends.
// A Redis failure lets the request through; the local limiter still paces it.
func (t *BudgetTracker) Wait(ctx context.Context, priority Priority) error {
	for {
		allowed, wait, err := t.TryConsume(ctx, 1, priority)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.WithError(err).Warn("Shared budget unavailable, continuing without it")
			return nil
		}
		if allowed {
			return nil
		}

		metrics.UpstreamBudgetWaits.WithLabelValues(priority.String()).Inc()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// untilNextWindow returns the time until the window after start begins, plus a small buffer
func (t *BudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Usage returns consumption in the current window.
func (t *BudgetTracker) Usage(ctx context.Context) (*Usage, error) {
	window := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(window)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)

	// redis.Nil only means the window has no traffic yet
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	return &Usage{
		TotalUsed:      parseIntOrZero(totalCmd),
		ReservedUsed:   parseIntOrZero(reservedCmd),
		SharedUsed:     parseIntOrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    window,
	}, nil
}

func parseIntOrZero(cmd *redis.StringCmd) int {
	val, err := cmd.Int()
	if err != nil {
		return 0
	}
	return val
}

// Utilization returns the total budget use of the current window in percent.
func (t *BudgetTracker) Utilization(ctx context.Context) (float64, error) {
	usage, err := t.Usage(ctx)
	if err != nil {
		return 0, err
	}
	if t.totalBudget == 0 {
		return 100, nil
	}
	return float64(usage.TotalUsed) * 100 / float64(t.totalBudget), nil
}
