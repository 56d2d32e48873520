package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RequestStore is the persisted request-log contract backing the limiter.
// (gormstore implements this.)
type RequestStore interface {
	CountRequestsSince(ctx context.Context, userID string, endpoint string, since time.Time) (int64, error)
	InsertRequestLog(ctx context.Context, userID string, endpoint string, at time.Time) error
}

// Limit is a per-operation sliding-window configuration.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimit applies to operations without an explicit configuration.
var DefaultLimit = Limit{MaxRequests: 10, Window: time.Minute}

// Limiter counts admitted attempts per (user, operation) in a trailing window.
// It is best effort: the count and the insert are two round trips, so a burst
// from one user can transiently overshoot the max. It protects against abuse,
// not exactness.
type Limiter struct {
	store  RequestStore
	limits map[string]Limit
	nowFn  func() time.Time
	logger *zap.Logger
}

// New wires a Limiter. The limits map is keyed by operation name; nil maps and
// unknown operations fall back to DefaultLimit.
func New(store RequestStore, limits map[string]Limit, now func() time.Time, logger *zap.Logger) *Limiter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{store: store, limits: limits, nowFn: now, logger: logger}
}

// Allow reports whether the user may perform the operation now. An admitted
// attempt is logged so it counts against the window; a rejected one is not,
// since it consumed nothing worth metering. The limiter fails open on its own
// storage errors: reachability of the API outranks strict limiting, so the
// error is logged and the request admitted.
func (limiter *Limiter) Allow(ctx context.Context, userID string, operationName string) bool {
	limit := limiter.limitFor(operationName)
	now := limiter.nowFn()
	windowStart := now.Add(-limit.Window)

	count, err := limiter.store.CountRequestsSince(ctx, userID, operationName, windowStart)
	if err != nil {
		limiter.logger.Warn("rate limit count failed, admitting request",
			zap.String("user_id", userID),
			zap.String("operation", operationName),
			zap.Error(err),
		)
		return true
	}
	if count >= int64(limit.MaxRequests) {
		return false
	}
	if err := limiter.store.InsertRequestLog(ctx, userID, operationName, now); err != nil {
		limiter.logger.Warn("rate limit log insert failed",
			zap.String("user_id", userID),
			zap.String("operation", operationName),
			zap.Error(err),
		)
	}
	return true
}

func (limiter *Limiter) limitFor(operationName string) Limit {
	if limit, ok := limiter.limits[operationName]; ok && limit.MaxRequests > 0 && limit.Window > 0 {
		return limit
	}
	return DefaultLimit
}
