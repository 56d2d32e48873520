package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// memoryRequestStore is an in-memory RequestStore with injectable failures.
type memoryRequestStore struct {
	entries    []requestEntry
	countErr   error
	insertErr  error
	inserted   int
	countCalls int
}

type requestEntry struct {
	userID   string
	endpoint string
	at       time.Time
}

func (store *memoryRequestStore) CountRequestsSince(ctx context.Context, userID string, endpoint string, since time.Time) (int64, error) {
	store.countCalls++
	if store.countErr != nil {
		return 0, store.countErr
	}
	var count int64
	for _, entry := range store.entries {
		if entry.userID == userID && entry.endpoint == endpoint && !entry.at.Before(since) {
			count++
		}
	}
	return count, nil
}

func (store *memoryRequestStore) InsertRequestLog(ctx context.Context, userID string, endpoint string, at time.Time) error {
	if store.insertErr != nil {
		return store.insertErr
	}
	store.inserted++
	store.entries = append(store.entries, requestEntry{userID: userID, endpoint: endpoint, at: at})
	return nil
}

func TestAllowAdmitsUpToLimitThenRejects(test *testing.T) {
	test.Parallel()
	store := &memoryRequestStore{}
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	limiter := New(store, map[string]Limit{"colorize": {MaxRequests: 3, Window: time.Minute}}, func() time.Time { return clock }, nil)

	for attempt := 0; attempt < 3; attempt++ {
		if !limiter.Allow(context.Background(), "user-1", "colorize") {
			test.Fatalf("attempt %d rejected below the limit", attempt+1)
		}
	}
	if limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("fourth attempt admitted above the limit")
	}
	if store.inserted != 3 {
		test.Fatalf("expected 3 logged attempts, got %d", store.inserted)
	}
}

func TestAllowRejectedAttemptLeavesNoRecord(test *testing.T) {
	test.Parallel()
	store := &memoryRequestStore{}
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	limiter := New(store, map[string]Limit{"upscale": {MaxRequests: 1, Window: time.Minute}}, func() time.Time { return clock }, nil)

	limiter.Allow(context.Background(), "user-1", "upscale")
	for attempt := 0; attempt < 5; attempt++ {
		if limiter.Allow(context.Background(), "user-1", "upscale") {
			test.Fatalf("attempt admitted above the limit")
		}
	}
	if store.inserted != 1 {
		test.Fatalf("rejected attempts must not be logged, got %d records", store.inserted)
	}
}

func TestAllowWindowExpiry(test *testing.T) {
	test.Parallel()
	store := &memoryRequestStore{}
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	limiter := New(store, map[string]Limit{"colorize": {MaxRequests: 1, Window: time.Minute}}, func() time.Time { return clock }, nil)

	if !limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("first attempt rejected")
	}
	if limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("second attempt admitted inside the window")
	}

	clock = clock.Add(61 * time.Second)
	if !limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("attempt rejected after the window expired")
	}
}

func TestAllowIsolatesUsersAndOperations(test *testing.T) {
	test.Parallel()
	store := &memoryRequestStore{}
	clock := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	limiter := New(store, map[string]Limit{"colorize": {MaxRequests: 1, Window: time.Minute}}, func() time.Time { return clock }, nil)

	limiter.Allow(context.Background(), "user-1", "colorize")
	if limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("same user and operation admitted above the limit")
	}
	if !limiter.Allow(context.Background(), "user-2", "colorize") {
		test.Fatalf("a different user was throttled by user-1's attempts")
	}
	if !limiter.Allow(context.Background(), "user-1", "enhance-face") {
		test.Fatalf("a different operation was throttled by colorize attempts")
	}
}

func TestAllowFailsOpenOnCountError(test *testing.T) {
	test.Parallel()
	store := &memoryRequestStore{countErr: errors.New("storage unavailable")}
	limiter := New(store, nil, nil, nil)

	if !limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("limiter must admit the request when the count fails")
	}
}

func TestAllowAdmitsWhenInsertFails(test *testing.T) {
	test.Parallel()
	store := &memoryRequestStore{insertErr: errors.New("storage unavailable")}
	limiter := New(store, nil, nil, nil)

	if !limiter.Allow(context.Background(), "user-1", "colorize") {
		test.Fatalf("limiter must admit the request when the log insert fails")
	}
}

func TestLimitForFallsBackToDefault(test *testing.T) {
	test.Parallel()
	limiter := New(&memoryRequestStore{}, map[string]Limit{"broken": {MaxRequests: 0, Window: 0}}, nil, nil)

	if got := limiter.limitFor("unknown-operation"); got != DefaultLimit {
		test.Fatalf("expected DefaultLimit for unknown operation, got %+v", got)
	}
	if got := limiter.limitFor("broken"); got != DefaultLimit {
		test.Fatalf("expected DefaultLimit for zero-valued limit, got %+v", got)
	}
}
