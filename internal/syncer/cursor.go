package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/avlott/revtally/internal/storage"
)

// ErrFetchFailed wraps transient fetch failures (network, auth). The cursor's
// state is left unchanged so the caller may retry.
var ErrFetchFailed = errors.New("records fetch failed")

// RecordSource fetches revive pages from the game API.
// Implemented by tornapi.Client.
type RecordSource interface {
	FetchPage(ctx context.Context, mode storage.Mode, before int64) ([]storage.RawRecord, error)
}

// RecordStore is the slice of storage the cursor needs.
// Implemented by storage.Store.
type RecordStore interface {
	PutRecords(mode storage.Mode, records []storage.RawRecord) error
	OldestTimestamp(mode storage.Mode) (int64, bool, error)
}

// Cursor merges fetched pages into the store and tracks backward-backfill
// exhaustion per mode. Merging is id-idempotent, so an overlapping page
// never produces duplicates.
type Cursor struct {
	store  RecordStore
	source RecordSource
	logger *slog.Logger

	mu        sync.Mutex
	exhausted map[storage.Mode]bool
}

// New creates a Cursor over the given store and source.
func New(store RecordStore, source RecordSource) *Cursor {
	return &Cursor{
		store:     store,
		source:    source,
		logger:    slog.Default(),
		exhausted: make(map[storage.Mode]bool),
	}
}

// Refresh fetches the newest page for the mode, merges it into the store,
// and returns the merged count. Exhaustion state is not touched: new records
// appearing at the head say nothing about the tail.
func (c *Cursor) Refresh(ctx context.Context, mode storage.Mode) (int, error) {
	page, err := c.source.FetchPage(ctx, mode, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	if err := c.store.PutRecords(mode, page); err != nil {
		return 0, fmt.Errorf("merging refreshed page: %w", err)
	}
	c.logger.Debug("refresh merged page", "mode", mode, "count", len(page))
	return len(page), nil
}

// Backfill fetches one page strictly at-or-before the oldest cached
// timestamp and merges it. An empty page marks the mode exhausted (not an
// error). A fetch failure leaves both the cache and the exhaustion flag
// unchanged.
func (c *Cursor) Backfill(ctx context.Context, mode storage.Mode) (int, error) {
	c.mu.Lock()
	done := c.exhausted[mode]
	c.mu.Unlock()
	if done {
		return 0, nil
	}

	// No cache yet: the first backfill behaves like a refresh.
	before, ok, err := c.store.OldestTimestamp(mode)
	if err != nil {
		return 0, fmt.Errorf("reading oldest timestamp: %w", err)
	}
	if !ok {
		before = 0
	}

	page, err := c.source.FetchPage(ctx, mode, before)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	if len(page) == 0 {
		c.mu.Lock()
		c.exhausted[mode] = true
		c.mu.Unlock()
		c.logger.Info("backfill exhausted", "mode", mode, "floor", before)
		return 0, nil
	}

	if err := c.store.PutRecords(mode, page); err != nil {
		return 0, fmt.Errorf("merging backfilled page: %w", err)
	}
	c.logger.Debug("backfill merged page", "mode", mode, "count", len(page), "before", before)
	return len(page), nil
}

// HasMore reports whether the mode may still have older records to fetch.
func (c *Cursor) HasMore(mode storage.Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exhausted[mode]
}

// Reset clears the exhaustion flag for the mode, e.g. after the cache is wiped.
func (c *Cursor) Reset(mode storage.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.exhausted, mode)
}
