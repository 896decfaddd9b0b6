package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/avlott/revtally/internal/storage"
)

// fakeSource replays canned pages and records the before cursors it was
// asked for.
type fakeSource struct {
	pages   [][]storage.RawRecord
	err     error
	befores []int64
}

func (f *fakeSource) FetchPage(ctx context.Context, mode storage.Mode, before int64) ([]storage.RawRecord, error) {
	f.befores = append(f.befores, before)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id, ts int64) storage.RawRecord {
	return storage.RawRecord{
		ID:        id,
		Timestamp: ts,
		Outcome:   storage.OutcomeSuccess,
		Reviver:   storage.Reviver{ID: 1001, Name: "Medic"},
		Target:    storage.Target{ID: 2000 + id, Name: "Someone"},
	}
}

func TestRefreshMergesNewestPage(t *testing.T) {
	store := openTestStore(t)
	src := &fakeSource{pages: [][]storage.RawRecord{{rec(1, 300), rec(2, 400)}}}
	c := New(store, src)

	n, err := c.Refresh(context.Background(), storage.ModeIndividual)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 2 {
		t.Errorf("merged = %d, want 2", n)
	}
	if len(src.befores) != 1 || src.befores[0] != 0 {
		t.Errorf("befores = %v, want [0] (newest page)", src.befores)
	}

	all, err := store.GetAll(storage.ModeIndividual)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("cached = %d records, want 2", len(all))
	}
}

func TestBackfillUsesOldestTimestamp(t *testing.T) {
	store := openTestStore(t)
	if err := store.PutRecords(storage.ModeIndividual, []storage.RawRecord{rec(5, 500), rec(6, 600)}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	src := &fakeSource{pages: [][]storage.RawRecord{{rec(5, 500), rec(3, 300)}}}
	c := New(store, src)

	n, err := c.Backfill(context.Background(), storage.ModeIndividual)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 2 {
		t.Errorf("merged = %d, want 2", n)
	}
	if len(src.befores) != 1 || src.befores[0] != 500 {
		t.Errorf("befores = %v, want [500] (prior floor)", src.befores)
	}

	// Floor moved backward and the overlapping id 5 was not duplicated.
	ts, ok, err := store.OldestTimestamp(storage.ModeIndividual)
	if err != nil {
		t.Fatalf("OldestTimestamp: %v", err)
	}
	if !ok || ts != 300 {
		t.Errorf("new floor = (%d, %v), want (300, true)", ts, ok)
	}
	all, err := store.GetAll(storage.ModeIndividual)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("cached = %d records, want 3 unique ids", len(all))
	}
}

func TestBackfillEmptyPageMarksExhausted(t *testing.T) {
	store := openTestStore(t)
	src := &fakeSource{}
	c := New(store, src)

	if !c.HasMore(storage.ModeGroup) {
		t.Fatal("HasMore should be true before any backfill")
	}

	n, err := c.Backfill(context.Background(), storage.ModeGroup)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 0 {
		t.Errorf("merged = %d, want 0", n)
	}
	if c.HasMore(storage.ModeGroup) {
		t.Error("HasMore = true after empty page, want false")
	}

	// Exhaustion is per mode.
	if !c.HasMore(storage.ModeIndividual) {
		t.Error("other mode should be unaffected")
	}

	// Once exhausted, backfill is a no-op and does not hit the source.
	calls := len(src.befores)
	if _, err := c.Backfill(context.Background(), storage.ModeGroup); err != nil {
		t.Fatalf("Backfill (exhausted): %v", err)
	}
	if len(src.befores) != calls {
		t.Error("exhausted backfill still called the source")
	}

	c.Reset(storage.ModeGroup)
	if !c.HasMore(storage.ModeGroup) {
		t.Error("HasMore = false after Reset, want true")
	}
}

func TestFetchFailureLeavesStateUnchanged(t *testing.T) {
	store := openTestStore(t)
	if err := store.PutRecords(storage.ModeIndividual, []storage.RawRecord{rec(5, 500)}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	src := &fakeSource{err: errors.New("connection refused")}
	c := New(store, src)

	_, err := c.Backfill(context.Background(), storage.ModeIndividual)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("error = %v, want ErrFetchFailed", err)
	}

	// Cursor state untouched: still has more, floor unchanged.
	if !c.HasMore(storage.ModeIndividual) {
		t.Error("HasMore flipped on fetch failure")
	}
	ts, ok, _ := store.OldestTimestamp(storage.ModeIndividual)
	if !ok || ts != 500 {
		t.Errorf("floor = (%d, %v), want (500, true)", ts, ok)
	}

	// A retry after the failure works.
	src.err = nil
	src.pages = [][]storage.RawRecord{{rec(3, 300)}}
	if _, err := c.Backfill(context.Background(), storage.ModeIndividual); err != nil {
		t.Fatalf("retry Backfill: %v", err)
	}
}

func TestBackfillWithEmptyCacheFetchesNewest(t *testing.T) {
	store := openTestStore(t)
	src := &fakeSource{pages: [][]storage.RawRecord{{rec(9, 900)}}}
	c := New(store, src)

	n, err := c.Backfill(context.Background(), storage.ModeIndividual)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 1 {
		t.Errorf("merged = %d, want 1", n)
	}
	if len(src.befores) != 1 || src.befores[0] != 0 {
		t.Errorf("befores = %v, want [0] with no cached floor", src.befores)
	}
}
