// Package view computes filtered, sorted, paginated views over the enriched
// record set. Views are recomputed on demand; the engine only holds the
// user's filter, sort, and pagination state.
package view

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/storage"
)

// PageSizes is the enumerated set of allowed page sizes.
var PageSizes = []int{10, 25, 50, 100}

const defaultPageSize = 25

// SortField selects the single active sort key.
type SortField string

const (
	SortTimestamp SortField = "timestamp"
	SortSkill     SortField = "skill"
	SortChance    SortField = "chance"
)

// ParseSortField validates a sort field from a request parameter.
func ParseSortField(s string) (SortField, bool) {
	switch SortField(s) {
	case SortTimestamp, SortSkill, SortChance:
		return SortField(s), true
	}
	return "", false
}

// Sort is one field and one direction.
type Sort struct {
	Field      SortField
	Descending bool
}

// Filter combines the optional predicates by logical AND. Nil/empty fields
// are inactive. Name matches are case-insensitive substrings; FromDay and
// ToDay expand to midnight and 23:59:59 of their day.
type Filter struct {
	Category    *enrich.Category
	Success     *bool
	TargetName  string
	FactionName string
	FromDay     *time.Time
	ToDay       *time.Time
}

func (f Filter) equal(o Filter) bool {
	if !ptrEq(f.Category, o.Category) || !ptrEq(f.Success, o.Success) {
		return false
	}
	if f.TargetName != o.TargetName || f.FactionName != o.FactionName {
		return false
	}
	return dayEq(f.FromDay, o.FromDay) && dayEq(f.ToDay, o.ToDay)
}

func ptrEq[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func dayEq(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Stats describes the current view.
type Stats struct {
	FilteredCount int `json:"filtered_count"`
	TotalPages    int `json:"total_pages"`
	Page          int `json:"page"`
	PageSize      int `json:"page_size"`
}

// Backfiller is invoked when the user lands on the last page of the view,
// requesting older records. Implementations no-op once the mode is
// exhausted; errors are their own to log.
type Backfiller interface {
	RequestBackfill()
}

// BackfillFunc adapts a function to the Backfiller interface.
type BackfillFunc func()

func (f BackfillFunc) RequestBackfill() { f() }

// Engine holds the enriched set plus the view state. All mutation comes
// from one control flow, but HTTP handlers may overlap, so state is
// mutex-guarded.
type Engine struct {
	mu         sync.Mutex
	records    []enrich.Record
	exPlayers  map[string]struct{}
	exFactions map[string]struct{}
	filter     Filter
	sortBy     Sort
	page       int
	pageSize   int
	backfill   Backfiller
	logger     *slog.Logger
}

// NewEngine creates an Engine with timestamp-descending sort, page 1, and
// the default page size. backfill may be nil.
func NewEngine(backfill Backfiller) *Engine {
	return &Engine{
		exPlayers:  map[string]struct{}{},
		exFactions: map[string]struct{}{},
		sortBy:     Sort{Field: SortTimestamp, Descending: true},
		page:       1,
		pageSize:   defaultPageSize,
		backfill:   backfill,
		logger:     slog.Default(),
	}
}

// SetRecords replaces the enriched set, e.g. after a sync or mode switch.
// The current page is kept and clamped on the next read.
func (e *Engine) SetRecords(records []enrich.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = records
}

// SetExclusions replaces the exclusion sets. Exclusion is a filter
// predicate, so an actual change resets the page to 1.
func (e *Engine) SetExclusions(ex storage.Exclusions) {
	players := make(map[string]struct{}, len(ex.Players))
	for _, n := range ex.Players {
		players[n] = struct{}{}
	}
	factions := make(map[string]struct{}, len(ex.Factions))
	for _, n := range ex.Factions {
		factions[n] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !setsEqual(e.exPlayers, players) || !setsEqual(e.exFactions, factions) {
		e.page = 1
	}
	e.exPlayers = players
	e.exFactions = factions
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// SetFilter replaces the filter predicates. Any actual change resets the
// current page to 1; re-applying an identical filter keeps the page.
func (e *Engine) SetFilter(f Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.filter.equal(f) {
		e.page = 1
	}
	e.filter = f
}

// SetSort replaces the sort. Sorting does not reset the page.
func (e *Engine) SetSort(s Sort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sortBy = s
}

// SetPageSize switches to one of the allowed page sizes. Unknown sizes are
// ignored and reported false.
func (e *Engine) SetPageSize(n int) bool {
	allowed := false
	for _, p := range PageSizes {
		if p == n {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pageSize = n
	return true
}

// SetPage requests a page, clamped to [1, totalPages]. Landing on the
// current last page requests a backfill of older records.
func (e *Engine) SetPage(n int) {
	e.mu.Lock()
	total := e.totalPagesLocked()
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	e.page = n
	onLast := n == total
	backfill := e.backfill
	e.mu.Unlock()

	if onLast && backfill != nil {
		e.logger.Debug("last page reached, requesting backfill", "page", n)
		backfill.RequestBackfill()
	}
}

// Page returns the record slice for the current page plus view stats. The
// stored page is clamped first, so a view that shrank since the last request
// still resolves to a valid page.
func (e *Engine) Page() ([]enrich.Record, Stats) {
	e.mu.Lock()
	defer e.mu.Unlock()

	filtered := e.filteredLocked()
	e.sortLocked(filtered)

	total := totalPages(len(filtered), e.pageSize)
	if e.page > total {
		e.page = total
	}
	if e.page < 1 {
		e.page = 1
	}

	start := (e.page - 1) * e.pageSize
	end := start + e.pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}

	stats := Stats{
		FilteredCount: len(filtered),
		TotalPages:    total,
		Page:          e.page,
		PageSize:      e.pageSize,
	}
	return filtered[start:end], stats
}

// Filtered returns the full filtered, sorted set (unpaginated), for export.
func (e *Engine) Filtered() []enrich.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	filtered := e.filteredLocked()
	e.sortLocked(filtered)
	return filtered
}

// All returns the full unfiltered set in store order.
func (e *Engine) All() []enrich.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]enrich.Record, len(e.records))
	copy(out, e.records)
	return out
}

// Stats returns the current view stats without moving the page.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.filteredLocked())
	return Stats{
		FilteredCount: n,
		TotalPages:    totalPages(n, e.pageSize),
		Page:          e.page,
		PageSize:      e.pageSize,
	}
}

func (e *Engine) filteredLocked() []enrich.Record {
	var out []enrich.Record
	for _, r := range e.records {
		if e.passesLocked(r) {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) passesLocked(r enrich.Record) bool {
	f := e.filter
	if f.Category != nil && r.Category != *f.Category {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	if f.TargetName != "" && !containsFold(r.Target.Name, f.TargetName) {
		return false
	}
	if f.FactionName != "" && !containsFold(r.Target.FactionName, f.FactionName) {
		return false
	}
	if f.FromDay != nil && r.Timestamp < dayStart(*f.FromDay) {
		return false
	}
	if f.ToDay != nil && r.Timestamp > dayEnd(*f.ToDay) {
		return false
	}
	if _, excluded := e.exPlayers[r.Target.Name]; excluded {
		return false
	}
	if _, excluded := e.exFactions[r.Target.FactionName]; excluded {
		return false
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func dayStart(d time.Time) int64 {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location()).Unix()
}

func dayEnd(d time.Time) int64 {
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, d.Location()).Unix()
}

// sortLocked sorts in place with a stable sort so records with equal keys
// retain their relative order across re-renders with identical inputs.
func (e *Engine) sortLocked(records []enrich.Record) {
	field := e.sortBy.Field
	desc := e.sortBy.Descending

	key := func(r enrich.Record) float64 {
		switch field {
		case SortSkill:
			return r.Reviver.Skill
		case SortChance:
			return r.Chance
		default:
			return float64(r.Timestamp)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if desc {
			return key(records[i]) > key(records[j])
		}
		return key(records[i]) < key(records[j])
	})
}

func (e *Engine) totalPagesLocked() int {
	return totalPages(len(e.filteredLocked()), e.pageSize)
}

func totalPages(count, pageSize int) int {
	total := (count + pageSize - 1) / pageSize
	if total < 1 {
		return 1
	}
	return total
}
