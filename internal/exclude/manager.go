// Package exclude manages the persisted exclusion sets: target names and
// target-faction names dropped from every filtered view.
package exclude

import (
	"fmt"
	"sort"
	"sync"

	"github.com/avlott/revtally/internal/storage"
)

// SettingsStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type SettingsStore interface {
	GetExclusions() (storage.Exclusions, error)
	PutExclusions(storage.Exclusions) error
}

// Kind selects which of the two sets an operation targets.
type Kind string

const (
	KindPlayer  Kind = "player"
	KindFaction Kind = "faction"
)

// ParseKind validates a kind string from the API or CLI.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPlayer, KindFaction:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown exclusion kind %q (want %q or %q)", s, KindPlayer, KindFaction)
}

// Manager provides cached access to the exclusion sets. The process is the
// only writer, so the cache is invalidated on write and otherwise trusted.
type Manager struct {
	store SettingsStore

	mu     sync.RWMutex
	cached *storage.Exclusions
}

// NewManager creates a Manager over the given store.
func NewManager(store SettingsStore) *Manager {
	return &Manager{store: store}
}

// Get returns the current exclusion sets, sorted for stable output.
func (m *Manager) Get() (storage.Exclusions, error) {
	m.mu.RLock()
	if m.cached != nil {
		ex := copyExclusions(*m.cached)
		m.mu.RUnlock()
		return ex, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return copyExclusions(*m.cached), nil
	}

	ex, err := m.store.GetExclusions()
	if err != nil {
		return storage.Exclusions{}, fmt.Errorf("loading exclusions: %w", err)
	}
	sort.Strings(ex.Players)
	sort.Strings(ex.Factions)
	m.cached = &ex
	return copyExclusions(ex), nil
}

// Add inserts a name into the set for kind. Adding an existing name is a
// no-op; matching is exact string identity.
func (m *Manager) Add(kind Kind, name string) error {
	if name == "" {
		return fmt.Errorf("exclusion name must not be empty")
	}
	return m.update(func(ex *storage.Exclusions) {
		set := setFor(ex, kind)
		for _, n := range *set {
			if n == name {
				return
			}
		}
		*set = append(*set, name)
		sort.Strings(*set)
	})
}

// Remove deletes a name from the set for kind. Removing an absent name is a
// no-op.
func (m *Manager) Remove(kind Kind, name string) error {
	return m.update(func(ex *storage.Exclusions) {
		set := setFor(ex, kind)
		out := (*set)[:0]
		for _, n := range *set {
			if n != name {
				out = append(out, n)
			}
		}
		*set = out
	})
}

func setFor(ex *storage.Exclusions, kind Kind) *[]string {
	if kind == KindFaction {
		return &ex.Factions
	}
	return &ex.Players
}

func (m *Manager) update(mutate func(*storage.Exclusions)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, err := m.store.GetExclusions()
	if err != nil {
		return fmt.Errorf("loading exclusions: %w", err)
	}
	mutate(&ex)
	if err := m.store.PutExclusions(ex); err != nil {
		return fmt.Errorf("storing exclusions: %w", err)
	}
	m.cached = &ex
	return nil
}

func copyExclusions(ex storage.Exclusions) storage.Exclusions {
	out := storage.Exclusions{
		Players:  make([]string, len(ex.Players)),
		Factions: make([]string, len(ex.Factions)),
	}
	copy(out.Players, ex.Players)
	copy(out.Factions, ex.Factions)
	return out
}
