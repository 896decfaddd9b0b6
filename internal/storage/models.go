package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the backing database cannot be reached.
// Callers may recover by reopening the store.
var ErrUnavailable = errors.New("storage unavailable")

// Mode selects one of the two revive log scopes the game exposes.
type Mode string

const (
	ModeIndividual Mode = "individual"
	ModeGroup      Mode = "group"
)

// ParseMode validates a mode string coming from config, CLI flags, or the API.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeIndividual, ModeGroup:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeIndividual, ModeGroup)
}

// Outcome values as reported by the game API.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Reviver is the acting side of a revive record.
type Reviver struct {
	ID          int64
	Name        string
	FactionID   int64
	FactionName string
	Skill       float64
}

// Target is the revived side of a revive record. HospitalReason is the
// free-text reason the target landed in hospital.
type Target struct {
	ID             int64
	Name           string
	FactionID      int64
	FactionName    string
	HospitalReason string
}

// RawRecord is one logged revive as fetched from the game API. IDs are
// unique within a mode; derived fields live in package enrich and are
// never persisted.
type RawRecord struct {
	ID        int64
	Timestamp int64 // seconds since epoch
	Outcome   string
	Chance    float64
	Reviver   Reviver
	Target    Target
}

// PaymentKey builds the ledger key for one revive: "{timestamp}_{targetID}".
// The ledger outlives record visibility, so the key derives from the
// record's stable fields rather than its row.
func PaymentKey(timestamp, targetID int64) string {
	return fmt.Sprintf("%d_%d", timestamp, targetID)
}

// Exclusions is the persisted pair of name sets filtered out of every view.
// Membership tests are exact string matches; scope is global across modes.
type Exclusions struct {
	Players  []string `json:"players"`
	Factions []string `json:"factions"`
}

// ReceiptConfig drives payment-request rendering.
type ReceiptConfig struct {
	PricePerRevive int64  `json:"price_per_revive"`
	Note           string `json:"note,omitempty"`
}

// Fixed settings keys.
const (
	SettingAPIKey     = "api_key"
	SettingActiveMode = "active_mode"
	SettingExclusions = "exclusions"
	SettingReceipt    = "receipt_config"
	SettingPlayerID   = "player_id"
)
