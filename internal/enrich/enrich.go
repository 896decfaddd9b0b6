// Package enrich derives analytical fields from raw revive records. The
// derivation is a pure function over the full raw set: derived fields are
// never persisted and are recomputed on every load, so classification rules
// can evolve without invalidating the cache.
package enrich

import (
	"math"
	"sort"

	"github.com/avlott/revtally/internal/storage"
)

// Category buckets a revive by the target's hospital reason.
type Category string

const (
	CategoryPvP      Category = "PvP"
	CategoryOD       Category = "OD"
	CategoryCrime    Category = "Crime"
	CategoryRR       Category = "RR"
	CategorySelfHosp Category = "SelfHosp"
	CategoryCasino   Category = "Casino"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryPvP, CategoryOD, CategoryCrime, CategoryRR, CategorySelfHosp, CategoryCasino,
}

// ParseCategory validates a category string from a filter parameter.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Band is a coarse bucket over the numeric success chance.
type Band string

const (
	BandLow      Band = "Low"
	BandMedium   Band = "Medium"
	BandHigh     Band = "High"
	BandVeryHigh Band = "VeryHigh"
)

// BandFor maps a chance (0-100) to its likelihood band. Boundaries are
// closed on the lower bucket: 30, 60, and 80 map to Low, Medium, and High.
func BandFor(chance float64) Band {
	switch {
	case chance <= 30:
		return BandLow
	case chance <= 60:
		return BandMedium
	case chance <= 80:
		return BandHigh
	default:
		return BandVeryHigh
	}
}

// Record is a raw revive plus derived, read-only fields.
type Record struct {
	storage.RawRecord

	Success  bool
	Category Category
	Band     Band

	// SkillGain is set only on the reference actor's chronological success
	// subsequence; the most recent of those records keeps nil (no later
	// reference point).
	SkillGain *float64
}

// Enrich classifies and annotates the raw set. referenceActorID drives the
// skill-gain computation. The function is deterministic and idempotent:
// output order mirrors input order and identical input yields identical
// output.
func Enrich(raw []storage.RawRecord, referenceActorID int64) []Record {
	out := make([]Record, len(raw))
	for i, r := range raw {
		out[i] = Record{
			RawRecord: r,
			Success:   r.Outcome == storage.OutcomeSuccess,
			Category:  Classify(r.Target.HospitalReason),
			Band:      BandFor(r.Chance),
		}
	}

	applySkillGains(out, referenceActorID)
	return out
}

// applySkillGains computes the per-pair skill delta over the reference
// actor's own successful revives, ordered by time. Each record's gain is the
// rounded difference to the next record's skill, forced to 0 once the next
// skill has hit the 100 cap; the final record stays nil.
func applySkillGains(records []Record, referenceActorID int64) {
	var idx []int
	for i, r := range records {
		if r.Reviver.ID == referenceActorID && r.Target.ID != referenceActorID && r.Success {
			idx = append(idx, i)
		}
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return records[idx[a]].Timestamp < records[idx[b]].Timestamp
	})

	for k := 0; k+1 < len(idx); k++ {
		cur := &records[idx[k]]
		next := records[idx[k+1]]

		gain := 0.0
		if next.Reviver.Skill < 100 {
			gain = round2(cur.Reviver.Skill - next.Reviver.Skill)
		}
		cur.SkillGain = &gain
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
