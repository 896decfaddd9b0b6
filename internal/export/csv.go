// Package export renders record lists into tabular artifacts for external
// consumers. It works over whatever slice the view engine hands it (full
// or filtered) plus a snapshot of the payment ledger.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/storage"
)

var header = []string{
	"id", "timestamp", "target", "target_faction", "hospital_reason",
	"category", "outcome", "chance", "likelihood", "reviver_skill",
	"skill_gain", "paid",
}

// WriteCSV emits one row per record in the given order. Timestamps are
// rendered as RFC 3339 UTC; a nil skill gain becomes an empty cell; paid
// reflects the ledger snapshot (absent entries count as unpaid).
func WriteCSV(w io.Writer, records []enrich.Record, payments map[string]bool) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, r := range records {
		gain := ""
		if r.SkillGain != nil {
			gain = strconv.FormatFloat(*r.SkillGain, 'f', 2, 64)
		}

		row := []string{
			strconv.FormatInt(r.ID, 10),
			time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339),
			r.Target.Name,
			r.Target.FactionName,
			r.Target.HospitalReason,
			string(r.Category),
			r.Outcome,
			strconv.FormatFloat(r.Chance, 'f', -1, 64),
			string(r.Band),
			strconv.FormatFloat(r.Reviver.Skill, 'f', -1, 64),
			gain,
			strconv.FormatBool(payments[storage.PaymentKey(r.Timestamp, r.Target.ID)]),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing record %d: %w", r.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
