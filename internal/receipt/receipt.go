// Package receipt renders payment-request text from the enriched record set
// and the payment ledger.
package receipt

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/storage"
)

const messageTemplate = `Revive payment request
{{range .Lines}}
{{.Name}}: {{.Count}} revive(s) x ${{.Price}} = ${{.Total}}{{end}}

Total due: ${{.GrandTotal}}
{{- if .Note}}
{{.Note}}{{end}}
`

var tmpl = template.Must(template.New("receipt").Parse(messageTemplate))

type line struct {
	Name  string
	Count int
	Price int64
	Total int64
}

// Render builds a payment request covering every successful, still-unpaid
// revive, grouped per target and priced from the receipt configuration.
// Targets are ordered by name so the output is stable.
func Render(records []enrich.Record, payments map[string]bool, cfg storage.ReceiptConfig) (string, error) {
	if cfg.PricePerRevive <= 0 {
		return "", fmt.Errorf("receipt price per revive not configured")
	}

	counts := make(map[string]int)
	for _, r := range records {
		if !r.Success {
			continue
		}
		if payments[storage.PaymentKey(r.Timestamp, r.Target.ID)] {
			continue
		}
		counts[r.Target.Name]++
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []line
	var grand int64
	for _, name := range names {
		n := counts[name]
		total := int64(n) * cfg.PricePerRevive
		grand += total
		lines = append(lines, line{Name: name, Count: n, Price: cfg.PricePerRevive, Total: total})
	}

	var sb strings.Builder
	err := tmpl.Execute(&sb, struct {
		Lines      []line
		GrandTotal int64
		Note       string
	}{lines, grand, cfg.Note})
	if err != nil {
		return "", fmt.Errorf("rendering receipt: %w", err)
	}
	return sb.String(), nil
}
