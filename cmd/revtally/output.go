package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// printRecordTable renders the list command's view page.
func printRecordTable(records []enrich.Record, payments map[string]bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTARGET\tFACTION\tCATEGORY\tOUTCOME\tCHANCE\tGAIN\tPAID")

	for _, r := range records {
		when := time.Unix(r.Timestamp, 0).Format("2006-01-02 15:04")

		outcome := r.Outcome
		if !noColor {
			if r.Success {
				outcome = colorize(colorGreen, outcome)
			} else {
				outcome = colorize(colorRed, outcome)
			}
		}

		gain := ""
		if r.SkillGain != nil {
			gain = strconv.FormatFloat(*r.SkillGain, 'f', 2, 64)
		}

		paid := ""
		if payments[storage.PaymentKey(r.Timestamp, r.Target.ID)] {
			paid = "yes"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
			when, r.Target.Name, r.Target.FactionName, r.Category, outcome, r.Chance, gain, paid)
	}
	w.Flush()
}
