package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/avlott/revtally/internal/config"
	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/storage"
	"github.com/avlott/revtally/internal/view"
)

// --- refresh / backfill ---

type syncResult struct {
	Merged  int  `json:"merged"`
	HasMore bool `json:"has_more"`
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the newest revives from the game API",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync/refresh", nil)
		if err != nil {
			return err
		}

		var result syncResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Merged %d records", result.Merged)
		return nil
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Fetch older revives, one page at a time",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		total := 0
		for {
			resp, err := client.post(cmd.Context(), "/sync/backfill", nil)
			if err != nil {
				return err
			}

			var result syncResult
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			total += result.Merged

			if !result.HasMore {
				printSuccess("Merged %d records; history exhausted", total)
				return nil
			}
			if !all {
				printSuccess("Merged %d records; more available (use --all to fetch everything)", total)
				return nil
			}
		}
	},
}

func init() {
	backfillCmd.Flags().Bool("all", false, "keep fetching until the history is exhausted")
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current view page of revives",
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := listQuery(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records?"+query.Encode())
		if err != nil {
			return err
		}

		var page struct {
			Records []enrich.Record `json:"records"`
			Stats   view.Stats      `json:"stats"`
		}
		if err := decodeJSON(resp, &page); err != nil {
			return err
		}

		if page.Stats.FilteredCount == 0 {
			fmt.Println("No records match.")
			return nil
		}

		payments, err := fetchPayments(cmd.Context(), client)
		if err != nil {
			return err
		}

		printRecordTable(page.Records, payments)
		fmt.Printf("\npage %d/%d (%d records)\n", page.Stats.Page, page.Stats.TotalPages, page.Stats.FilteredCount)
		return nil
	},
}

func listQuery(cmd *cobra.Command) (url.Values, error) {
	q := url.Values{}

	for _, name := range []string{"category", "target", "faction", "from", "to", "sort", "order"} {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			q.Set(name, v)
		}
	}
	if cmd.Flags().Changed("success") {
		v, _ := cmd.Flags().GetBool("success")
		q.Set("success", strconv.FormatBool(v))
	}
	if v, _ := cmd.Flags().GetInt("page"); v > 0 {
		q.Set("page", strconv.Itoa(v))
	}
	if v, _ := cmd.Flags().GetInt("page-size"); v > 0 {
		q.Set("page_size", strconv.Itoa(v))
	}
	return q, nil
}

func fetchPayments(ctx context.Context, client *apiClient) (map[string]bool, error) {
	resp, err := client.get(ctx, "/payments")
	if err != nil {
		return nil, err
	}
	var body struct {
		Payments map[string]bool `json:"payments"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Payments, nil
}

func init() {
	listCmd.Flags().String("category", "", "filter by category (PvP, OD, Crime, RR, SelfHosp, Casino)")
	listCmd.Flags().Bool("success", false, "filter by outcome (--success or --success=false)")
	listCmd.Flags().String("target", "", "filter by target name substring")
	listCmd.Flags().String("faction", "", "filter by target faction substring")
	listCmd.Flags().String("from", "", "filter from day (YYYY-MM-DD, inclusive)")
	listCmd.Flags().String("to", "", "filter to day (YYYY-MM-DD, inclusive)")
	listCmd.Flags().String("sort", "", "sort field (timestamp, skill, chance)")
	listCmd.Flags().String("order", "", "sort order (asc, desc)")
	listCmd.Flags().Int("page", 0, "page number")
	listCmd.Flags().Int("page-size", 0, "page size (10, 25, 50, 100)")
}

// --- pay ---

var payCmd = &cobra.Command{
	Use:   "pay <timestamp_targetID>",
	Short: "Mark a revive paid (or unpaid with --unpaid)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unpaid, _ := cmd.Flags().GetBool("unpaid")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/payments/"+url.PathEscape(args[0]), map[string]bool{"paid": !unpaid})
		if err != nil {
			return err
		}

		var result struct {
			Key  string `json:"key"`
			Paid bool   `json:"paid"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Paid {
			printSuccess("Marked %s paid", result.Key)
		} else {
			printSuccess("Marked %s unpaid", result.Key)
		}
		return nil
	},
}

func init() {
	payCmd.Flags().Bool("unpaid", false, "mark the revive unpaid instead")
}

// --- exclude ---

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage excluded players and factions",
}

var excludeListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the exclusion sets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/exclusions")
		if err != nil {
			return err
		}

		var ex storage.Exclusions
		if err := decodeJSON(resp, &ex); err != nil {
			return err
		}

		if len(ex.Players) == 0 && len(ex.Factions) == 0 {
			fmt.Println("No exclusions.")
			return nil
		}
		for _, p := range ex.Players {
			fmt.Printf("player   %s\n", p)
		}
		for _, f := range ex.Factions {
			fmt.Printf("faction  %s\n", f)
		}
		return nil
	},
}

var excludeAddCmd = &cobra.Command{
	Use:   "add <player|faction> <name>",
	Short: "Add a name to an exclusion set",
	Args:  cobra.ExactArgs(2),
	RunE:  excludeChange("POST", "Excluded"),
}

var excludeRemoveCmd = &cobra.Command{
	Use:   "remove <player|faction> <name>",
	Short: "Remove a name from an exclusion set",
	Args:  cobra.ExactArgs(2),
	RunE:  excludeChange("DELETE", "Unexcluded"),
}

func excludeChange(method, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		kind, name := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.do(cmd.Context(), method, "/exclusions/"+url.PathEscape(kind), map[string]string{"name": name})
		if err != nil {
			return err
		}

		var ex storage.Exclusions
		if err := decodeJSON(resp, &ex); err != nil {
			return err
		}

		printSuccess("%s %s %q", verb, kind, name)
		return nil
	}
}

func init() {
	excludeCmd.AddCommand(excludeListCmd, excludeAddCmd, excludeRemoveCmd)
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the filtered view as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		query, err := listQuery(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records/export?"+query.Encode())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		w := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Exported to %s", output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
	exportCmd.Flags().String("category", "", "filter by category")
	exportCmd.Flags().Bool("success", false, "filter by outcome")
	exportCmd.Flags().String("target", "", "filter by target name substring")
	exportCmd.Flags().String("faction", "", "filter by target faction substring")
	exportCmd.Flags().String("from", "", "filter from day (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().String("to", "", "filter to day (YYYY-MM-DD, inclusive)")
	exportCmd.Flags().String("sort", "", "sort field")
	exportCmd.Flags().String("order", "", "sort order")
}

// --- receipt ---

var receiptCmd = &cobra.Command{
	Use:   "receipt",
	Short: "Render a payment request for unpaid successful revives",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/receipt")
		if err != nil {
			return err
		}

		var result struct {
			Receipt string `json:"receipt"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Receipt)
		return nil
	},
}

// --- mode ---

var modeCmd = &cobra.Command{
	Use:   "mode <individual|group>",
	Short: "Switch the active revive log scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/mode", map[string]string{"mode": args[0]})
		if err != nil {
			return err
		}

		var result struct {
			Mode string `json:"mode"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Active mode is now %s", result.Mode)
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local record cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached record, payment, and setting",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL cached data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/cache", nil)
		if err != nil {
			return err
		}

		var result struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cache cleared")
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().Bool("confirm", false, "confirm cache deletion")
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := config.List()
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Printf("  %s\n", l)
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := config.GetKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}
