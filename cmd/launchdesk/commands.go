package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/launchdesk/internal/config"
	"github.com/kalambet/launchdesk/internal/health"
	"github.com/kalambet/launchdesk/internal/instrument"
	"github.com/kalambet/launchdesk/internal/retention"
	"github.com/kalambet/launchdesk/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/status")
		if err != nil {
			printStatus("Server", "stopped")
			return err
		}

		var p health.StatusPayload
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printStatusPayload(p)
		return nil
	},
}

func printStatusPayload(p health.StatusPayload) {
	printStatus("Server", "%s (version %s, %s)", p.Status, p.Version, p.Environment)
	printStatus("Uptime", "%.0fs", p.UptimeSeconds)
	printStatus("Database", "%s", configuredLabel(p.Config.DatabaseConfigured))
	printStatus("Cache", "%s", configuredLabel(p.Config.CacheConfigured))
	printStatus("Notifications", "%s", configuredLabel(p.Config.NotificationsEnabled))
	if p.Summary != nil {
		printSummary(*p.Summary)
	}
}

func configuredLabel(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the health checks locally and print the report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rep := a.reporter.Report(cmd.Context())
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
		} else {
			printReport(rep)
		}
		if !rep.Healthy() {
			return fmt.Errorf("status %s", rep.Status)
		}
		return nil
	},
}

func printReport(rep health.Report) {
	if rep.Healthy() {
		printSuccess("launchdesk is %s", rep.Status)
	} else {
		printError("launchdesk is %s", rep.Status)
	}
	names := make([]string, 0, len(rep.Checks))
	for name := range rep.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := rep.Checks[name]
		printStatus(name, "%s (%s)", c.Status, c.Message)
		if v, ok := c.Details.(config.Validation); ok {
			for _, e := range v.Errors {
				printError("%s", e)
			}
			for _, w := range v.Warnings {
				printWarning("%s", w)
			}
		}
	}
}

func init() {
	healthCmd.Flags().Bool("json", false, "print the report as JSON")
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize recorded metrics over a window of days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := instrument.Do(cmd.Context(), a.instr, "metrics_summary", func(ctx context.Context) (storage.MetricSummary, error) {
			return a.gateway.SummarizeMetrics(ctx, days)
		})
		if errors.Is(err, storage.ErrUnavailable) {
			return fmt.Errorf("storage unavailable (%s); set DATABASE_URL", a.gateway.Reason())
		}
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), s)
		}
		printSummary(s)
		return nil
	},
}

func printSummary(s storage.MetricSummary) {
	printStatus("Window", "%d days", s.WindowDays)
	printStatus("Operations", "%d (%d ok, %d failed)", s.TotalCount, s.SuccessCount, s.FailureCount)
	printStatus("Success rate", "%.1f%%", s.SuccessRatePercent)
	printStatus("Avg latency", "%.1fms", s.AverageLatencyMillis)

	ops := make([]string, 0, len(s.BreakdownByOperation))
	for op := range s.BreakdownByOperation {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		printStatus("  "+op, "%d", s.BreakdownByOperation[op])
	}
}

func init() {
	summaryCmd.Flags().Int("days", 7, "window size in days")
	summaryCmd.Flags().Bool("json", false, "print the summary as JSON")
}

// --- purge ---

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete sessions and metric records older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently deletes expired sessions and metric records.")
			return fmt.Errorf("use --confirm to proceed")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		days := a.cfg.Retention.Days
		if cmd.Flags().Changed("days") {
			days, _ = cmd.Flags().GetInt("days")
		}
		if !a.gateway.Available() {
			printWarning("storage unavailable (%s), nothing to purge", a.gateway.Reason())
			return nil
		}

		printStep("Purging data older than %d days...", days)
		sweeper := retention.NewSweeper(a.gateway, days, 0, a.logger)
		res, err := instrument.Do(cmd.Context(), a.instr, "retention_purge", sweeper.RunOnce)
		if err != nil {
			return err
		}
		printSuccess("Deleted %d sessions and %d metric records", res.Sessions, res.Metrics)
		return nil
	},
}

func init() {
	purgeCmd.Flags().Int("days", 0, "retention window in days (default: retention.days)")
	purgeCmd.Flags().Bool("confirm", false, "confirm the purge")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or write user sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user_id>",
	Short: "Show the active session of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := instrument.Do(cmd.Context(), a.instr, "session_get", func(ctx context.Context) (storage.Session, error) {
			return a.gateway.GetActiveSession(ctx, args[0])
		}, instrument.WithUser(args[0]))
		if errors.Is(err, storage.ErrNotFound) {
			printWarning("no active session for %s", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), sess)
	},
}

var sessionStoreCmd = &cobra.Command{
	Use:   "store <user_id>",
	Short: "Store a new active session, replacing the current one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		primary, err := payloadFlag(cmd, "payload")
		if err != nil {
			return err
		}
		supplementary, err := payloadFlag(cmd, "supplementary")
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := instrument.Do(cmd.Context(), a.instr, "session_store", func(ctx context.Context) (storage.Session, error) {
			return a.gateway.StoreSession(ctx, args[0], date, primary, supplementary)
		}, instrument.WithUser(args[0]), instrument.WithContextDate(date))
		if err != nil {
			return err
		}
		printSuccess("Stored session %s for %s", sess.ID, sess.UserID)
		return nil
	},
}

var sessionUpdateCmd = &cobra.Command{
	Use:   "update <user_id>",
	Short: "Update fields of the active session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var upd storage.SessionUpdate
		if cmd.Flags().Changed("date") {
			date, _ := cmd.Flags().GetString("date")
			upd.ContextDate = &date
		}
		primary, err := payloadFlag(cmd, "payload")
		if err != nil {
			return err
		}
		if primary != nil {
			upd.PrimaryPayload = primary
		}
		supplementary, err := payloadFlag(cmd, "supplementary")
		if err != nil {
			return err
		}
		if supplementary != nil {
			upd.SupplementaryPayload = supplementary
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		updated, err := instrument.Do(cmd.Context(), a.instr, "session_update", func(ctx context.Context) (bool, error) {
			return a.gateway.UpdateSession(ctx, args[0], upd)
		}, instrument.WithUser(args[0]))
		if err != nil {
			return err
		}
		if !updated {
			printWarning("no active session for %s", args[0])
			return nil
		}
		printSuccess("Updated session for %s", args[0])
		return nil
	},
}

// payloadFlag reads a JSON flag value. "@path" reads the JSON from a file.
// An unset flag yields nil.
func payloadFlag(cmd *cobra.Command, name string) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading --%s file: %w", name, err)
		}
		raw = string(data)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--%s must be valid JSON", name)
	}
	return json.RawMessage(raw), nil
}

func init() {
	for _, c := range []*cobra.Command{sessionStoreCmd, sessionUpdateCmd} {
		c.Flags().String("date", "", "business date the session refers to (YYYY-MM-DD)")
		c.Flags().String("payload", "", "primary payload as JSON, or @file")
		c.Flags().String("supplementary", "", "supplementary payload as JSON, or @file")
	}
	sessionStoreCmd.MarkFlagRequired("date")

	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionStoreCmd)
	sessionCmd.AddCommand(sessionUpdateCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}

		v := cfg.Validate()
		for _, e := range v.Errors {
			printError("%s", e)
		}
		for _, w := range v.Warnings {
			printWarning("%s", w)
		}
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

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
