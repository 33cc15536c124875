package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakebbass/afilli/internal/audit"
	"github.com/jakebbass/afilli/internal/orchestrator"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the daemon's task audit trail",
	Long: `Print recent entries from the append-only audit trail the daemon keeps
under telemetry.audit_dir: task creation, start and end, skipped agents and
agent errors.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().IntP("last", "n", 20, "Show the last N events")
	auditCmd.Flags().String("day", "", "Day to show (YYYY-MM-DD, default newest)")
	auditCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	last, _ := cmd.Flags().GetInt("last")
	day, _ := cmd.Flags().GetString("day")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := cfg.ExpandedAuditDir()

	var path string
	if day != "" {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("invalid --day %q: want YYYY-MM-DD", day)
		}
		path = filepath.Join(dir, "audit-"+day+".jsonl")
	} else {
		files, err := audit.Files(dir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No audit events recorded.")
			return nil
		}
		path = files[0]
	}

	events, err := audit.ReadEvents(path)
	if err != nil {
		return err
	}
	if last > 0 && len(events) > last {
		events = events[len(events)-last:]
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if events == nil {
			events = []orchestrator.Event{}
		}
		return printJSON(out, events)
	}
	st := newStyles()
	w := newTable(out)
	_, _ = fmt.Fprintln(w, "TIME\tEVENT\tAGENT\tTASK\tSTATUS\tDETAIL")
	for _, ev := range events {
		detail := ev.Error
		if detail == "" {
			detail = ev.Message
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Time.Local().Format("15:04:05"), ev.Type, orDash(ev.AgentID), orDash(string(ev.TaskType)),
			st.status(string(ev.Status)), orDash(detail))
	}
	_ = w.Flush()
	return nil
}
