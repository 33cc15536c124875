package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakebbass/afilli/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one agent pass now",
	Long: `Advance every working agent by one step, the same pass the daemon
runs on each scheduler tick. The schedule window is ignored.`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().Bool("json", false, "Output the pass summary as JSON")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	out := cmd.OutOrStdout()
	st := newStyles()
	var events []orchestrator.Event
	collect := orchestrator.WithEventHandler(func(ev orchestrator.Event) {
		if ev.Type == orchestrator.EventTaskEnd || ev.Type == orchestrator.EventTaskCreated || ev.Type == orchestrator.EventAgentError {
			events = append(events, ev)
		}
	})
	a, err := newApp(cfg, collect)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	summary, err := a.orch.RunAllAgents(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, summary)
	}

	for _, ev := range events {
		switch ev.Type {
		case orchestrator.EventTaskCreated:
			_, _ = fmt.Fprintf(out, "%s %s %s\n", st.Accent.Render("+"), ev.AgentID, ev.TaskType)
		case orchestrator.EventTaskEnd:
			line := fmt.Sprintf("%s %s %s %s", st.Label.Render(">"), ev.AgentID, ev.TaskType, st.status(string(ev.Status)))
			if ev.Error != "" {
				line += " " + st.Muted.Render(ev.Error)
			}
			_, _ = fmt.Fprintln(out, line)
		case orchestrator.EventAgentError:
			_, _ = fmt.Fprintf(out, "%s %s %s\n", st.Error.Render("!"), ev.AgentID, ev.Error)
		}
	}
	_, _ = fmt.Fprintf(out, "\n%s %d agents, %d executed (%d failed), %d generated, %d errors in %s\n",
		st.Title.Render("Pass complete:"),
		summary.Agents, summary.Executed, summary.Failed, summary.Generated, summary.Errors,
		summary.Duration.Round(time.Millisecond))
	return nil
}
