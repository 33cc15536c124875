package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jakebbass/afilli/internal/orchestrator"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
	Long: `Create, inspect and control agents.

Agent types: researcher, outreach, optimizer, deal_finder, persona_writer,
list_builder, marketing_agent.`,
}

var agentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an idle agent",
	RunE:  runAgentCreate,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents, newest first",
	RunE:  runAgentList,
}

var agentShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show an agent and its recent tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentShow,
}

var agentUpdateCmd = &cobra.Command{
	Use:   "update <agent-id>",
	Short: "Change an agent's name, persona or settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentUpdate,
}

var agentStartCmd = &cobra.Command{
	Use:   "start <agent-id>",
	Short: "Mark an agent working and enqueue its first task",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStart,
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <agent-id>",
	Short: "Pause an agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStop,
}

var agentRunCmd = &cobra.Command{
	Use:   "run <agent-id>",
	Short: "Advance one agent by a single step",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentStep,
}

var agentTasksCmd = &cobra.Command{
	Use:   "tasks <agent-id>",
	Short: "List an agent's tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentTasks,
}

var agentMetricsCmd = &cobra.Command{
	Use:   "metrics <agent-id>",
	Short: "Show task totals and accumulated metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentMetrics,
}

var agentStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count agents by status and type",
	RunE:  runAgentStats,
}

func init() {
	agentCreateCmd.Flags().String("name", "", "Agent name (required)")
	agentCreateCmd.Flags().String("type", "", "Agent type (required)")
	agentCreateCmd.Flags().String("persona", "", "Persona ID")
	agentCreateCmd.Flags().String("settings", "", `Agent settings as JSON, e.g. '{"minCpsScore":65}'`)
	_ = agentCreateCmd.MarkFlagRequired("name")
	_ = agentCreateCmd.MarkFlagRequired("type")

	agentListCmd.Flags().String("status", "", "Filter by status")
	agentListCmd.Flags().String("type", "", "Filter by type")

	agentUpdateCmd.Flags().String("name", "", "New name")
	agentUpdateCmd.Flags().String("persona", "", "New persona ID")
	agentUpdateCmd.Flags().String("settings", "", "Replacement settings as JSON")

	agentTasksCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed)")
	agentTasksCmd.Flags().IntP("limit", "n", 20, "Page size (1-100)")
	agentTasksCmd.Flags().Int("offset", 0, "Tasks to skip")

	for _, c := range []*cobra.Command{agentCreateCmd, agentListCmd, agentShowCmd, agentUpdateCmd,
		agentStartCmd, agentRunCmd, agentTasksCmd, agentMetricsCmd, agentStatsCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
	}

	agentCmd.AddCommand(agentCreateCmd, agentListCmd, agentShowCmd, agentUpdateCmd, agentStartCmd,
		agentStopCmd, agentRunCmd, agentTasksCmd, agentMetricsCmd, agentStatsCmd)
	rootCmd.AddCommand(agentCmd)
}

// withStore runs fn against the configured store.
func withStore(fn func(*store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	database, s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	return fn(s)
}

// withApp runs fn against the fully wired runtime.
func withApp(fn func(*app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func parseSettings(raw string) (tasks.AgentConfig, error) {
	var cfg tasks.AgentConfig
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("invalid --settings: %w", err)
	}
	return cfg, nil
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	typ, _ := cmd.Flags().GetString("type")
	persona, _ := cmd.Flags().GetString("persona")
	raw, _ := cmd.Flags().GetString("settings")
	asJSON, _ := cmd.Flags().GetBool("json")

	agentType, err := tasks.ParseAgentType(typ)
	if err != nil {
		return err
	}
	settings, err := parseSettings(raw)
	if err != nil {
		return err
	}
	return withStore(func(s *store.Store) error {
		ctx := cmd.Context()
		if persona != "" {
			if _, err := s.GetPersona(ctx, persona); err != nil {
				return err
			}
		}
		a, err := s.CreateAgent(ctx, store.NewAgent{Name: name, Type: agentType, PersonaID: persona, Config: settings})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), a)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s agent %s (%s)\n", a.Type, a.Name, a.ID)
		return nil
	})
}

func runAgentList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	typ, _ := cmd.Flags().GetString("type")
	asJSON, _ := cmd.Flags().GetBool("json")

	var f store.AgentFilter
	if status != "" {
		st, err := tasks.ParseAgentStatus(status)
		if err != nil {
			return err
		}
		f.Status = st
	}
	if typ != "" {
		t, err := tasks.ParseAgentType(typ)
		if err != nil {
			return err
		}
		f.Type = t
	}

	return withStore(func(s *store.Store) error {
		agents, err := s.ListAgents(cmd.Context(), f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			if agents == nil {
				agents = []store.Agent{}
			}
			return printJSON(out, agents)
		}
		if len(agents) == 0 {
			_, _ = fmt.Fprintln(out, "No agents found.")
			return nil
		}
		st := newStyles()
		w := newTable(out)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tCURRENT\tLAST RUN")
		for _, a := range agents {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Name, a.Type, st.status(string(a.Status)), orDash(a.CurrentTask), formatTime(a.LastRunAt))
		}
		_ = w.Flush()
		_, _ = fmt.Fprintf(out, "\n%d agent(s)\n", len(agents))
		return nil
	})
}

func runAgentShow(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withStore(func(s *store.Store) error {
		ctx := cmd.Context()
		a, err := s.GetAgent(ctx, args[0])
		if err != nil {
			return err
		}
		recent, err := s.ListTasks(ctx, store.TaskFilter{AgentID: a.ID, Limit: 10})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, struct {
				*store.Agent
				RecentTasks []store.Task `json:"recentTasks"`
			}{a, nonNilTasks(recent.Tasks)})
		}

		st := newStyles()
		_, _ = fmt.Fprintln(out, st.Title.Render(a.Name))
		field(out, st, "ID", a.ID)
		field(out, st, "Type", a.Type)
		field(out, st, "Status", st.status(string(a.Status)))
		field(out, st, "Persona", orDash(a.PersonaID))
		field(out, st, "Current task", orDash(a.CurrentTask))
		field(out, st, "Next phase", orDash(string(a.NextPhase)))
		field(out, st, "Last run", formatTime(a.LastRunAt))
		field(out, st, "Completed", a.Metrics.TasksCompleted)
		if len(recent.Tasks) > 0 {
			_, _ = fmt.Fprintln(out)
			printTasks(out, st, recent.Tasks)
		}
		return nil
	})
}

func runAgentUpdate(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	var u store.AgentUpdate
	if cmd.Flags().Changed("name") {
		name, _ := cmd.Flags().GetString("name")
		u.Name = &name
	}
	if cmd.Flags().Changed("persona") {
		persona, _ := cmd.Flags().GetString("persona")
		u.PersonaID = &persona
	}
	if cmd.Flags().Changed("settings") {
		raw, _ := cmd.Flags().GetString("settings")
		settings, err := parseSettings(raw)
		if err != nil {
			return err
		}
		u.Config = &settings
	}
	if u.Name == nil && u.PersonaID == nil && u.Config == nil {
		return fmt.Errorf("nothing to update: pass --name, --persona or --settings")
	}

	return withStore(func(s *store.Store) error {
		a, err := s.UpdateAgent(cmd.Context(), args[0], u)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), a)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated agent %s\n", a.ID)
		return nil
	})
}

func runAgentStart(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withApp(func(a *app) error {
		task, err := a.orch.StartAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, map[string]any{"agentId": args[0], "task": task})
		}
		st := newStyles()
		if task == nil {
			_, _ = fmt.Fprintf(out, "agent %s %s\n", args[0], st.status(string(tasks.AgentWorking)))
			return nil
		}
		_, _ = fmt.Fprintf(out, "agent %s %s, queued %s (%s)\n", args[0], st.status(string(tasks.AgentWorking)), task.Type, task.ID)
		return nil
	})
}

func runAgentStop(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		if err := a.orch.StopAgent(cmd.Context(), args[0]); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "agent %s %s\n", args[0], newStyles().status(string(tasks.AgentPaused)))
		return nil
	})
}

func runAgentStep(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withApp(func(a *app) error {
		step, err := a.orch.RunAgentLoop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			v := struct {
				*orchestrator.Step
				Error string `json:"error,omitempty"`
			}{Step: step}
			if step.TaskErr != nil {
				v.Error = step.TaskErr.Error()
			}
			return printJSON(out, v)
		}
		st := newStyles()
		_, _ = fmt.Fprintf(out, "%s %s\n", st.Label.Render("action:"), step.Action)
		if step.Task != nil {
			_, _ = fmt.Fprintf(out, "%s %s %s (%s)\n", st.Label.Render("task:"), step.Task.Type, st.status(string(step.Task.Status)), step.Task.ID)
		}
		if step.TaskErr != nil {
			_, _ = fmt.Fprintf(out, "%s %v\n", st.Error.Render("error:"), step.TaskErr)
		}
		return nil
	})
}

func runAgentTasks(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	asJSON, _ := cmd.Flags().GetBool("json")

	f := store.TaskFilter{AgentID: args[0], Limit: limit, Offset: offset}
	if status != "" {
		st, err := tasks.ParseTaskStatus(status)
		if err != nil {
			return err
		}
		f.Status = st
	}
	return withStore(func(s *store.Store) error {
		ctx := cmd.Context()
		if _, err := s.GetAgent(ctx, args[0]); err != nil {
			return err
		}
		page, err := s.ListTasks(ctx, f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			page.Tasks = nonNilTasks(page.Tasks)
			return printJSON(out, page)
		}
		if len(page.Tasks) == 0 {
			_, _ = fmt.Fprintln(out, "No tasks found.")
			return nil
		}
		printTasks(out, newStyles(), page.Tasks)
		more := ""
		if page.HasMore {
			more = ", more available"
		}
		_, _ = fmt.Fprintf(out, "\n%d of %d task(s)%s\n", len(page.Tasks), page.Total, more)
		return nil
	})
}

func runAgentMetrics(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withStore(func(s *store.Store) error {
		sum, err := s.SummarizeAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, sum)
		}
		st := newStyles()
		field(out, st, "Tasks", sum.TotalTasks)
		field(out, st, "Completed", sum.CompletedTasks)
		field(out, st, "Failed", sum.FailedTasks)
		field(out, st, "Pending", sum.PendingTasks)
		field(out, st, "Success rate", fmt.Sprintf("%.1f%%", sum.SuccessRate))
		field(out, st, "Last run", formatTime(sum.LastRunAt))

		// Only the counters the archetype has touched.
		raw, err := json.Marshal(sum.AgentMetrics)
		if err != nil {
			return err
		}
		var counters map[string]any
		if err := json.Unmarshal(raw, &counters); err != nil {
			return err
		}
		for _, k := range slices.Sorted(maps.Keys(counters)) {
			field(out, st, k, counters[k])
		}
		return nil
	})
}

func runAgentStats(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	return withStore(func(s *store.Store) error {
		counts, err := s.CountAgents(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, counts)
		}
		st := newStyles()
		field(out, st, "Agents", counts.Total)
		_, _ = fmt.Fprintln(out, st.Title.Render("\nBy status"))
		for _, k := range slices.Sorted(maps.Keys(counts.ByStatus)) {
			field(out, st, string(k), counts.ByStatus[k])
		}
		_, _ = fmt.Fprintln(out, st.Title.Render("\nBy type"))
		for _, k := range slices.Sorted(maps.Keys(counts.ByType)) {
			field(out, st, string(k), counts.ByType[k])
		}
		return nil
	})
}

func printTasks(w io.Writer, st styles, list []store.Task) {
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tCOMPLETED\tERROR")
	for _, t := range list {
		created := t.CreatedAt
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, st.status(string(t.Status)), formatTime(&created), formatTime(t.CompletedAt), orDash(t.Error))
	}
	_ = tw.Flush()
}

func nonNilTasks(list []store.Task) []store.Task {
	if list == nil {
		return []store.Task{}
	}
	return list
}
