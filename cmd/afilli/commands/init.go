package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jakebbass/afilli/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration file",
	Long: `Initialize a new afilli configuration file.

By default, creates afilli.yaml in the current directory.
Use --global to create a global config at ~/.config/afilli/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("global", false, "Create global config instead of project config")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	global, _ := cmd.Flags().GetBool("global")
	force, _ := cmd.Flags().GetBool("force")
	out := cmd.OutOrStdout()
	st := newStyles()

	configPath := config.GlobalConfigPath()
	configType := "global"
	if !global {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		configPath = filepath.Join(cwd, config.ProjectConfigName)
		configType = "project"
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		_, _ = fmt.Fprintf(out, "%s %s\n", st.Warn.Render("Config already exists:"), configPath)
		_, _ = fmt.Fprint(out, "Overwrite? [y/N]: ")
		response, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			_, _ = fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\n%s %s\n\n", st.Success.Render("Created "+configType+" config:"), configPath)
	_, _ = fmt.Fprintln(out, st.Accent.Render("Next steps:"))
	_, _ = fmt.Fprintln(out, "  1. Put provider keys in .env (OPENROUTER_API_KEY, SENDGRID_API_KEY, ...)")
	_, _ = fmt.Fprintln(out, "  2. Import personas with 'afilli persona import personas.yaml'")
	_, _ = fmt.Fprintln(out, "  3. Create and start agents with 'afilli agent create' and 'afilli agent start'")
	_, _ = fmt.Fprintln(out, "  4. Run 'afilli daemon start' to begin scheduled passes")
	_, _ = fmt.Fprintln(out)
	return nil
}

const defaultConfig = `# Afilli configuration
#
# Secrets are read from the environment (or a .env file):
#   OPENROUTER_API_KEY, SENDGRID_API_KEY, SENDGRID_FROM_EMAIL,
#   AWIN_API_TOKEN, AWIN_PUBLISHER_ID, CJ_API_KEY, CJ_WEBSITE_ID,
#   CLICKBANK_API_KEY, CLICKBANK_VENDOR, CLAY_API_KEY
# Any key below can also be set as AFILLI_<SECTION>_<KEY>.

# How often every working agent is advanced by one step.
# Choose either cron OR interval (not both).
schedule:
  interval: 1m
  # cron: "*/5 * * * *"
  # window:
  #   start: "08:00"
  #   end: "20:00"
  #   timezone: America/New_York

logging:
  level: info      # debug, info, warn, error
  format: json     # json, text
  path: ~/.local/share/afilli/logs

database:
  path: ~/.local/share/afilli/afilli.db

llm:
  provider: openrouter   # openai, openrouter, anthropic
  model: openai/gpt-4o-mini
  temperature: 0.7
  max_tokens: 2000

email:
  from_name: Afilli
  # from_email: outreach@example.com

scraper:
  requests_per_second: 0.5

telemetry:
  # metrics_addr: 127.0.0.1:9464   # also serves POST /webhooks/sendgrid
  # nats_url: nats://127.0.0.1:4222
  nats_subject: afilli.events
  audit_dir: ~/.local/share/afilli/audit

http_timeout: 30s
`
