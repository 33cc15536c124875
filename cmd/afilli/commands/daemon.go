package commands

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakebbass/afilli/internal/audit"
	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/notify"
	"github.com/jakebbass/afilli/internal/orchestrator"
	"github.com/jakebbass/afilli/internal/scheduler"
	"github.com/jakebbass/afilli/internal/telemetry"
)

const (
	pidFileName = "afilli.pid"

	interruptedReason = "interrupted by daemon restart"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage background daemon",
	Long:  `Start, stop, or check status of the afilli background daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start background daemon",
	Long: `Start the afilli daemon as a background process.

The daemon runs one agent pass per scheduler tick (cron or interval),
respecting the optional daily window. With telemetry.metrics_addr set it
also serves Prometheus metrics and the SendGrid event webhook.`,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop background daemon",
	Long:  `Stop the running afilli daemon by sending SIGTERM.`,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	RunE:  runDaemonStatus,
}

var daemonForegroundFlag bool

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForegroundFlag, "foreground", "f", false, "Run in foreground (don't daemonize)")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func pidFilePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "afilli", pidFileName)
}

func writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(pidFilePath()), 0755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPidFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// isProcessRunning sends signal 0; on Unix FindProcess always succeeds.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func isDaemonRunning() (bool, int) {
	pid, err := readPidFile()
	if err != nil {
		return false, 0
	}
	return isProcessRunning(pid), pid
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if running, pid := isDaemonRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if daemonForegroundFlag {
		return runDaemonLoop(cfg)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("getting executable: %w", err)
	}
	childArgs := []string{"daemon", "start", "--foreground"}
	if configFlag != "" {
		abs, err := filepath.Abs(configFlag)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		childArgs = append(childArgs, "--config", abs)
	}
	child := exec.Command(executable, childArgs...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

func runDaemonLoop(cfg *config.Config) error {
	if err := initLogging(cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("daemon")

	if err := writePidFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer func() { _ = os.Remove(pidFilePath()) }()

	log.Info("daemon starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	trail, err := audit.Open(cfg.ExpandedAuditDir())
	if err != nil {
		return err
	}
	defer func() { _ = trail.Close() }()
	opts := []orchestrator.Option{orchestrator.WithEventHandler(trail.Observe)}

	if cfg.Telemetry.NATSURL != "" {
		pub, err := notify.Connect(cfg.Telemetry.NATSURL, cfg.Telemetry.NATSSubject)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		opts = append(opts, orchestrator.WithEventHandler(pub.Observe))
		log.InfoCtx("publishing events", map[string]any{"url": cfg.Telemetry.NATSURL, "subject": cfg.Telemetry.NATSSubject})
	}

	a, err := newApp(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	n, err := a.store.FailInterruptedTasks(ctx, interruptedReason)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WarnCtx("failed interrupted tasks", map[string]any{"count": n})
	}

	if path := configFilePath(); path != "" {
		err := config.Watch(path, func(c *config.Config) {
			if err := logging.SetLevel(c.Logging.Level); err != nil {
				log.WarnCtx("config reload", map[string]any{"error": err.Error()})
				return
			}
			log.InfoCtx("config reloaded", map[string]any{"path": path, "log_level": c.Logging.Level})
		}, func(err error) {
			log.WarnCtx("ignoring invalid config change", map[string]any{"path": path, "error": err.Error()})
		})
		if err != nil {
			log.WarnCtx("config watch disabled", map[string]any{"error": err.Error()})
		}
	}

	if cfg.Telemetry.MetricsAddr != "" {
		srv := telemetry.NewServer(cfg.Telemetry.MetricsAddr, a.metrics)
		srv.Handle("POST /webhooks/sendgrid", a.email.WebhookHandler())
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = srv.Shutdown(context.Background()) }()
		log.InfoCtx("telemetry listening", map[string]any{"addr": srv.Addr()})
	}

	sched, err := scheduler.NewFromConfig(&cfg.Schedule)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.AddJob(func(jobCtx context.Context) error {
		_, err := a.orch.RunAllAgents(jobCtx)
		return err
	})
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	log.InfoCtx("daemon running", map[string]any{
		"next_run": sched.NextRun().Format(time.RFC3339),
	})

	<-ctx.Done()

	sched.Stop()
	log.Info("daemon stopped")
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	running, pid := isDaemonRunning()
	if !running {
		_ = os.Remove(pidFilePath())
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "daemon not running")
		return nil
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	// An in-flight pass finishes before the daemon exits.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if !isProcessRunning(pid) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "daemon stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within 30s", pid)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	st := newStyles()

	running, pid := isDaemonRunning()
	if running {
		field(out, st, "Daemon", fmt.Sprintf("%s (pid %d)", st.Success.Render("running"), pid))
	} else {
		field(out, st, "Daemon", st.Muted.Render("stopped"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	schedule := "interval " + cfg.Schedule.Interval
	if cfg.Schedule.Cron != "" {
		schedule = "cron " + cfg.Schedule.Cron
	}
	if w := cfg.Schedule.Window; w != nil {
		schedule += fmt.Sprintf(" (window %s-%s)", w.Start, w.End)
	}
	field(out, st, "Schedule", schedule)

	database, s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()
	counts, err := s.CountAgents(cmd.Context())
	if err != nil {
		return err
	}
	field(out, st, "Agents", counts.Total)
	for _, status := range slices.Sorted(maps.Keys(counts.ByStatus)) {
		field(out, st, "  "+string(status), counts.ByStatus[status])
	}
	return nil
}
