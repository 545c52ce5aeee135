// Supervisor discovers eligible issues on a hosted code-forge, admits them
// against a worker-pool capacity limit, and observes their progress through
// the on-disk status protocol (SPEC_FULL.md §1/§4).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/foundry-ci/foundry/escalation"
	"github.com/foundry-ci/foundry/issuesource"
	"github.com/foundry-ci/foundry/pool"
	"github.com/foundry-ci/foundry/status"
	"github.com/foundry-ci/foundry/storage/sqlite"
	"github.com/foundry-ci/foundry/supervisor"
)

var (
	flagRepoOwner       string
	flagRepoName        string
	flagBaseDir         string
	flagWorktreeBase    string
	flagStatusDir       string
	flagEscalationFile  string
	flagMaxWorkers      int
	flagWorkerTimeoutH  int
	flagIssuePollSec    int
	flagWorkerPollSec   int
	flagNotifyOnBlock   bool
	flagNotifyOnMainErr bool
	flagTriageDBPath    string
	flagSlackWebhook    string
	flagWorkerBinary    string
	flagWorkerLogDir    string
	flagMetricsAddr     string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "supervisor",
		Short: "Polls issues, admits workers, and observes their progress",
	}
	root.PersistentFlags().StringVar(&flagRepoOwner, "repo-owner", "", "forge repository owner")
	root.PersistentFlags().StringVar(&flagRepoName, "repo-name", "", "forge repository name")
	root.PersistentFlags().StringVar(&flagBaseDir, "base-dir", ".", "repository checkout root")
	root.PersistentFlags().StringVar(&flagWorktreeBase, "worktree-base-dir", "worktrees", "directory under which per-issue worktrees live")
	root.PersistentFlags().StringVar(&flagStatusDir, "status-dir", "status", "directory for worker-*.json status files")
	root.PersistentFlags().StringVar(&flagEscalationFile, "escalation-file", "escalations.jsonl", "escalation journal path")
	root.PersistentFlags().IntVar(&flagMaxWorkers, "max-concurrent-workers", 3, "worker pool capacity")
	root.PersistentFlags().IntVar(&flagWorkerTimeoutH, "worker-timeout-hours", 4, "hard wall-clock worker timeout")
	root.PersistentFlags().IntVar(&flagIssuePollSec, "issue-poll-seconds", 60, "issue polling cadence")
	root.PersistentFlags().IntVar(&flagWorkerPollSec, "worker-poll-seconds", 30, "worker reconciliation cadence")
	root.PersistentFlags().BoolVar(&flagNotifyOnBlock, "notify-on-block", true, "echo blocked escalations to the configured notifier")
	root.PersistentFlags().BoolVar(&flagNotifyOnMainErr, "notify-on-main-failure", true, "echo post-merge-regression escalations to the configured notifier")
	root.PersistentFlags().StringVar(&flagTriageDBPath, "triage-db-path", "", "SQLite IssueTriageCache location (default <base-dir>/triage.db)")
	root.PersistentFlags().StringVar(&flagSlackWebhook, "slack-webhook-url", "", "Slack webhook/token for escalation notifications (env override ESCALATION_SLACK_WEBHOOK)")
	root.PersistentFlags().StringVar(&flagWorkerBinary, "worker-binary", "worker", "path to the worker binary to spawn")
	root.PersistentFlags().StringVar(&flagWorkerLogDir, "worker-log-dir", "", "directory to capture spawned worker stdout/stderr")
	root.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "listen address for the /metrics endpoint")

	root.AddCommand(runCmd(), statusCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func buildConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig(flagRepoOwner, flagRepoName)
	cfg.BaseDir = flagBaseDir
	cfg.WorktreeBaseDir = flagWorktreeBase
	cfg.StatusDir = flagStatusDir
	cfg.EscalationFile = flagEscalationFile
	cfg.MaxConcurrentWorkers = flagMaxWorkers
	cfg.WorkerTimeoutHours = flagWorkerTimeoutH
	cfg.IssuePollSeconds = flagIssuePollSec
	cfg.WorkerPollSeconds = flagWorkerPollSec
	cfg.NotifyOnBlock = flagNotifyOnBlock
	cfg.NotifyOnMainFailure = flagNotifyOnMainErr
	cfg.TriageDBPath = flagTriageDBPath
	cfg.SlackWebhookURL = flagSlackWebhook
	cfg.WorkerBinaryPath = flagWorkerBinary
	cfg.WorkerLogDir = flagWorkerLogDir
	cfg.ApplyEnvOverrides()
	return cfg
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor event loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd.Context())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a one-line summary of every tracked worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printProjection()
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every worker status snapshot in --status-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printProjection()
		},
	}
}

func printProjection() error {
	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := status.NewStore(cfg.StatusDir, "", cfg.EscalationFile)
	if err != nil {
		return err
	}
	infos, err := store.ListWorkerSnapshots()
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.Animation {
			snap, err := store.ReadAnimation(info.IssueID)
			if err != nil {
				continue
			}
			fmt.Printf("issue #%d phase=%s (animation) quality=%.1f\n", snap.IssueNumber, snap.Phase, snap.FinalQualityScore)
			continue
		}
		snap, err := store.ReadWorker(info.IssueID)
		if err != nil {
			continue
		}
		fmt.Printf("issue #%d phase=%s branch=%s retries=%d\n", snap.IssueNumber, snap.Phase, snap.Branch, snap.RetryCount)
	}
	return nil
}

func runSupervisor(parent context.Context) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "supervisor")

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	statusStore, err := status.NewStore(cfg.StatusDir, "", cfg.EscalationFile)
	if err != nil {
		return err
	}

	token := os.Getenv("FORGE_ACCESS_TOKEN")
	issues := issuesource.NewRESTClient("https://api.example-forge.invalid", cfg.RepoOwner, cfg.RepoName, token)

	spawn := pool.BinarySpawner(cfg.WorkerBinaryPath, func(issueID int) []string {
		return []string{
			"--repo-owner", cfg.RepoOwner,
			"--repo-name", cfg.RepoName,
			"--base-dir", cfg.BaseDir,
			"--worktree-base-dir", cfg.WorktreeBaseDir,
			"--status-dir", cfg.StatusDir,
			"--triage-db-path", cfg.TriageDBPath,
		}
	}, cfg.WorkerLogDir)

	p := pool.New(pool.Config{
		MaxConcurrentWorkers: cfg.MaxConcurrentWorkers,
		WorkerTimeout:        cfg.WorkerTimeout(),
	}, spawn, statusStore, log)

	notifier := buildNotifier(cfg)
	sink := escalation.New(statusStore, notifier, escalation.Config{
		NotifyOnBlock:       cfg.NotifyOnBlock,
		NotifyOnMainFailure: cfg.NotifyOnMainFailure,
	})

	var triage *sqlite.IssueTriageCache
	if cfg.TriageDBPath != "" {
		db, err := sqlite.Open(cfg.TriageDBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		triage = sqlite.NewIssueTriageCache(db)
	}

	reg := prometheus.NewRegistry()
	metrics := supervisor.NewMetrics(reg)
	serveMetrics(flagMetricsAddr, reg, log)

	sup := supervisor.New(cfg, issues, p, sink, triage, metrics, log)
	code := sup.Run(ctx)
	if code != 0 {
		return fmt.Errorf("supervisor exited with code %d", code)
	}
	return nil
}

func buildNotifier(cfg supervisor.Config) escalation.Notifier {
	if cfg.SlackWebhookURL == "" {
		return nil
	}
	return escalation.NewSlackNotifier(cfg.SlackWebhookURL, "#foundry-escalations")
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", supervisor.Handler(reg))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) { // #nosec G114 -- internal metrics endpoint, timeouts not security-relevant here
			log.Error("metrics server stopped", "error", err)
		}
	}()
}
