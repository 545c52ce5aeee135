// Worker drives a single issue through the PR-lifecycle state machine
// (SPEC_FULL.md §4.3) to completion, blocking, or failure, then exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/foundry-ci/foundry/codegen"
	"github.com/foundry-ci/foundry/issuesource"
	"github.com/foundry-ci/foundry/provider"
	"github.com/foundry-ci/foundry/rag"
	"github.com/foundry-ci/foundry/status"
	"github.com/foundry-ci/foundry/storage/sqlite"
	"github.com/foundry-ci/foundry/vcs"
	"github.com/foundry-ci/foundry/worker"
)

var (
	flagRepoOwner    string
	flagRepoName     string
	flagIssueID      int
	flagBaseDir      string
	flagWorktreeBase string
	flagStatusDir    string
	flagNotifyFile   string
	flagMaxRetries   int
	flagCodegenMode  string
	flagRAGEnabled   bool
	flagCodegenBin   string
	flagDefaultBranch string
	flagTriageDBPath  string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Drives a single issue through the PR-lifecycle state machine",
	}
	root.PersistentFlags().StringVar(&flagRepoOwner, "repo-owner", "", "forge repository owner")
	root.PersistentFlags().StringVar(&flagRepoName, "repo-name", "", "forge repository name")
	root.PersistentFlags().IntVar(&flagIssueID, "issue", 0, "issue id this worker owns")
	root.PersistentFlags().StringVar(&flagBaseDir, "base-dir", ".", "repository checkout root")
	root.PersistentFlags().StringVar(&flagWorktreeBase, "worktree-base-dir", "worktrees", "directory under which per-issue worktrees live")
	root.PersistentFlags().StringVar(&flagStatusDir, "status-dir", "status", "directory for worker-*.json status files")
	root.PersistentFlags().StringVar(&flagNotifyFile, "notification-file", "notifications.jsonl", "notification journal path")
	root.PersistentFlags().IntVar(&flagMaxRetries, "max-retries", 3, "outer review/CI/merge retry budget")
	root.PersistentFlags().StringVar(&flagCodegenMode, "codegen-mode", "cli", "cli|api")
	root.PersistentFlags().BoolVar(&flagRAGEnabled, "rag-enabled", false, "enrich prompts with retrieved file excerpts")
	root.PersistentFlags().StringVar(&flagCodegenBin, "codegen-binary", "", "path to the CLI code-generation tool (cli mode only)")
	root.PersistentFlags().StringVar(&flagDefaultBranch, "default-branch", "main", "integration branch")
	root.PersistentFlags().StringVar(&flagTriageDBPath, "triage-db-path", "", "SQLite database shared with the supervisor's IssueTriageCache, used here to record every codegen invocation (default: no audit trail)")

	root.AddCommand(runCmd(), statusCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return lastExitCode
}

// lastExitCode lets runCmd communicate the worker state machine's exit code
// back through cobra's Execute(), which only reports error/no-error.
var lastExitCode int

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker state machine for --issue to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			lastExitCode = runWorker(cmd.Context())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current status snapshot for --issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := status.NewStore(flagStatusDir, flagNotifyFile, "")
			if err != nil {
				return err
			}
			snap, err := store.ReadWorker(flagIssueID)
			if err != nil {
				return err
			}
			fmt.Printf("issue #%d phase=%s retries=%d main_branch_verified=%v\n",
				snap.IssueNumber, snap.Phase, snap.RetryCount, snap.MainBranchVerified)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every worker status snapshot in --status-dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := status.NewStore(flagStatusDir, flagNotifyFile, "")
			if err != nil {
				return err
			}
			infos, err := store.ListWorkerSnapshots()
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("issue #%d animation=%v mtime=%d\n", info.IssueID, info.Animation, info.ModTime)
			}
			return nil
		},
	}
}

func runWorker(parent context.Context) int {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "worker", "issue_id", flagIssueID)

	if flagIssueID == 0 || flagRepoOwner == "" || flagRepoName == "" {
		log.Error("missing required flags: --issue, --repo-owner, --repo-name")
		return 1
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := worker.DefaultConfig(flagRepoOwner, flagRepoName, flagIssueID)
	cfg.BaseDir = flagBaseDir
	cfg.WorktreeBase = flagWorktreeBase
	cfg.StatusDir = flagStatusDir
	cfg.NotificationFile = flagNotifyFile
	cfg.MaxRetries = flagMaxRetries
	cfg.CodegenMode = flagCodegenMode
	cfg.RAGEnabled = flagRAGEnabled

	store, err := status.NewStore(flagStatusDir, flagNotifyFile, "")
	if err != nil {
		log.Error("open status store failed", "error", err)
		return 1
	}

	token := os.Getenv("FORGE_ACCESS_TOKEN")
	issues := issuesource.NewRESTClient("https://api.example-forge.invalid", flagRepoOwner, flagRepoName, token)

	vcsDrv := vcs.NewGitDriver(flagBaseDir, flagWorktreeBase, flagDefaultBranch)

	drv, err := buildCodegenDriver(log)
	if err != nil {
		log.Error("build codegen driver failed", "error", err)
		return 1
	}

	rt := worker.NewRuntime(cfg, issues, drv, vcsDrv, store, log)

	if flagTriageDBPath != "" {
		db, err := sqlite.Open(flagTriageDBPath)
		if err != nil {
			log.Warn("open audit db failed, continuing without an audit trail", "error", err)
		} else {
			defer db.Close()
			rt = rt.WithAuditTrail(sqlite.NewAuditTrail(db))
		}
	}

	if cfg.RAGEnabled {
		worktreePath := filepath.Join(flagWorktreeBase, fmt.Sprintf("issue-%d", flagIssueID))
		rt = rt.WithRetriever(buildRetriever(ctx, worktreePath, log))
	}

	start := time.Now()
	code := rt.Run(ctx)
	log.Info("worker finished", "exit_code", code, "duration", time.Since(start))
	return code
}

func buildCodegenDriver(log *slog.Logger) (codegen.Driver, error) {
	switch flagCodegenMode {
	case "api":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		prov, err := provider.New(provider.Config{Kind: provider.KindAnthropic, APIKey: apiKey})
		if err != nil {
			return nil, err
		}
		return codegen.NewAPIDriver(apiKey, anthropic.Model("claude-sonnet-4-20250514"), prov), nil
	default:
		return codegen.NewSpawner(flagCodegenBin, 30*time.Minute, ""), nil
	}
}

// buildRetriever indexes the worker's working tree and embeds every chunk
// up front, so enterImplementing's enrichWithRAG call only ever does a
// TopK lookup against an already-populated Store. Indexing/embedding
// failures are logged and left as an empty Store: RAG enrichment is
// optional prompt-shaping, never a blocking step.
func buildRetriever(ctx context.Context, workdir string, log *slog.Logger) *rag.Retriever {
	store := rag.NewStore()

	apiKey := os.Getenv("OPENAI_API_KEY")
	prov, err := provider.New(provider.Config{Kind: provider.KindOpenAI, APIKey: apiKey})
	if err != nil {
		log.Warn("rag provider unavailable, disabling enrichment", "error", err)
		return rag.NewRetriever(store, rag.NewEmbedder(nil))
	}
	embedder := rag.NewEmbedder(prov)

	chunks, err := rag.NewIndexer(filepath.Clean(workdir)).Index(ctx)
	if err != nil {
		log.Warn("rag index build failed, disabling enrichment", "error", err)
		return rag.NewRetriever(store, embedder)
	}

	vecs, err := embedder.EmbedChunks(ctx, chunksToTexts(chunks))
	if err != nil {
		log.Warn("rag embedding failed, disabling enrichment", "error", err)
		return rag.NewRetriever(store, embedder)
	}
	store.Add(chunks, vecs)
	return rag.NewRetriever(store, embedder)
}

func chunksToTexts(chunks []rag.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return texts
}
