package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foundry-works/drover/cmd"
	"github.com/foundry-works/drover/config"
	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/detector"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/health"
	"github.com/foundry-works/drover/history"
	"github.com/foundry-works/drover/log"
	dmcp "github.com/foundry-works/drover/mcp"
	"github.com/foundry-works/drover/orchestrator"
	"github.com/foundry-works/drover/registry"
	"github.com/foundry-works/drover/report"
	"github.com/foundry-works/drover/session/git"
	"github.com/foundry-works/drover/session/tmux"
)

var (
	version = "1.0.0"

	programFlag string
	agentsFlag  int
	jsonFlag    bool
	workerFlag  string

	rootCmd = &cobra.Command{
		Use:   "drover",
		Short: "Drover - a worker pool that herds coding agents through a repository's backlog",
		RunE: func(c *cobra.Command, args []string) error {
			return c.Help()
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Detect work, start the worker pool, and supervise it until the backlog drains",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			return runPool()
		},
	}

	detectCmd = &cobra.Command{
		Use:   "detect",
		Short: "Run the problem probes once and load findings into the backlog",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			env, err := newEnv()
			if err != nil {
				return err
			}
			det := detector.New(env.profile, env.repoRoot)
			findings := det.DetectWork()
			added, err := env.dist.LoadWork(findings)
			if err != nil {
				return fmt.Errorf("failed to load work: %w", err)
			}

			counts := map[distributor.Category]int{}
			for _, f := range findings {
				counts[f.Category]++
			}
			fmt.Printf("detected %d findings (%d new items)\n", len(findings), added)
			for cat, n := range counts {
				fmt.Printf("  %-12s %d\n", cat, n)
			}
			// Size from the deduplicated backlog, not the raw finding count.
			stats, err := env.dist.Statistics()
			if err != nil {
				return fmt.Errorf("failed to read work statistics: %w", err)
			}
			suggested := detector.SuggestedForBacklog(stats, env.cfg.MaxAgents)
			fmt.Printf("suggested workers: %d\n", suggested)
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show backlog statistics and recorded completions",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			env, err := newEnv()
			if err != nil {
				return err
			}
			stats, err := env.dist.Statistics()
			if err != nil {
				return fmt.Errorf("failed to read work statistics: %w", err)
			}
			doc, err := env.coord.Snapshot()
			if err != nil {
				return fmt.Errorf("failed to read registry: %w", err)
			}

			var lifetimeOK, lifetimeFailed int
			if hist, err := history.Open(env.stateDir); err == nil {
				lifetimeOK, lifetimeFailed, _ = hist.Counts()
				hist.Close()
			}

			if jsonFlag {
				out, err := json.MarshalIndent(map[string]any{
					"stats":    stats,
					"registry": doc,
					"lifetime": map[string]int{
						"succeeded": lifetimeOK,
						"failed":    lifetimeFailed,
					},
				}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			// No live pool in this process; the report covers the durable state.
			mon := health.New(emptyPool{}, nil, health.DefaultOptions())
			fmt.Print(report.Render(mon.BuildSnapshot(), stats))
			fmt.Printf("\nactive claims: %d, held locks: %d, completions recorded: %d\n",
				len(doc.Active), len(doc.Locks), len(doc.Completed))
			fmt.Printf("lifetime: %d succeeded, %d failed\n", lifetimeOK, lifetimeFailed)
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Drop all work items, claims, and locks, and kill leftover worker sessions",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			env, err := newEnv()
			if err != nil {
				return err
			}
			if err := env.dist.Reset(); err != nil {
				return fmt.Errorf("failed to reset work items: %w", err)
			}
			if err := env.reg.Reset(); err != nil {
				return fmt.Errorf("failed to reset registry: %w", err)
			}
			fmt.Println("Work registry has been reset")

			if err := tmux.CleanupSessions(cmd.MakeExecutor()); err != nil {
				return fmt.Errorf("failed to cleanup tmux sessions: %w", err)
			}
			fmt.Println("Tmux sessions have been cleaned up")
			return nil
		},
	}

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the coordination tools over MCP stdio for one worker session",
		RunE: func(c *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			workerID := workerFlag
			if workerID == "" {
				workerID = os.Getenv("DROVER_WORKER_ID")
			}
			if workerID == "" {
				return fmt.Errorf("worker id required: pass --worker or set DROVER_WORKER_ID")
			}

			env, err := newEnv()
			if err != nil {
				return err
			}
			return dmcp.NewServer(env.coord, env.dist, workerID).Serve()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of drover",
		Run: func(c *cobra.Command, args []string) {
			fmt.Printf("drover version %s\n", version)
		},
	}
)

// env bundles the durable collaborators every command needs.
type env struct {
	cfg      *config.Config
	repoRoot string
	stateDir string
	profile  *config.Profile
	reg      *registry.Registry
	coord    *coordination.Coordinator
	dist     *distributor.Distributor
}

func newEnv() (*env, error) {
	currentDir, err := filepath.Abs(".")
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	repoRoot, err := git.FindGitRepoRoot(currentDir)
	if err != nil {
		return nil, fmt.Errorf("error: drover must be run from within a git repository")
	}

	stateDir := config.ProjectDir(repoRoot)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	cfg := config.LoadConfig()
	profile, err := config.LoadProfile(repoRoot)
	if err != nil {
		return nil, err
	}

	reg := registry.New(stateDir)
	coord := coordination.New(reg)
	dist := distributor.New(stateDir, coord, distributor.DefaultOptions())

	return &env{
		cfg:      cfg,
		repoRoot: repoRoot,
		stateDir: stateDir,
		profile:  profile,
		reg:      reg,
		coord:    coord,
		dist:     dist,
	}, nil
}

// emptyPool satisfies health.StatusSource for out-of-process status reports.
type emptyPool struct{}

func (emptyPool) Workers() []orchestrator.WorkerStatus { return nil }

func runPool() error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	cfg := env.cfg
	if programFlag != "" {
		cfg.DefaultProgram = programFlag
	}

	hist, err := history.Open(env.stateDir)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer hist.Close()
	env.dist.SetRecorder(func(item distributor.WorkItem, workerID string) {
		if err := hist.Record(history.Entry{
			ItemID:      item.ID,
			WorkerID:    workerID,
			Category:    string(item.Category),
			Description: item.Description,
			Outcome:     string(item.Status),
		}); err != nil {
			log.WarningLog.Printf("failed to record history entry: %v", err)
		}
	})

	// Workers launched before any chunk is assigned wait for their first
	// prompt instead of inventing work.
	instruction := strings.ReplaceAll(env.profile.InitialInstruction,
		"{{CHUNK}}", "No items assigned yet. Wait for your first assignment.")

	orch := orchestrator.New(cfg, nil, env.coord, env.dist, env.repoRoot, instruction)
	det := detector.New(env.profile, env.repoRoot)
	loop := detector.NewLoop(cfg, det, env.dist, orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agents := cfg.DefaultAgents
	if agentsFlag > 0 {
		agents = agentsFlag
	}
	if agents > cfg.MaxAgents {
		agents = cfg.MaxAgents
	}
	if cfg.AutoStart && agents > 0 {
		started := orch.Start(agents)
		fmt.Printf("started %d of %d workers\n", started, agents)
	}

	orch.StartMonitor(ctx)

	mon := health.New(orch, orch, health.DefaultOptions())
	go mon.Run(ctx)

	// Drain the worker event stream: record it for the health snapshot and
	// surface the fatal kinds to the operator.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-orch.Events():
				mon.ObserveEvent(ev)
				switch ev.Type {
				case orchestrator.EventLaunchFailed:
					fmt.Printf("worker %s failed to launch: %s\n", ev.WorkerID, ev.Err)
				case orchestrator.EventRestartExhausted:
					fmt.Println(ev.Err)
				}
			}
		}
	}()

	if cfg.AutoDetectWork {
		go loop.Run(ctx)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		fmt.Printf("\nreceived %s, shutting down\n", s)
		cancel()
		orch.Stop()
	case <-loop.Done():
		// Auto-shutdown already stopped the pool.
		fmt.Println("backlog drained, pool stopped")
		cancel()
	}
	return nil
}

func main() {
	runCmd.Flags().StringVarP(&programFlag, "program", "p", "", "Program to run in each worker session (overrides config)")
	runCmd.Flags().IntVarP(&agentsFlag, "agents", "n", 0, "Number of workers to start (overrides config)")
	statusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print machine-readable JSON")
	mcpCmd.Flags().StringVar(&workerFlag, "worker", "", "Worker id this MCP server acts for")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
