package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"anima/config"
	"anima/internal/agent/core"
	"anima/internal/agent/telemetry"
	"anima/internal/agent/tools"
	"anima/internal/artifacts"
	"anima/internal/executor"
	"anima/internal/memory"
	"anima/internal/memory/embedding"
	"anima/internal/server"
	"anima/internal/store"
)

// version is set at build time.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "anima",
		Short: "Personal AI assistant with a plan-execute-verify loop and semantic memory",
	}
	root.AddCommand(serveCMD(), chatCMD(), migrateCMD(), memoryCMD(), versionCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps bundles everything a running assistant needs beyond the store.
type deps struct {
	agent *core.Agent
	mem   *memory.Service
	art   *artifacts.Manager
	tele  *telemetry.Telemetry
}

func buildDeps(ctx context.Context, cfg *config.Config, st *store.Store) (*deps, error) {
	tele := telemetry.NewTelemetry(cfg.Telemetry)

	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("building llm provider: %w", err)
	}
	embedder, err := embedding.NewOpenAI(cfg.Embedding, cfg.LLM.APIKey)
	if err != nil {
		return nil, fmt.Errorf("building embedding provider: %w", err)
	}
	mem, err := memory.NewService(ctx, cfg.Memory, st, embedder, tele)
	if err != nil {
		return nil, fmt.Errorf("starting memory service: %w", err)
	}
	art, err := artifacts.NewManager(cfg.General.ArtifactsDir, st)
	if err != nil {
		return nil, fmt.Errorf("starting artifact manager: %w", err)
	}

	web, err := tools.NewWebSearch(cfg.Tools.WebSearch)
	if err != nil {
		return nil, fmt.Errorf("building web search adapter: %w", err)
	}
	registry, err := tools.NewRegistry([]tools.Adapter{
		web,
		tools.NewPython(cfg.Tools.Python),
		tools.NewShell(cfg.Tools.Shell),
		tools.NewDataProcessing(cfg, llm),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("building tool registry: %w", err)
	}
	runner := executor.New(registry, executor.WithTelemetry(tele))

	return &deps{
		agent: core.NewAgent(cfg, llm, runner, mem, art, tele),
		mem:   mem,
		art:   art,
		tele:  tele,
	}, nil
}

func (d *deps) close() {
	d.tele.Shutdown()
	if err := d.mem.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing memory service: %v\n", err)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg.Memory.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := buildDeps(ctx, cfg, st)
			if err != nil {
				return err
			}
			defer d.close()

			srv := server.New(cfg, st, d.agent, d.mem, d.art, d.tele)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.Start)
			g.Go(func() error {
				if err := d.mem.RunMaintenance(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

func chatCMD() *cobra.Command {
	var cfgPath string
	var user string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg.Memory.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			d, err := buildDeps(ctx, cfg, st)
			if err != nil {
				return err
			}
			defer d.close()

			sink := core.EventSinkFunc(func(ev core.Event) {
				switch ev.Type {
				case core.EventPlan:
					fmt.Printf("  [plan] %d step(s)\n", ev.Total)
				case core.EventStepStarted:
					fmt.Printf("  [step %d/%d] %s: %s\n", ev.Step, ev.Total, ev.Tool, ev.Message)
				case core.EventStepRetry:
					fmt.Printf("  [repair %d] %s\n", ev.Attempt, ev.Message)
				case core.EventStepFailed:
					fmt.Printf("  [failed] %s\n", ev.Message)
				case core.EventStepCompleted:
					fmt.Printf("  [done %d/%d]\n", ev.Step, ev.Total)
				}
			})

			fmt.Printf("anima %s ready. Type a message, or \"exit\" to quit.\n", version)
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					break
				}
				result, err := d.agent.ProcessTurn(ctx, user, line, sink)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				fmt.Printf("\n%s\n\n", result.Response)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&user, "user", "local", "user id recorded on stored interactions")
	return cmd
}

func migrateCMD() *cobra.Command {
	var cfgPath, direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if direction != "up" && direction != "down" {
				return fmt.Errorf("direction must be up or down, got %q", direction)
			}
			st, err := store.Open(context.Background(), cfg.Memory.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(direction, steps); err != nil {
				return err
			}
			fmt.Printf("migrations %s complete\n", direction)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

func memoryCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain semantic memory",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")

	// withMemory opens the store and memory service, runs fn, then persists
	// the index on the way out.
	withMemory := func(fn func(ctx context.Context, svc *memory.Service) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Memory.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()
			embedder, err := embedding.NewOpenAI(cfg.Embedding, cfg.LLM.APIKey)
			if err != nil {
				return err
			}
			svc, err := memory.NewService(ctx, cfg.Memory, st, embedder, nil)
			if err != nil {
				return err
			}
			if err := fn(ctx, svc); err != nil {
				return err
			}
			return svc.Close()
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show interaction counts and index size",
			RunE: withMemory(func(ctx context.Context, svc *memory.Service) error {
				stats, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			}),
		},
		&cobra.Command{
			Use:   "cleanup",
			Short: "Delete expired low-importance interactions",
			RunE: withMemory(func(ctx context.Context, svc *memory.Service) error {
				deleted, err := svc.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("removed %d interaction(s)\n", deleted)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check store and index integrity",
			RunE: withMemory(func(ctx context.Context, svc *memory.Service) error {
				report, err := svc.ValidateIntegrity(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Healthy {
					return fmt.Errorf("memory integrity issues: %s", strings.Join(report.Issues, "; "))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "rebuild",
			Short: "Rebuild the vector index from the store",
			RunE: withMemory(func(ctx context.Context, svc *memory.Service) error {
				if err := svc.Rebuild(ctx); err != nil {
					return err
				}
				fmt.Println("vector index rebuilt")
				return nil
			}),
		},
	)
	return cmd
}

func versionCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("anima " + version)
		},
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
