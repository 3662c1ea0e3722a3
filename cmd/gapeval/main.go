// Command gapeval evaluates compliance controls against an organization's
// policies and a framework's knowledge base, recording gaps with an audit trace.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"gapeval/internal/api"
	"gapeval/internal/config"
	"gapeval/internal/domain"
	"gapeval/internal/indexer"
	"gapeval/internal/logging"
	"gapeval/internal/store"
	"gapeval/internal/tui"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "gapeval"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if domain.IsConfiguration(err) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func rootCmd() *cobra.Command {
	var g globalFlags
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Compliance gap evaluation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `gapeval decides, per control, whether a company's approved policies satisfy
the control. Evidence is retrieved by similarity from the policy index and the
framework's knowledge base, a judgment service grades coverage, and a
deterministic decision engine produces COMPLIANT or GAP with a full trace.`,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML config (default ./gapeval.yaml or ~/.config/gapeval/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format override (text, json)")

	cmd.AddCommand(
		evaluateCmd(&g),
		evaluateFrameworkCmd(&g),
		indexCmd(&g),
		reindexCmd(&g),
		searchCmd(&g),
		serveCmd(&g),
		seedCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func loadConfig(g *globalFlags) (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if g.configPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(g.configPath)
	}
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Errorf("load config: %w", err))
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	return cfg, nil
}

// withApp loads config, installs the logger, assembles the app and runs fn.
func withApp(cmd *cobra.Command, g *globalFlags, logOut io.Writer, warm bool, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := logging.New(logOut, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()
	if warm {
		if err := a.warm(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func evaluateCmd(g *globalFlags) *cobra.Command {
	var controlID, companyID int64
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one control for one company",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, os.Stderr, true, func(ctx context.Context, a *app) error {
				v, err := a.svc.EvaluateControl(ctx, controlID, companyID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
	cmd.Flags().Int64Var(&controlID, "control", 0, "Control id")
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company id")
	_ = cmd.MarkFlagRequired("control")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func evaluateFrameworkCmd(g *globalFlags) *cobra.Command {
	var frameworkID, companyID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "evaluate-framework",
		Short: "Evaluate a company's selected controls of a framework",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, os.Stderr, true, func(ctx context.Context, a *app) error {
				res, err := a.svc.EvaluateFramework(ctx, frameworkID, companyID, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Int64Var(&frameworkID, "framework", 0, "Framework id")
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Evaluate at most this many controls (0 = all)")
	_ = cmd.MarkFlagRequired("framework")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func indexCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index policies, knowledge-base documents or raw files",
	}

	var policyID int64
	policy := &cobra.Command{
		Use:   "policy",
		Short: "Index one policy from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, os.Stderr, false, func(ctx context.Context, a *app) error {
				res, err := a.svc.IndexPolicy(ctx, policyID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	policy.Flags().Int64Var(&policyID, "id", 0, "Policy id")
	_ = policy.MarkFlagRequired("id")

	var (
		frameworkID int64
		title       string
		version     string
		kbFile      string
	)
	kb := &cobra.Command{
		Use:   "kb",
		Short: "Record and index a knowledge-base document for a framework",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(kbFile)
			if err != nil {
				return err
			}
			return withApp(cmd, g, os.Stderr, false, func(ctx context.Context, a *app) error {
				doc, res, err := a.svc.IndexKnowledgeBase(ctx, frameworkID, title, version, string(text))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"document": doc, "result": res})
			})
		},
	}
	kb.Flags().Int64Var(&frameworkID, "framework", 0, "Framework id")
	kb.Flags().StringVar(&title, "title", "", "Document title")
	kb.Flags().StringVar(&version, "version", "", "Document version")
	kb.Flags().StringVar(&kbFile, "file", "", "Path to the document text")
	for _, f := range []string{"framework", "title", "file"} {
		_ = kb.MarkFlagRequired(f)
	}

	var (
		docID     string
		kind      string
		namespace string
	)
	file := &cobra.Command{
		Use:   "file <path>",
		Short: "Index a raw text file under an explicit document id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, os.Stderr, false, func(ctx context.Context, a *app) error {
				res, err := a.svc.IndexDocument(ctx, indexer.Request{
					DocumentID: docID,
					Kind:       domain.SourceKind(kind),
					Text:       string(text),
					Namespace:  namespace,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	file.Flags().StringVar(&docID, "id", "", "Document id")
	file.Flags().StringVar(&kind, "kind", string(domain.SourcePolicy), "Source kind (policy or kb)")
	file.Flags().StringVar(&namespace, "namespace", "", "Vector index namespace (default partition when empty)")
	_ = file.MarkFlagRequired("id")

	cmd.AddCommand(policy, kb, file)
	return cmd
}

func reindexCmd(g *globalFlags) *cobra.Command {
	var companyID int64
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Index every active policy of a company (all companies when omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, os.Stderr, false, func(ctx context.Context, a *app) error {
				res, err := a.svc.ReindexPolicies(ctx, companyID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company id (0 = all)")
	return cmd
}

func searchCmd(g *globalFlags) *cobra.Command {
	var scope tui.Scope
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Explore evidence interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Log lines would corrupt the terminal UI.
			return withApp(cmd, g, io.Discard, true, func(ctx context.Context, a *app) error {
				_, err := tea.NewProgram(tui.New(a.svc, scope), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&scope.CompanyID, "company", 0, "Company id")
	cmd.Flags().Int64Var(&scope.FrameworkID, "framework", 0, "Framework id")
	cmd.Flags().Int64Var(&scope.ControlID, "control", 0, "Restrict policy evidence to one control")
	cmd.Flags().IntVar(&scope.TopK, "top-k", 0, "Results per search (default from config)")
	_ = cmd.MarkFlagRequired("framework")
	return cmd
}

func serveCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, os.Stderr, true, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Server.Addr
				}
				srv := &http.Server{
					Addr: addr,
					Handler: api.NewServer(a.svc, a.store,
						api.WithMetricsHandler(a.metrics.Handler()), api.WithLogger(a.logger)).Router(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					a.logger.Info("http server listening", "addr", addr)
					errCh <- srv.ListenAndServe()
				}()
				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				a.logger.Info("shutting down http server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func seedCmd(g *globalFlags) *cobra.Command {
	var noIndex bool
	cmd := &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load frameworks, controls, policies and knowledge base from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := store.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, g, os.Stderr, false, func(ctx context.Context, a *app) error {
				kbDocs, err := a.store.Seed(ctx, sf)
				if err != nil {
					return err
				}
				summary := map[string]any{
					"frameworks":     len(sf.Frameworks),
					"policies":       len(sf.Policies),
					"kb_documents":   len(kbDocs),
					"indexed_chunks": 0,
				}
				if noIndex {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				res, err := a.svc.ReindexPolicies(ctx, 0)
				if err != nil {
					return err
				}
				chunks := res.Chunks
				for _, doc := range kbDocs {
					r, err := a.svc.IndexKnowledgeBaseDocument(ctx, doc)
					if err != nil {
						return err
					}
					chunks += r.ChunksIndexed
				}
				summary["indexed_chunks"] = chunks
				return printJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "Only write the store, skip vector indexing")
	return cmd
}
