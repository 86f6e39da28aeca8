package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cexll/agentcore/pkg/api"
	"github.com/cexll/agentcore/pkg/core/events"
	"github.com/cexll/agentcore/pkg/index"
	"github.com/cexll/agentcore/pkg/logging"
	"github.com/cexll/agentcore/pkg/telemetry"
)

type cli struct {
	projectRoot string
	debug       bool
	watch       bool
	metricsAddr string
	shell       bool
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "agentcore",
		Short:         "Run prompts through the agent orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.projectRoot, "project", ".", "Directory containing .agentcore/settings.yaml")
	root.PersistentFlags().BoolVarP(&c.debug, "debug", "d", false, "Debug logging")
	root.PersistentFlags().BoolVar(&c.watch, "watch", false, "Reload settings when they change")
	root.PersistentFlags().StringVar(&c.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	root.PersistentFlags().BoolVar(&c.shell, "shell-tool", false, "Offer the workspace bash tool to runners")

	root.AddCommand(c.runCommand(), c.indexCommand(), c.modesCommand())
	return root
}

// start builds the runtime with tracing and metrics from the flags and settings.
func (c *cli) start(ctx context.Context, opts api.Options) (*api.Runtime, func(), error) {
	logger := logging.New("agentcore")
	logger.SetDebug(c.debug)
	reg := prometheus.NewRegistry()

	opts.ProjectRoot = c.projectRoot
	opts.WatchSettings = c.watch
	opts.ShellTool = c.shell
	opts.Logger = logger
	opts.Registerer = reg
	rt, err := api.New(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	var closers []func(context.Context) error
	if s := rt.Settings(); s.Tracing != nil {
		shutdown, err := telemetry.Setup(ctx, *s.Tracing)
		if err != nil {
			_ = rt.Close()
			return nil, nil, err
		}
		closers = append(closers, shutdown)
	}
	if c.metricsAddr != "" {
		srv := &http.Server{
			Addr:              c.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server: %v", err)
			}
		}()
		closers = append(closers, srv.Shutdown)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, fn := range closers {
			if err := fn(shutdownCtx); err != nil {
				logger.Warn("shutdown: %v", err)
			}
		}
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime: %v", err)
		}
	}
	return rt, cleanup, nil
}

func (c *cli) runCommand() *cobra.Command {
	var req api.Request
	var stream bool
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one prompt",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Prompt == "" {
				req.Prompt = strings.Join(args, " ")
			}
			if strings.TrimSpace(req.Prompt) == "" {
				return errors.New("a prompt is required")
			}
			out := cmd.OutOrStdout()
			opts := api.Options{}
			if stream {
				req.Stream = true
				opts.OnEvent = func(evt *events.Event) { printEvent(out, evt) }
			}
			rt, cleanup, err := c.start(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer cleanup()

			resp, err := rt.Run(cmd.Context(), req)
			if errors.Is(err, context.Canceled) {
				rt.Stop(context.Background())
			}
			if err != nil {
				return err
			}
			if !stream {
				fmt.Fprintln(out, resp.Output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "Prompt text")
	cmd.Flags().StringVar(&req.Mode, "mode", "", "Execution mode: assistant, plan, step, workflow, openai, agent")
	cmd.Flags().StringVar(&req.Agent, "agent", "", "Agent provider id for agent mode")
	cmd.Flags().StringVarP(&req.Model, "model", "m", "", "Model id from settings")
	cmd.Flags().StringVar(&req.Index, "index", "", "Index offered through the retriever tool")
	cmd.Flags().StringSliceVar(&req.Experts, "expert", nil, "Expert provider consulted in workflow mode (repeatable)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print output as it is generated")
	return cmd
}

func printEvent(w io.Writer, evt *events.Event) {
	switch evt.Name {
	case events.RenderStreamAppend:
		if chunk, ok := evt.Data["chunk"].(string); ok {
			fmt.Fprint(w, chunk)
		}
	case events.RenderStreamEnd:
		fmt.Fprintln(w)
	case events.RenderToolUpdated:
		fmt.Fprintf(w, "\n[tool %v]\n", evt.Data["tool"])
	}
}

func (c *cli) indexCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "index", Short: "Manage vector indexes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <index> <file>...",
		Short: "Add text files to an index",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := c.start(cmd.Context(), api.Options{})
			if err != nil {
				return err
			}
			defer cleanup()
			store := rt.Index()
			if store == nil {
				return errors.New("no index configured in settings")
			}
			docs := make([]index.Document, 0, len(args)-1)
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				docs = append(docs, index.Document{
					ID:       filepath.Base(path),
					Content:  string(data),
					Metadata: map[string]string{"path": path},
				})
			}
			if err := store.Add(cmd.Context(), args[0], docs...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d documents\n", args[0], store.Count(args[0]))
			return nil
		},
	})
	return cmd
}

func (c *cli) modesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List runner modes and agent providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, cleanup, err := c.start(cmd.Context(), api.Options{})
			if err != nil {
				return err
			}
			defer cleanup()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "modes:", strings.Join(rt.Runner().Modes(), ", "))
			fmt.Fprintln(out, "agents:", strings.Join(rt.Bridge().Agents().IDs(), ", "))
			return nil
		},
	}
}
