package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-docwizard"
	"github.com/goliatone/go-docwizard/pkg/config"
	"github.com/goliatone/go-docwizard/pkg/httpapi"
	"github.com/goliatone/go-docwizard/pkg/orchestrator"
	"github.com/goliatone/go-docwizard/pkg/wizard"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "docwizard",
		Short: "Guided generation of administrative documents",
		Long: `docwizard walks a user through a catalog of document templates,
validates the collected fields and delegates rendering, PDF conversion
and email delivery to remote webhooks.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./docwizard.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text or json)")
	flags.String("catalog-path", "", "directory holding catalog documents (default is the embedded catalog)")
	flags.String("webhook-url", "", "document generation endpoint")
	flags.String("webhook-pdf-convert-url", "", "PDF conversion endpoint")
	flags.String("webhook-email-url", "", "email delivery endpoint")
	flags.String("tracking-url", "", "usage tracking endpoint")
	flags.String("user-email", "", "email of the person generating documents")
	flags.String("user-name", "", "name of the person generating documents")

	load := func(cmd *cobra.Command) (config.Config, error) {
		return config.Load(config.Options{File: cfgFile, Flags: cmd.Flags()})
	}

	root.AddCommand(newServeCmd(load), newRunCmd(load), newTemplatesCmd(load))
	return root
}

type loadFunc func(*cobra.Command) (config.Config, error)

func newServeCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve wizard sessions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireServices(); err != nil {
				return err
			}
			logger := cfg.Logger(cmd.ErrOrStderr())

			engine, err := docwizard.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			api := httpapi.New(engine.Orchestrator,
				httpapi.WithLogger(logger),
				httpapi.WithSessionTTL(cfg.SessionTTL),
				httpapi.WithMetricsHandler(engine.Metrics.Handler()),
				httpapi.WithSessionObserver(engine.Metrics),
				httpapi.WithSessionOptions(orchestrator.WithUser(cfg.UserEmail, cfg.UserName)),
			)

			server := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", cfg.ListenAddr)
				errCh <- server.ListenAndServe()
			}()

			ctx := cmd.Context()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("listen-addr", "", "address to listen on (default :8080)")
	cmd.Flags().Duration("session-ttl", 0, "idle time before a session is dropped (default 2h)")
	return cmd
}

func newRunCmd(load loadFunc) *cobra.Command {
	var (
		template string
		outDir   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fill a document interactively in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireServices(); err != nil {
				return err
			}
			logger := cfg.Logger(cmd.ErrOrStderr())

			engine, err := docwizard.NewEngine(cfg, logger)
			if err != nil {
				return err
			}
			session := engine.Orchestrator.NewSession(orchestrator.WithUser(cfg.UserEmail, cfg.UserName))
			runner := wizard.New(session,
				wizard.WithDriver(wizard.NewSurveyDriver(cmd.OutOrStdout())),
				wizard.WithLogger(logger),
				wizard.WithOutputDir(outDir),
				wizard.WithTemplate(template),
			)

			err = runner.Run(cmd.Context(), engine.Orchestrator.Registry())
			if errors.Is(err, wizard.ErrAborted) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "template id to fill (prompted when empty)")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory downloads are written to")
	return cmd
}

func newTemplatesCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the templates of the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			reg, err := docwizard.LoadRegistry(cfg.CatalogPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTEPS")
			for _, tpl := range reg.Templates() {
				fmt.Fprintf(w, "%s\t%s\t%d\n", tpl.ID, tpl.Title, len(tpl.Steps))
			}
			return w.Flush()
		},
	}
}
