// Command sitefeed resolves site configuration and feeds from the command line,
// or serves the same-origin proxy for mediated clients.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/theplant/sitefeed"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg    sitefeed.Config
	logger *slog.Logger
	svc    *sitefeed.Service
	close  func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var mediated bool

	root := &cobra.Command{
		Use:          "sitefeed",
		Short:        "Resolve site configuration and personalized feeds",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sitefeed.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mediated") {
				cfg.Mediated = mediated
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.cfg = cfg
			cmd.SetContext(sitefeed.WithExecutionContext(cmd.Context(), cfg.ExecutionContext()))
			a.logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			a.svc, a.close, err = sitefeed.NewServiceFromConfig(cmd.Context(), cfg, a.logger)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.close == nil {
				return nil
			}
			return a.close()
		},
	}

	root.PersistentFlags().BoolVar(&mediated, "mediated", false,
		"call the upstream through the public proxy (overrides SITEFEED_MEDIATED)")
	root.AddCommand(a.siteCmd(), a.feedCmd(), a.channelsCmd(), a.serveCmd())
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) siteCmd() *cobra.Command {
	var opts sitefeed.SiteConfigOptions
	cmd := &cobra.Command{
		Use:   "site <site-id>",
		Short: "Print the configuration of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), a.svc.GetSiteConfig(cmd.Context(), args[0], opts))
		},
	}
	cmd.Flags().BoolVar(&opts.ForceRefresh, "force-refresh", false, "skip the fresh cache tier")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "live fetch timeout (0 picks the default)")
	return cmd
}

func (a *app) feedCmd() *cobra.Command {
	var opts sitefeed.FeedOptions
	var headlines bool
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Print one page of the feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if headlines {
				return printJSON(cmd.OutOrStdout(), a.svc.GetHeadlines(cmd.Context(), sitefeed.HeadlineOptions{
					Size:     opts.Size,
					Channels: opts.Channels,
					Hours:    opts.Hours,
				}))
			}
			return printJSON(cmd.OutOrStdout(), a.svc.GetFeed(cmd.Context(), opts))
		},
	}
	cmd.Flags().IntVar(&opts.Size, "size", sitefeed.DefaultFeedSize, "page size")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "sort order")
	cmd.Flags().StringSliceVar(&opts.Channels, "channels", nil, "channels (empty picks them by confidence)")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "cursor of the page to fetch")
	cmd.Flags().IntVar(&opts.Hours, "hours", 0, "look-back window in hours")
	cmd.Flags().Float64Var(&opts.Confidence, "confidence", 0, "personalization confidence in [0,1]")
	cmd.Flags().BoolVar(&headlines, "headlines", false, "print headlines instead of the feed")
	return cmd
}

func (a *app) channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels <confidence>",
		Short: "Print the feed strategy for a confidence score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confidence, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return errors.Wrapf(err, "invalid confidence %q", args[0])
			}
			return printJSON(cmd.OutOrStdout(), a.svc.GetPersonalizedChannels(cmd.Context(), confidence))
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the same-origin proxy and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/", sitefeed.NewProxyHandler(a.svc, a.cfg.ProxyPrefix, a.logger))

			srv := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.InfoContext(ctx, "serving proxy", "addr", a.cfg.ListenAddr, "prefix", a.cfg.ProxyPrefix)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return errors.Wrap(err, "proxy server failed")
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errors.Wrap(err, "failed to shut down proxy server")
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "proxy stopped")
			return nil
		},
	}
}
