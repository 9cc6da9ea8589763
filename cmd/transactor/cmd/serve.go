// Copyright © 2025 Tessera Systems

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tessera-io/transactor/pkg/accounts"
	"github.com/tessera-io/transactor/pkg/model"
	"github.com/tessera-io/transactor/pkg/pipeline"
	"github.com/tessera-io/transactor/pkg/transactor"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Long: `Serve accepts websocket sessions on /ws and exposes prometheus
metrics on /metrics. Workspace pipelines persist documents through the
configured storage backends.`,
	Run: func(cmd *cobra.Command, args []string) {
		l := makeLogger()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		agg := makeAggregator(ctx, l)
		defer func() {
			if err := agg.Close(); err != nil {
				l.Warn("closing storage aggregator", zap.Error(err))
			}
		}()

		factory := pipeline.Factory(func(ctx context.Context, ws model.WorkspaceID, upgrade bool) (pipeline.Pipeline, error) {
			exists, err := agg.Exists(ctx, ws)
			if err != nil {
				return nil, err
			}
			if !exists {
				if err = agg.Make(ctx, ws); err != nil {
					return nil, err
				}
			}
			return pipeline.NewMemory(ws, agg), nil
		})

		reg := prometheus.NewRegistry()
		opts := []transactor.ManagerOption{
			transactor.WithLogger(l),
			transactor.WithRegistry(reg),
		}
		if params.root.secret != "" {
			opts = append(opts, transactor.WithSecret([]byte(params.root.secret)))
		}
		if params.serve.accountsURL != "" {
			opts = append(opts, transactor.WithAccounts(accounts.New(params.serve.accountsURL, accounts.WithLogger(l))))
		}
		if params.serve.modelVersion != "" {
			opts = append(opts, transactor.WithModelVersion(params.serve.modelVersion))
		}
		if params.serve.hangTimeout > 0 {
			opts = append(opts, transactor.WithHangTimeout(params.serve.hangTimeout))
		}
		if params.serve.softShutdownTicks > 0 {
			opts = append(opts, transactor.WithSoftShutdownTicks(params.serve.softShutdownTicks))
		}
		if budget := parseSize("chunk-budget", params.serve.chunkBudget, 0); budget > 0 {
			opts = append(opts, transactor.WithChunkByteBudget(int(budget)))
		}

		m := transactor.NewManager(factory, opts...)
		go m.Run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/ws", transactor.Handler(m))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		srv := &http.Server{
			Addr:              params.serve.listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutCancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				l.Warn("server shutdown", zap.Error(err))
			}
		}()

		l.Info("listening", zap.String("addr", params.serve.listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			wrapFatalln("server failed", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	fs := serveCmd.Flags()
	fs.StringVar(&params.serve.listen, "listen", ":8080", "listen address")
	fs.StringVar(&params.serve.accountsURL, "accounts-url", "", "accounts service endpoint, empty to trust token claims")
	fs.StringVar(&params.serve.modelVersion, "model-version", "", "data model version clients must match")
	fs.DurationVar(&params.serve.hangTimeout, "hang-timeout", 0, "idle time before a session counts as hung")
	fs.IntVar(&params.serve.softShutdownTicks, "soft-shutdown-ticks", 0, "empty ticks before an idle workspace closes")
	fs.StringVar(&params.serve.chunkBudget, "chunk-budget", "", "byte budget per chunked response frame, e.g. 32KiB")
}
