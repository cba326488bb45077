package sqlapi

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/sqlapi/pkg/app"
	"github.com/edgeflare/sqlapi/pkg/httputil"
	"github.com/edgeflare/sqlapi/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the REST API server",
	Long:    `Builds every configured endpoint and serves them until SIGINT or SIGTERM.`,
	PreRunE: loadConfig,
	RunE:    runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("serve.listen", "l", "", "listen address (default app.host:app.port)")
	f.String("serve.metrics_addr", "", "serve prometheus metrics on this address")
	f.String("serve.tls_cert", "", "TLS certificate file")
	f.String("serve.tls_key", "", "TLS key file")
	f.Duration("serve.shutdown_timeout", 10*time.Second, "time to wait for in-flight requests and audit entries")
	viper.BindPFlags(f)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var opts []app.Option
	if logLevel != "" {
		opts = append(opts, app.WithLogLevel(logLevel))
	}
	if cert := viper.GetString("serve.tls_cert"); cert != "" {
		opts = append(opts, app.WithRouterOptions(httputil.WithTLS(cert, viper.GetString("serve.tls_key"))))
	}

	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	logger := a.Loggers.App

	var wg sync.WaitGroup
	if addr := viper.GetString("serve.metrics_addr"); addr != "" {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: addr, Logger: logger})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- a.Serve(cmp.Or(viper.GetString("serve.listen"), a.Addr()))
	}()

	select {
	case err = <-errChan:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), viper.GetDuration("serve.shutdown_timeout"))
	defer shutdownCancel()
	if serr := a.Shutdown(shutdownCtx); serr != nil {
		logger.Error("shutdown error", zap.Error(serr))
	}
	cancel()
	wg.Wait()
	return err
}
