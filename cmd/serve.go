package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-import/internal/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the import API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var publisher api.Publisher
		if len(env.Channels) > 0 {
			publisher = env.Publish
		}
		srv := api.NewServer(api.Config{
			Version:     version,
			CORSOrigins: cfg.Server.CORSOrigins,
			PreviewWait: cfg.Server.PreviewWait,
			Health:      env.Ping,
		},
			api.NewAuthenticator(api.AuthConfig{
				Secret:   cfg.Auth.JWTSecret,
				Issuer:   cfg.Auth.Issuer,
				Audience: cfg.Auth.Audience,
			}),
			env.Orchestrator,
			env.Guard,
			publisher,
		)

		httpSrv := newHTTPServer(cfg.Server.Port, cfg.Server.ReadTimeout, srv.Handler())
		return runServer(ctx, httpSrv, cfg.Server.ShutdownTimeout, env.Orchestrator.Drain)
	},
}

func newHTTPServer(port int, readTimeout time.Duration, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}
}

// runServer serves until ctx ends, then stops accepting requests and lets
// in-flight jobs finish within shutdownTimeout.
func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, drain func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- eris.Wrap(err, "server listen")
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("server shutdown", zap.Error(err))
	}
	if err := drain(shutdownCtx); err != nil {
		zap.L().Warn("jobs still running at shutdown", zap.Error(err))
	}
	return <-errCh
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
