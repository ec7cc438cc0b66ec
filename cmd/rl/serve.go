package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"repairline/internal/app"
	"repairline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and event dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := newLogger(viper.GetBool("verbose"))
			defer logger.Sync()
			secret := os.Getenv(app.JWTSecretEnv)
			if secret == "" {
				logger.Warn("bearer tokens disabled; set " + app.JWTSecretEnv + " to accept them")
			}
			rt, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()

			if !noDispatch {
				d, err := rt.Dispatcher()
				if err != nil {
					return err
				}
				go d.Run(ctx)
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     rt.Resolver(secret),
				Events:   rt.Repo,
				Metrics:  rt.Metrics,
				Logger:   logger.Named("http"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Repairline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			logger.Info("listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "do not forward events to webhooks or AMQP")
	return cmd
}
