// Command server runs the storage-fabric WebSocket server: it loads
// configuration the way the teacher's "serve" command does (cobra
// flags bound through viper, env vars under the KVFABRIC_ prefix,
// optional .env files), connects to Redis, and serves /ws, /metrics,
// and /healthz until it receives an interrupt.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaykv/relaykv/internal/channel"
	"github.com/relaykv/relaykv/internal/config"
	"github.com/relaykv/relaykv/internal/logging"
	"github.com/relaykv/relaykv/internal/tenant"
	"github.com/relaykv/relaykv/internal/wsserver"
)

var log = logging.Get("server")

var rootCmd = &cobra.Command{
	Use:     "server",
	Short:   "Run the storage fabric WebSocket server",
	PreRunE: func(cmd *cobra.Command, _ []string) error { return config.BindFlags(cmd) },
	RunE:    run,
}

func init() {
	cobra.OnInitialize(config.InitEnv)
	config.AddServerFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg := config.ServerConfigFromViper()
	if cfg.LogLevel != "" {
		logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	}
	log.Warnf("validateToken defaults to always-allow; override before production use")
	log.Infof("starting with configuration:%s", cfg.String())

	opts, err := redis.ParseURL(cfg.Storage.URL)
	if err != nil {
		return fmt.Errorf("server: parse storage url: %w", err)
	}
	opts.DB = cfg.Storage.Database
	client := redis.NewClient(opts)
	defer client.Close()

	tenants := tenant.New(client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := tenants.Initialize(ctx); err != nil {
		cancel()
		return fmt.Errorf("server: initialize tenants: %w", err)
	}
	cancel()

	broker := channel.New()
	srv := wsserver.New(cfg, tenants, broker)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on :%d", cfg.Port)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Infof("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
