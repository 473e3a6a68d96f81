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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"pricestream/internal/config"
	"pricestream/internal/gateway"
	"pricestream/internal/service"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "pricestream",
		Short:        "AMM pool price and swap-event fan-out service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the service",
		RunE:  runService,
	}

	runCmd.Flags().String("node-ws", "", "node WebSocket RPC URL")
	runCmd.Flags().Int("listen-port", 8080, "HTTP/WS listen port")
	runCmd.Flags().String("consumer-url", "", "downstream confirmation consumer URL")
	runCmd.Flags().String("consumer-path", "/socket.io", "consumer socket path")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for the swap audit store")
	runCmd.Flags().String("audit-path", "", "JSONL path for the swap audit log")
	runCmd.Flags().Float64("price-update-threshold", 0.001, "relative price change required to broadcast")
	runCmd.Flags().Duration("bnb-refresh-interval", 60*time.Second, "BNB/USD reference refresh interval")
	runCmd.Flags().Int("max-reconnect-attempts", 10, "node reconnect attempts before giving up")
	runCmd.Flags().Duration("reconnect-delay", 3*time.Second, "spacing between reconnect attempts")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator, err := service.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	router := gateway.NewRouter(coordinator, cfg.NodeEnv)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: router,
	}

	logger.Info("pricestream start",
		zap.String("node_ws", cfg.NodeWSURL),
		zap.Int("listen_port", cfg.ListenPort),
		zap.Bool("consumer", cfg.ConsumerURL != ""),
		zap.Bool("pg_audit", cfg.PGDSN != ""),
		zap.Float64("price_update_threshold", cfg.PriceUpdateThreshold),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return coordinator.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
