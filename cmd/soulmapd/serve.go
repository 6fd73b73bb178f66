package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aScriptingOreo/soulmap-sub001/internal/server"
	"github.com/aScriptingOreo/soulmap-sub001/internal/server/bridge"
	"github.com/aScriptingOreo/soulmap-sub001/internal/server/hub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification bridge and push/pull endpoints",
	Long: `Start the server-side change notification pipeline.

The bridge subscribes to the database's native notification channel and
falls back to fingerprint polling when the channel is unavailable. Change
signals fan out to all connected WebSocket subscribers; the full dataset
and its content hash are served over plain HTTP.

Endpoints:
  GET  /ws              push stream (one JSON signal per message)
  GET  /locations       complete dataset
  GET  /locations/hash  dataset content hash
  GET  /health          subscriber count and bridge mode
  POST /notify          force an immediate change broadcast

Example usage:
  soulmapd serve --db postgres://localhost/soulmap
  soulmapd serve --port 9000 --channel locations_changed`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 8080, "HTTP port to listen on")
	serveCmd.Flags().String("db", "", "Postgres DSN for the location dataset")
	serveCmd.Flags().String("channel", "locations_changed", "notification channel name")
	serveCmd.Flags().String("log-file", "", "rotate logs to this file instead of stderr")

	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("db", serveCmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("channel", serveCmd.Flags().Lookup("channel"))
	_ = viper.BindPFlag("log-file", serveCmd.Flags().Lookup("log-file"))

	rootCmd.AddCommand(serveCmd)
}

// logWriter returns the destination for service logs, rotating through
// lumberjack when a log file is configured.
func logWriter() io.Writer {
	if logFile := viper.GetString("log-file"); logFile != "" {
		return &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return os.Stderr
}

func runServe(cmd *cobra.Command, args []string) error {
	dsn := viper.GetString("db")
	if dsn == "" {
		return fmt.Errorf("--db is required")
	}

	out := logWriter()

	repo, err := server.OpenPostgres(dsn)
	if err != nil {
		return fmt.Errorf("failed to open dataset repository: %w", err)
	}
	defer repo.Close()

	h := hub.New(&hub.Config{
		Logger: log.New(out, "[hub] ", log.LstdFlags),
	})

	bridgeLogger := log.New(out, "[bridge] ", log.LstdFlags)
	bridgeConfig := bridge.DefaultConfig()
	bridgeConfig.Logger = bridgeLogger

	b := bridge.New(h, repo, bridge.NewPQListener(dsn, bridgeLogger), bridgeConfig)

	srv := server.New(&server.Config{
		Port:   viper.GetInt("port"),
		Logger: log.New(out, "[server] ", log.LstdFlags),
	}, repo, h, b)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx, viper.GetString("channel")); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("Serving on http://localhost:%d (push: ws://localhost:%d/ws)\n",
		viper.GetInt("port"), viper.GetInt("port"))

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	b.Stop()

	return nil
}
