package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aScriptingOreo/soulmap-sub001/internal/client"
	"github.com/aScriptingOreo/soulmap-sub001/internal/client/store"
	"github.com/aScriptingOreo/soulmap-sub001/internal/location"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Run the client reconciler against a server",
	Long: `Keep a durable local cache of the location dataset reconciled with a
server.

The follower loads the dataset (from cache when current, otherwise by
full fetch), then consumes the server's push stream and refreshes on
confirmed changes. When the push channel cannot be sustained it degrades
to periodic polling; when offline it serves the cache alone.

Example usage:
  soulmapd follow --server http://localhost:8080
  soulmapd follow --server http://localhost:8080 --offline`,
	RunE: runFollow,
}

func init() {
	followCmd.Flags().String("server", "http://localhost:8080", "server base URL")
	followCmd.Flags().String("cache-dir", ".soulmap", "directory for the local cache")
	followCmd.Flags().Bool("offline", false, "serve the cache without touching the network")

	_ = viper.BindPFlag("server", followCmd.Flags().Lookup("server"))
	_ = viper.BindPFlag("cache-dir", followCmd.Flags().Lookup("cache-dir"))
	_ = viper.BindPFlag("offline", followCmd.Flags().Lookup("offline"))

	rootCmd.AddCommand(followCmd)
}

// openStore builds the preference-ordered engine chain: embedded SQLite,
// then plain files, then memory as the stateless last resort.
func openStore(cacheDir string, logger *log.Logger) (store.Store, error) {
	var engines []store.Store

	if sqlite, err := store.OpenSQLite(filepath.Join(cacheDir, "cache.db")); err != nil {
		logger.Printf("SQLite engine unavailable: %v", err)
	} else {
		engines = append(engines, sqlite)
	}

	if files, err := store.NewFileStore(filepath.Join(cacheDir, "kv")); err != nil {
		logger.Printf("File engine unavailable: %v", err)
	} else {
		engines = append(engines, files)
	}

	engines = append(engines, store.NewMemoryStore())

	return store.NewChain(logger, engines...)
}

func runFollow(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr, "[follow] ", log.LstdFlags)

	st, err := openStore(viper.GetString("cache-dir"), logger)
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer st.Close()

	api := client.NewAPI(viper.GetString("server"), nil)

	config := client.DefaultConfig()
	config.Offline = viper.GetBool("offline")
	config.OnUpdate = func(records []location.Record, diff location.Diff) {
		logger.Printf("Dataset updated: %d records (+%d -%d ~%d)",
			len(records), len(diff.Added), len(diff.Removed), len(diff.Modified))
	}
	config.OnProgress = func(stage string, records int) {
		logger.Printf("Load %s (%d records)", stage, records)
	}

	rec := client.New(api, client.NewPushDialer(api.PushURL(), nil), st, config)
	defer rec.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	records, err := rec.LoadLocations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load locations: %w", err)
	}
	fmt.Printf("Loaded %d locations\n", len(records))

	rec.Start()
	<-ctx.Done()

	fmt.Println("\nStopping follower...")
	return nil
}
