// Command soulmapd runs the map-dataset synchronization services: the
// server-side change notification pipeline (serve) and a client-side
// follower that keeps a durable local cache reconciled (follow).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "soulmapd",
	Short: "Location dataset change notification and reconciliation",
	Long: `soulmapd keeps map viewers synchronized with a shared dataset of
location records.

The serve command bridges database change events (Postgres LISTEN/NOTIFY,
with a polling fallback) into broadcast signals pushed to connected
clients over WebSocket, alongside pull endpoints for the full dataset and
its fingerprint.

The follow command runs the client-side reconciler: it consumes the push
stream, keeps a durable local cache consistent with the server, and
degrades gracefully to cache-only operation when offline.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("config", "", "config file (default: ./soulmapd.yaml)")
}

// initConfig resolves configuration from file and environment. Flags
// still take precedence through viper's binding order.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("soulmapd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("soulmap")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
