// Package cli implements the support-memory CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/support-memory/internal/app"
	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/logger"
	"github.com/rcliao/support-memory/internal/store"
)

var (
	dbPath     string
	configPath string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "support-memory",
	Short: "Conversation memory for support channels",
	Long: "Tracks support threads, distills resolved ones into searchable solutions, " +
		"and surfaces past fixes when a familiar problem comes back. SQLite-backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $SUPPORT_MEMORY_DB or ~/.support-memory/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $SUPPORT_MEMORY_CONFIG)")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg
}

func newLogger(cfg *config.Config) *logger.Logger {
	log, err := logger.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		exitErr("init logger", err)
	}
	return log
}

func openService(cmd *cobra.Command, opts ...app.Option) (*app.Service, *logger.Logger) {
	cfg := loadConfig()
	log := newLogger(cfg)
	svc, err := app.New(cmd.Context(), cfg, log, opts...)
	if err != nil {
		exitErr("open service", err)
	}
	return svc, log
}

func openStore() (*store.SQLiteStore, string) {
	cfg := loadConfig()
	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		exitErr("open store", err)
	}
	return s, cfg.DBPath
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
