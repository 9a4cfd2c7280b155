// Part of the docset CLI - this file wires the root command, the
// connection flags and the shared connect/disconnect helpers.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arthur-debert/docset/docset"
	"github.com/arthur-debert/docset/internal/logging"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "docset",
	Short: "Docset CLI",
	Long:  "Docset is a document mapper for mongo-compatible stores; this CLI runs migrations and inspects deployments.",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Schema migration tools",
	Long:  "Apply, revert and inspect field migrations across the collections of a deployment.",
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a connection config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show detailed output")
	rootCmd.PersistentFlags().String("engine", "", "store engine: mongo, memory or file")
	rootCmd.PersistentFlags().String("uri", "", "deployment uri for the mongo engine")
	rootCmd.PersistentFlags().String("store", "", "store file path for the file engine")
	rootCmd.PersistentFlags().String("database", "", "working database name")

	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
	_ = viper.BindPFlag("uri", rootCmd.PersistentFlags().Lookup("uri"))
	_ = viper.BindPFlag("path", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
	viper.SetEnvPrefix("DOCSET")
	viper.AutomaticEnv()

	migrateCmd.AddCommand(renameFieldCmd)
	migrateCmd.AddCommand(removeFieldCmd)
	migrateCmd.AddCommand(setDefaultCmd)
	migrateCmd.AddCommand(statusCmd)
}

// loadConfig resolves the connection config: an explicit config file
// wins, otherwise flags and DOCSET_* environment variables fill one in.
func loadConfig() (*docset.Config, error) {
	if configPath != "" {
		return docset.LoadConfig(configPath)
	}
	cfg := &docset.Config{
		Engine:   viper.GetString("engine"),
		URI:      viper.GetString("uri"),
		Path:     viper.GetString("path"),
		Database: viper.GetString("database"),
	}
	if cfg.Engine == "" {
		cfg.Engine = "mongo"
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("a database name is required (--database or DOCSET_DATABASE)")
	}
	return cfg, nil
}

// connect establishes the shared connection and returns its teardown.
func connect(ctx context.Context) (func(), error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logging.Setup(level, true)

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Connect(ctx); err != nil {
		return nil, err
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = docset.Disconnect(shutdownCtx)
	}, nil
}
