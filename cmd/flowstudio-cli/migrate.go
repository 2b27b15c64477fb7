package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/flowstudio/pkg/config"
	"github.com/tcmartin/flowstudio/pkg/statusbus"
	"github.com/tcmartin/flowstudio/pkg/storage"
)

// newMigrateCmd creates the storage tables of the configured provider and
// checks that the configured status bus is reachable
func newMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run storage migrations and readiness checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}

			if err := migrateStorage(cmd, cfg.Storage); err != nil {
				return err
			}
			if err := checkBus(cmd, cfg.Bus); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations and checks completed successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to server config file")
	return cmd
}

func migrateStorage(cmd *cobra.Command, cfg config.StorageConfig) error {
	provider, err := storage.NewProviderFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer provider.Close()
	if err := provider.Initialize(); err != nil {
		return fmt.Errorf("%s initialize failed: %w", cfg.Type, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Storage migrated (%s)\n", cfg.Type)
	return nil
}

func checkBus(cmd *cobra.Command, cfg config.BusConfig) error {
	if cfg.Type != "redis" {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	bus, err := statusbus.NewRedisBus(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("redis connect failed: %w", err)
	}
	defer bus.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Redis ready (addr=%s)\n", cfg.RedisAddr)
	return nil
}
