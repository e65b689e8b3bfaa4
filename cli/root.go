// Package cli assembles the pubkeep commands: the server itself plus the
// operational tooling (migrations, storage moves, cache clearing, account
// and token bootstrap).
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/pkg/logger"
	"github.com/pubkeep/pubkeep/pkg/version"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "pubkeep",
		Short:   "Private pub package registry",
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return err
			}
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return err
				}
			}
			return nil
		},
		SilenceUsage: true,
	}
	logger.RegisterFlags(root)
	root.PersistentFlags().String("config", "", "path to a YAML config file")
	root.PersistentFlags().String("env-file", "", "load environment variables from this file")

	root.AddCommand(
		ServeCmd(),
		MigrateCmd(),
		StorageCmd(),
		CacheCmd(),
		AdminCmd(),
		TokenCmd(),
	)
	return root
}
