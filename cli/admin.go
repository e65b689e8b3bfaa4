package cli

import (
	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/webhook"
)

func AdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}
	cmd.AddCommand(adminCreateCmd())
	return cmd
}

func adminCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an administrator account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := cmd.Flags().GetString("password")
			if err != nil {
				return err
			}
			ctx, app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			svc := auth.NewService(app.store, webhook.NopEmitter{},
				auth.WithHasher(auth.NewBcryptHasher(app.cfg.Auth.BcryptCost)),
			)
			admin, err := svc.CreateAdmin(ctx, args[0], password)
			if err != nil {
				return err
			}
			app.log.Info("admin account created", "username", admin.Username, "id", admin.ID)
			return nil
		},
	}
	cmd.Flags().String("password", "", "password for the new account")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
