package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pubkeep/pubkeep/engine/auth"
	"github.com/pubkeep/pubkeep/engine/model"
	"github.com/pubkeep/pubkeep/engine/webhook"
)

func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage auth tokens",
	}
	cmd.AddCommand(tokenCreateCmd())
	return cmd
}

func tokenCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a token for a user; the secret is printed exactly once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			email, err := cmd.Flags().GetString("user")
			if err != nil {
				return err
			}
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return err
			}
			scopes, err := cmd.Flags().GetStringSlice("scope")
			if err != nil {
				return err
			}
			expiresIn, err := cmd.Flags().GetDuration("expires-in")
			if err != nil {
				return err
			}

			ctx, app, err := setup(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			user, err := app.store.GetUserByEmail(ctx, email)
			if err != nil {
				return err
			}
			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().UTC().Add(expiresIn)
				expiresAt = &t
			}
			svc := auth.NewService(app.store, webhook.NopEmitter{})
			plaintext, token, err := svc.MintToken(ctx, user.ID, name, model.NewStringSet(scopes...), expiresAt)
			if err != nil {
				return err
			}
			app.log.Info("token minted", "id", token.ID, "user", email, "scopes", token.Scopes)
			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
	cmd.Flags().String("user", "", "email of the owning user")
	cmd.Flags().String("name", "cli token", "display name for the token")
	cmd.Flags().StringSlice("scope", []string{"read:all"}, "scopes to attach (repeatable)")
	cmd.Flags().Duration("expires-in", 0, "lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
