package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatlens/backend/config"
	"github.com/onnwee/chatlens/backend/crypto"
	"github.com/onnwee/chatlens/backend/db"
	"github.com/onnwee/chatlens/backend/youtubeapi"
)

// tokenStore is the part of db.Store the seal command uses.
type tokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error
}

func newSealTokensCmd() *cobra.Command {
	var (
		provider string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "seal-tokens",
		Short: "Re-encrypt a stored OAuth token with ENCRYPTION_KEY",
		Long: `Reads the stored token for a provider (plaintext or sealed with the
current key) and writes it back sealed with ENCRYPTION_KEY and ENCRYPTION_KEY_ID.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sealer, err := crypto.NewAESGCM(cfg.EncryptionKey, cfg.EncryptionKeyID)
			if err != nil {
				return fmt.Errorf("ENCRYPTION_KEY: %w", err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			database, err := db.Connect(ctx, cfg.DBDsn)
			if err != nil {
				return err
			}
			defer database.Close()

			msg, err := sealToken(ctx, db.NewStore(database, sealer), provider, dryRun)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", youtubeapi.Provider, "oauth_tokens provider key")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without writing")
	return cmd
}

// sealToken rewrites the provider's token through store, whose sealer
// encrypts on write.
func sealToken(ctx context.Context, store tokenStore, provider string, dryRun bool) (string, error) {
	access, refresh, expiry, raw, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return "", fmt.Errorf("read %s token: %w", provider, err)
	}
	if access == "" && refresh == "" {
		return fmt.Sprintf("no %s token stored", provider), nil
	}
	if dryRun {
		return fmt.Sprintf("would seal %s token (expires %s)", provider, expiry.Format(time.RFC3339)), nil
	}
	if err := store.UpsertOAuthToken(ctx, provider, access, refresh, expiry, raw); err != nil {
		return "", fmt.Errorf("write %s token: %w", provider, err)
	}
	return fmt.Sprintf("sealed %s token", provider), nil
}
