package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// encryption_version values of oauth_tokens rows.
const (
	tokenPlaintext = 0
	tokenSealed    = 1
)

// UpsertOAuthToken stores or replaces the token for provider. Tokens are
// sealed when the store has a sealer.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	version, keyID := tokenPlaintext, ""
	if s.sealer != nil {
		var err error
		if access, err = s.sealer.Seal(access); err != nil {
			return errors.Wrap(err, "seal access token")
		}
		if refresh, err = s.sealer.Seal(refresh); err != nil {
			return errors.Wrap(err, "seal refresh token")
		}
		if raw, err = s.sealer.Seal(raw); err != nil {
			return errors.Wrap(err, "seal raw token")
		}
		version, keyID = tokenSealed, s.sealer.KeyID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, raw, encryption_version, encryption_key_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (provider) DO UPDATE SET
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    raw = EXCLUDED.raw,
		    encryption_version = EXCLUDED.encryption_version,
		    encryption_key_id = EXCLUDED.encryption_key_id,
		    updated_at = NOW()`,
		provider, access, refresh, expiry, raw, version, nullString(keyID))
	return errors.Wrap(err, "upsert oauth token")
}

// GetOAuthToken returns the stored token, or zero values when none exists.
// Plaintext rows written before encryption was enabled stay readable.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var (
		acc, ref, rw sql.NullString
		exp          sql.NullTime
		version      int
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw, encryption_version FROM oauth_tokens WHERE provider = $1`,
		provider).Scan(&acc, &ref, &exp, &rw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", errors.Wrap(err, "get oauth token")
	}
	access, refresh, raw = acc.String, ref.String, rw.String
	if exp.Valid {
		expiry = exp.Time
	}
	if version == tokenSealed {
		if s.sealer == nil {
			return "", "", time.Time{}, "", errors.New("oauth token is encrypted but ENCRYPTION_KEY is not configured")
		}
		if access, err = s.sealer.Open(access); err != nil {
			return "", "", time.Time{}, "", errors.Wrap(err, "open access token")
		}
		if refresh, err = s.sealer.Open(refresh); err != nil {
			return "", "", time.Time{}, "", errors.Wrap(err, "open refresh token")
		}
		if raw, err = s.sealer.Open(raw); err != nil {
			return "", "", time.Time{}, "", errors.Wrap(err, "open raw token")
		}
	}
	return access, refresh, expiry, raw, nil
}
