// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for reading video details, live chat messages and comment threads. OAuth
// tokens are persisted via the provided TokenStore interface so they can be
// refreshed and reused across restarts; an API key can be used instead.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/chatlens/backend/config"
)

// Provider is the oauth_tokens key for YouTube credentials.
const Provider = "youtube"

// ErrNoToken is returned when no OAuth token has been stored yet.
var ErrNoToken = errors.New("no youtube token stored")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type Service struct {
	cfg   *config.Config
	db    TokenStore
	oauth *oauth2.Config
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.readonly"}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, db: ts, oauth: oauth}
}

// Configured reports whether OAuth client credentials are present.
func (s *Service) Configured() bool {
	return s.oauth.ClientID != "" && s.oauth.RedirectURL != ""
}

func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, tok); err != nil {
		return tok, err
	}
	return tok, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

func (s *Service) store(ctx context.Context, tok *oauth2.Token) error {
	rawBytes, _ := json.Marshal(tok)
	return s.db.UpsertOAuthToken(ctx, Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return &tok, err
	}
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = refresh
	}
	_ = s.store(ctx, newTok)
	return newTok, nil
}

// TokenSource returns a token source backed by the store, refreshing and
// persisting the token when it is close to expiry.
func (s *Service) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &storeTokenSource{ctx: ctx, svc: s})
}

type storeTokenSource struct {
	ctx context.Context
	svc *Service
}

func (t *storeTokenSource) Token() (*oauth2.Token, error) {
	return t.svc.refreshIfNeeded(t.ctx)
}
