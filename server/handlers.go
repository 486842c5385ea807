package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/pipeline"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// StreamStore is the persistence the HTTP layer needs.
type StreamStore interface {
	GetStream(ctx context.Context, id string) (core.Stream, error)
	FindByExternalID(ctx context.Context, ownerID, externalID string) (core.Stream, error)
	CreateStream(ctx context.Context, ownerID string, d core.StreamDetails) (core.Stream, error)
	Reactivate(ctx context.Context, id string, d core.StreamDetails) (core.Stream, error)
	ListByOwner(ctx context.Context, ownerID string) ([]core.StreamHistory, error)
	Ping(ctx context.Context) error
}

// Scheduler controls the polling jobs.
type Scheduler interface {
	Start(ctx context.Context, streamID, ownerID string) error
	Stop(ctx context.Context, streamID, ownerID string) error
	Running(streamID string) bool
	Jobs() []pipeline.JobInfo
}

// DetailsSource resolves a video id to its details.
type DetailsSource interface {
	GetStreamDetails(ctx context.Context, externalID string) (core.StreamDetails, error)
}

// OAuthFlow runs the YouTube authorization code flow.
type OAuthFlow interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Deps are the collaborators of the HTTP handlers. Source and OAuth may be
// nil when YouTube credentials are not configured.
type Deps struct {
	Store     StreamStore
	Scheduler Scheduler
	Source    DetailsSource
	Bus       events.Bus
	OAuth     OAuthFlow
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
	upgrader   *websocket.Upgrader
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
		upgrader:   newUpgrader(&corsConfig{}),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}
