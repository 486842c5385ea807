package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// YouTube Data API paths served by MockYouTubeServer.
const (
	VideosPath         = "/youtube/v3/videos"
	LiveChatPath       = "/youtube/v3/liveChat/messages"
	CommentThreadsPath = "/youtube/v3/commentThreads"
)

// MockYouTubeServer creates a test server that mocks YouTube Data API responses
type MockYouTubeServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockYouTubeServer creates a new mock YouTube API server
func NewMockYouTubeServer(t *testing.T) *MockYouTubeServer {
	t.Helper()
	m := &MockYouTubeServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.calls[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for path.
func (m *MockYouTubeServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Calls returns how many requests hit path.
func (m *MockYouTubeServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// Service returns a YouTube API client pointed at the mock server.
func (m *MockYouTubeServer) Service(t *testing.T) *yt.Service {
	t.Helper()
	svc, err := yt.NewService(context.Background(),
		option.WithEndpoint(m.URL+"/"),
		option.WithHTTPClient(m.Client()),
	)
	if err != nil {
		t.Fatalf("create youtube service: %v", err)
	}
	return svc
}

// MockVideo adds a handler for the videos endpoint returning one video.
// An empty chatID with live=true simulates a live video without chat.
func (m *MockYouTubeServer) MockVideo(id, title, channel string, live bool, chatID string) {
	m.Handle(VideosPath, func(w http.ResponseWriter, r *http.Request) {
		broadcast := "none"
		if live {
			broadcast = "live"
		}
		item := map[string]any{
			"id": id,
			"snippet": map[string]any{
				"title":                title,
				"channelTitle":         channel,
				"liveBroadcastContent": broadcast,
			},
		}
		if chatID != "" {
			item["liveStreamingDetails"] = map[string]any{"activeLiveChatId": chatID}
		}
		writeJSON(w, map[string]any{"items": []any{item}})
	})
}

// MockNoVideo makes the videos endpoint return no items.
func (m *MockYouTubeServer) MockNoVideo() {
	m.Handle(VideosPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"items": []any{}})
	})
}

// ChatItem is one message served by the mock.
type ChatItem struct {
	ID, Author, Text, PublishedAt string
}

// MockLiveChat adds a handler for liveChat/messages.
func (m *MockYouTubeServer) MockLiveChat(items []ChatItem, next string, pollMillis int) {
	m.Handle(LiveChatPath, func(w http.ResponseWriter, r *http.Request) {
		out := make([]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{
				"id":            it.ID,
				"snippet":       map[string]any{"displayMessage": it.Text, "publishedAt": it.PublishedAt},
				"authorDetails": map[string]any{"displayName": it.Author},
			})
		}
		writeJSON(w, map[string]any{"items": out, "nextPageToken": next, "pollingIntervalMillis": pollMillis})
	})
}

// MockCommentThreads adds a handler for commentThreads.
func (m *MockYouTubeServer) MockCommentThreads(items []ChatItem, next string) {
	m.Handle(CommentThreadsPath, func(w http.ResponseWriter, r *http.Request) {
		out := make([]any, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]any{
				"id": it.ID,
				"snippet": map[string]any{"topLevelComment": map[string]any{"snippet": map[string]any{
					"textDisplay":       it.Text,
					"authorDisplayName": it.Author,
					"publishedAt":       it.PublishedAt,
				}}},
			})
		}
		writeJSON(w, map[string]any{"items": out, "nextPageToken": next})
	})
}

// MockError makes path answer with status.
func (m *MockYouTubeServer) MockError(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": "mock failure"}}) //nolint:errcheck // test mock response
	})
}

// NewMockCompletionServer serves OpenAI-style chat completions, answering
// each request with the next reply in order (the last one repeats). A reply
// of "" yields HTTP 500.
func NewMockCompletionServer(t *testing.T, replies ...string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reply := ""
		if len(replies) > 0 {
			reply = replies[min(n, len(replies)-1)]
		}
		n++
		mu.Unlock()
		if reply == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": reply}}}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
