package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/events"
)

const transcript = `{"id":"1","author":"a","text":"this launch is amazing","timestamp":"2024-05-01T12:00:00Z"}

{"id":"2","author":"b","text":"when is liftoff?","timestamp":"2024-05-01T12:00:05Z"}
{"id":"3","author":"c","text":"the rocket looks awesome","timestamp":"2024-05-01T12:00:10Z"}
`

func writeTranscript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []events.AnalysisPayload {
	t.Helper()
	var got []events.AnalysisPayload
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var p events.AnalysisPayload
		require.NoError(t, json.Unmarshal([]byte(line), &p), line)
		got = append(got, p)
	}
	return got
}

func TestAnalyze_WholeFile(t *testing.T) {
	path := writeTranscript(t, transcript)
	out, err := runCLI(t, "", "analyze", "--file", path, "--heuristics-only", "--title", "Launch")
	require.NoError(t, err)

	got := decodeLines(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].MessageCount)
	assert.Equal(t, core.SourceHeuristic, got[0].Source)
	assert.True(t, got[0].Complete(), "heuristic analysis carries every facet")
	assert.True(t, got[0].Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)))
}

func TestAnalyze_BatchesFromStdin(t *testing.T) {
	out, err := runCLI(t, transcript, "analyze", "--file", "-", "--heuristics-only", "--batch-size", "2")
	require.NoError(t, err)

	got := decodeLines(t, out)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].MessageCount)
	assert.Equal(t, 1, got[1].MessageCount)
	for _, p := range got {
		assert.Equal(t, core.SourceHeuristic, p.Source, "batches must not hit the cooldown")
	}
}

func TestAnalyze_Errors(t *testing.T) {
	_, err := runCLI(t, "", "analyze", "--heuristics-only")
	assert.Error(t, err, "--file is required")

	_, err = runCLI(t, "", "analyze", "--file", filepath.Join(t.TempDir(), "missing.ndjson"), "--heuristics-only")
	assert.Error(t, err)

	path := writeTranscript(t, "{\"id\":\"1\",\"text\":\"ok\"}\nnot json\n")
	_, err = runCLI(t, "", "analyze", "--file", path, "--heuristics-only")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestChunk(t *testing.T) {
	msgs := make([]core.Message, 5)
	assert.Len(t, chunk(msgs, 0), 1)
	assert.Len(t, chunk(msgs, 10), 1)
	parts := chunk(msgs, 2)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 1)
}

type memTokens struct {
	access, refresh, raw string
	expiry               time.Time
	writes               int
	err                  error
}

func (m *memTokens) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return m.access, m.refresh, m.expiry, m.raw, m.err
}

func (m *memTokens) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	m.writes++
	m.access, m.refresh, m.expiry, m.raw = access, refresh, expiry, raw
	return nil
}

func TestSealToken(t *testing.T) {
	ctx := context.Background()

	empty := &memTokens{}
	msg, err := sealToken(ctx, empty, "youtube", false)
	require.NoError(t, err)
	assert.Equal(t, "no youtube token stored", msg)
	assert.Zero(t, empty.writes)

	store := &memTokens{access: "a", refresh: "r", expiry: time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)}
	msg, err = sealToken(ctx, store, "youtube", true)
	require.NoError(t, err)
	assert.Contains(t, msg, "would seal")
	assert.Zero(t, store.writes)

	msg, err = sealToken(ctx, store, "youtube", false)
	require.NoError(t, err)
	assert.Equal(t, "sealed youtube token", msg)
	assert.Equal(t, 1, store.writes)
	assert.Equal(t, "r", store.refresh)

	_, err = sealToken(ctx, &memTokens{err: errors.New("db down")}, "youtube", false)
	assert.Error(t, err)
}
