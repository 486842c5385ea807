package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/crypto"
)

// historyLimit caps the analyses returned per stream by ListByOwner.
const historyLimit = 50

const streamColumns = `id, owner_id, external_id, title, channel_title, is_active, is_live,
	chat_session_id, page_cursor, last_llm_call_at, created_at, updated_at`

// Store is the Postgres implementation of the stream store and the OAuth
// token store.
type Store struct {
	db     *sql.DB
	sealer crypto.Sealer
}

// NewStore wraps db. When sealer is non-nil, OAuth tokens are encrypted at rest.
func NewStore(db *sql.DB, sealer crypto.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (core.Stream, error) {
	var (
		st       core.Stream
		chatID   sql.NullString
		cursor   sql.NullString
		lastCall sql.NullTime
	)
	err := row.Scan(&st.ID, &st.OwnerID, &st.ExternalID, &st.Title, &st.ChannelTitle, &st.IsActive, &st.IsLive,
		&chatID, &cursor, &lastCall, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return core.Stream{}, err
	}
	if chatID.Valid {
		st.ChatSessionID = &chatID.String
	}
	if cursor.Valid {
		st.Cursor = &cursor.String
	}
	if lastCall.Valid {
		t := lastCall.Time
		st.LastLLMCallAt = &t
	}
	return st, nil
}

func (s *Store) queryStream(ctx context.Context, what, q string, args ...any) (core.Stream, error) {
	st, err := scanStream(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Stream{}, errors.Wrap(core.ErrNotFound, what)
	}
	return st, errors.Wrap(err, what)
}

// GetActiveStream returns the stream id owned by ownerID if it is active.
func (s *Store) GetActiveStream(ctx context.Context, id, ownerID string) (core.Stream, error) {
	return s.queryStream(ctx, "get active stream",
		`SELECT `+streamColumns+` FROM streams WHERE id = $1 AND owner_id = $2 AND is_active`, id, ownerID)
}

// GetStream returns a stream by id regardless of owner or state.
func (s *Store) GetStream(ctx context.Context, id string) (core.Stream, error) {
	return s.queryStream(ctx, "get stream", `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id)
}

// FindByExternalID returns the owner's stream for a video.
func (s *Store) FindByExternalID(ctx context.Context, ownerID, externalID string) (core.Stream, error) {
	return s.queryStream(ctx, "find stream by external id",
		`SELECT `+streamColumns+` FROM streams WHERE owner_id = $1 AND external_id = $2`, ownerID, externalID)
}

// CreateStream inserts a new active stream for ownerID from video details.
func (s *Store) CreateStream(ctx context.Context, ownerID string, d core.StreamDetails) (core.Stream, error) {
	return s.queryStream(ctx, "create stream",
		`INSERT INTO streams (id, owner_id, external_id, title, channel_title, is_active, is_live, chat_session_id)
		 VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7)
		 RETURNING `+streamColumns,
		uuid.NewString(), ownerID, d.ExternalID, d.Title, d.ChannelTitle, d.IsLive, nullString(d.ChatSessionID))
}

// Reactivate marks a stream active again and refreshes its details. The
// cursor is discarded when the chat session changed.
func (s *Store) Reactivate(ctx context.Context, id string, d core.StreamDetails) (core.Stream, error) {
	return s.queryStream(ctx, "reactivate stream",
		`UPDATE streams SET
		    is_active = TRUE,
		    title = $2,
		    channel_title = $3,
		    is_live = $4,
		    page_cursor = CASE WHEN chat_session_id IS DISTINCT FROM $5 THEN NULL ELSE page_cursor END,
		    chat_session_id = $5,
		    updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+streamColumns,
		id, d.Title, d.ChannelTitle, d.IsLive, nullString(d.ChatSessionID))
}

// UpdateDetails stores freshly resolved video details.
func (s *Store) UpdateDetails(ctx context.Context, id string, d core.StreamDetails) error {
	return s.exec(ctx, "update stream details",
		`UPDATE streams SET title = $2, channel_title = $3, is_live = $4, chat_session_id = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, d.Title, d.ChannelTitle, d.IsLive, nullString(d.ChatSessionID))
}

// UpdateCursor records the page token to resume from.
func (s *Store) UpdateCursor(ctx context.Context, id, cursor string) error {
	return s.exec(ctx, "update cursor",
		`UPDATE streams SET page_cursor = $2, updated_at = NOW() WHERE id = $1`, id, cursor)
}

// SetActive flips the is_active flag.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx, "set stream active",
		`UPDATE streams SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
}

// TouchLLMCall records when the LLM was last called for the stream.
func (s *Store) TouchLLMCall(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "touch llm call",
		`UPDATE streams SET last_llm_call_at = $2 WHERE id = $1`, id, at)
}

func (s *Store) exec(ctx context.Context, what, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, what)
	}
	if n == 0 {
		return errors.Wrap(core.ErrNotFound, what)
	}
	return nil
}

// InsertAnalysis appends one facet result. ID and CreatedAt are filled in when
// zero.
func (s *Store) InsertAnalysis(ctx context.Context, rec core.AnalysisRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, stream_id, type, data, source, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.StreamID, string(rec.Type), []byte(rec.Data), string(rec.Source), rec.CreatedAt)
	return errors.Wrapf(err, "insert %s analysis", rec.Type)
}

// ListActive returns every stream with is_active set.
func (s *Store) ListActive(ctx context.Context) ([]core.Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list active streams")
	}
	defer rows.Close()

	var out []core.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan stream")
		}
		out = append(out, st)
	}
	return out, errors.Wrap(rows.Err(), "iterate streams")
}

// ListByOwner returns the owner's streams newest first, each with up to
// historyLimit analyses, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]core.StreamHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+streamColumns+` FROM streams WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list streams")
	}
	var out []core.StreamHistory
	index := make(map[string]int)
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan stream")
		}
		index[st.ID] = len(out)
		out = append(out, core.StreamHistory{Stream: st, Analyses: []core.AnalysisRecord{}})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "iterate streams")
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.stream_id, a.type, a.data, a.source, a.created_at
		 FROM analyses a JOIN streams s ON s.id = a.stream_id
		 WHERE s.owner_id = $1
		 ORDER BY a.created_at DESC`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list analyses")
	}
	defer arows.Close()
	for arows.Next() {
		var (
			rec         core.AnalysisRecord
			typ, source string
			data        []byte
		)
		if err := arows.Scan(&rec.ID, &rec.StreamID, &typ, &data, &source, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan analysis")
		}
		i, ok := index[rec.StreamID]
		if !ok || len(out[i].Analyses) >= historyLimit {
			continue
		}
		rec.Type = core.FacetType(typ)
		rec.Source = core.Source(source)
		rec.Data = json.RawMessage(data)
		out[i].Analyses = append(out[i].Analyses, rec)
	}
	return out, errors.Wrap(arows.Err(), "iterate analyses")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
