package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatlens/backend/core"
	"github.com/onnwee/chatlens/backend/pipeline"
	"github.com/onnwee/chatlens/backend/telemetry"
	"github.com/onnwee/chatlens/backend/youtubeapi"
)

var errNoSource = errors.New("youtube comment source not configured")

type analysisView struct {
	ID        string          `json:"id"`
	Type      core.FacetType  `json:"type"`
	Data      json.RawMessage `json:"data"`
	Source    core.Source     `json:"source"`
	CreatedAt time.Time       `json:"createdAt"`
}

type streamView struct {
	ID            string         `json:"id"`
	VideoID       string         `json:"videoId"`
	Title         string         `json:"title"`
	ChannelTitle  string         `json:"channelTitle"`
	IsActive      bool           `json:"isActive"`
	IsLive        bool           `json:"isLive"`
	Running       bool           `json:"running"`
	LastLLMCallAt *time.Time     `json:"lastLlmCallAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Analyses      []analysisView `json:"analyses,omitempty"`
}

func (h *Handlers) view(st core.Stream) streamView {
	return streamView{
		ID:            st.ID,
		VideoID:       st.ExternalID,
		Title:         st.Title,
		ChannelTitle:  st.ChannelTitle,
		IsActive:      st.IsActive,
		IsLive:        st.IsLive,
		Running:       h.deps.Scheduler.Running(st.ID),
		LastLLMCallAt: st.LastLLMCallAt,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
}

type startRequest struct {
	YoutubeURL string `json:"youtubeUrl"`
	URL        string `json:"url"`
}

// HandleStartStream starts analysis of the video named in the body. A new
// video creates a stream, an inactive one is reactivated with fresh details
// and an active one is restarted idempotently.
func (h *Handlers) HandleStartStream(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var body startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	raw := body.YoutubeURL
	if raw == "" {
		raw = body.URL
	}
	videoID, ok := youtubeapi.ExtractVideoID(raw)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "Invalid YouTube URL.")
		return
	}

	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"), slog.String("video_id", videoID))
	status, msg := http.StatusOK, "Analysis started successfully."

	st, err := h.deps.Store.FindByExternalID(ctx, owner, videoID)
	switch {
	case err == nil && st.IsActive:
		msg = "Analysis already active."
		if st.ChatSessionID == nil && h.deps.Source != nil {
			if d, derr := h.deps.Source.GetStreamDetails(ctx, videoID); derr == nil {
				if refreshed, rerr := h.deps.Store.Reactivate(ctx, st.ID, d); rerr == nil {
					st = refreshed
				}
			}
		}
	case err == nil:
		d, ok := h.details(ctx, w, videoID)
		if !ok {
			return
		}
		if st, err = h.deps.Store.Reactivate(ctx, st.ID, d); err != nil {
			log.Error("reactivate stream", slog.Any("err", err))
			writeMessage(w, http.StatusInternalServerError, "Failed to start analysis.")
			return
		}
	case errors.Is(err, core.ErrNotFound):
		d, ok := h.details(ctx, w, videoID)
		if !ok {
			return
		}
		if st, err = h.deps.Store.CreateStream(ctx, owner, d); err != nil {
			log.Error("create stream", slog.Any("err", err))
			writeMessage(w, http.StatusInternalServerError, "Failed to start analysis.")
			return
		}
		status = http.StatusCreated
	default:
		log.Error("look up stream", slog.Any("err", err))
		writeMessage(w, http.StatusInternalServerError, "Failed to start analysis.")
		return
	}

	if err := h.deps.Scheduler.Start(ctx, st.ID, owner); err != nil {
		log.Error("start analysis", slog.String("stream_id", st.ID), slog.Any("err", err))
		code := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrSchedulerClosed) || errors.Is(err, pipeline.ErrNoSource) {
			code = http.StatusServiceUnavailable
		}
		writeMessage(w, code, "Failed to start analysis.")
		return
	}
	writeJSON(w, status, map[string]any{"message": msg, "stream": h.view(st)})
}

// details resolves a video or writes the matching error response.
func (h *Handlers) details(ctx context.Context, w http.ResponseWriter, videoID string) (core.StreamDetails, bool) {
	if h.deps.Source == nil {
		writeMessage(w, http.StatusServiceUnavailable, "YouTube credentials are not configured.")
		return core.StreamDetails{}, false
	}
	d, err := h.deps.Source.GetStreamDetails(ctx, videoID)
	switch {
	case err == nil:
		return d, true
	case errors.Is(err, core.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Video not found.")
	case errors.Is(err, youtubeapi.ErrNoActiveChat):
		writeMessage(w, http.StatusUnprocessableEntity, "Live stream does not have an active chat.")
	default:
		telemetry.LoggerWithCorr(ctx).Error("fetch video details", slog.String("video_id", videoID), slog.Any("err", err))
		writeMessage(w, http.StatusBadGateway, "Failed to fetch video details.")
	}
	return core.StreamDetails{}, false
}

// HandleStopStream stops the owner's analysis job for a stream.
func (h *Handlers) HandleStopStream(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Scheduler.Stop(r.Context(), id, owner); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "Stream not found.")
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Error("stop analysis", slog.String("stream_id", id), slog.Any("err", err))
		writeMessage(w, http.StatusInternalServerError, "Failed to stop analysis.")
		return
	}
	writeMessage(w, http.StatusOK, "Analysis stopped.")
}

// HandleStreamHistory lists the owner's streams, newest first, with their
// recent analyses.
func (h *Handlers) HandleStreamHistory(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	history, err := h.deps.Store.ListByOwner(r.Context(), owner)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list streams", slog.Any("err", err))
		writeMessage(w, http.StatusInternalServerError, "Failed to fetch history.")
		return
	}
	out := make([]streamView, 0, len(history))
	for _, sh := range history {
		v := h.view(sh.Stream)
		v.Analyses = make([]analysisView, 0, len(sh.Analyses))
		for _, a := range sh.Analyses {
			v.Analyses = append(v.Analyses, analysisView{ID: a.ID, Type: a.Type, Data: a.Data, Source: a.Source, CreatedAt: a.CreatedAt})
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}
