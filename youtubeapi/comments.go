package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatlens/backend/config"
	"github.com/onnwee/chatlens/backend/core"
)

const (
	liveMaxResults     = 200
	recordedMaxResults = 100

	defaultLivePollHint = 10 * time.Second
	recordedPollHint    = 30 * time.Second
)

// ErrNoActiveChat is returned for a live video whose chat is not available.
var ErrNoActiveChat = errors.New("live stream does not have an active chat")

// CommentSource reads video details and messages from the YouTube Data API.
type CommentSource struct {
	svc    *yt.Service
	group  singleflight.Group
	logger *slog.Logger
}

// NewCommentSource builds a source authenticated with the configured API key,
// or with the stored OAuth token when no key is set.
func NewCommentSource(ctx context.Context, cfg *config.Config, oauth *Service) (*CommentSource, error) {
	var opts []option.ClientOption
	switch {
	case cfg.YouTubeAPIKey != "":
		opts = append(opts, option.WithAPIKey(cfg.YouTubeAPIKey))
	case oauth != nil && cfg.YTClientID != "":
		opts = append(opts, option.WithTokenSource(oauth.TokenSource(ctx)))
	default:
		return nil, fmt.Errorf("youtube credentials: %w", cfg.ValidateYouTubeReady())
	}
	if cfg.YouTubeEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.YouTubeEndpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return NewCommentSourceWithService(svc), nil
}

// NewCommentSourceWithService wraps an existing API client.
func NewCommentSourceWithService(svc *yt.Service) *CommentSource {
	return &CommentSource{svc: svc, logger: slog.Default().With(slog.String("component", "youtube"))}
}

// GetStreamDetails looks up a video. Concurrent calls for the same video share
// one API request.
func (c *CommentSource) GetStreamDetails(ctx context.Context, videoID string) (core.StreamDetails, error) {
	v, err, _ := c.group.Do(videoID, func() (any, error) {
		return c.videoDetails(ctx, videoID)
	})
	if err != nil {
		return core.StreamDetails{}, err
	}
	return v.(core.StreamDetails), nil
}

func (c *CommentSource) videoDetails(ctx context.Context, videoID string) (core.StreamDetails, error) {
	resp, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return core.StreamDetails{}, fmt.Errorf("youtube videos.list %s: %w", videoID, err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return core.StreamDetails{}, fmt.Errorf("video %s: %w", videoID, core.ErrNotFound)
	}
	item := resp.Items[0]
	d := core.StreamDetails{
		ExternalID:   videoID,
		Title:        item.Snippet.Title,
		ChannelTitle: item.Snippet.ChannelTitle,
		IsLive:       item.Snippet.LiveBroadcastContent == "live",
	}
	if d.IsLive {
		if item.LiveStreamingDetails == nil || item.LiveStreamingDetails.ActiveLiveChatId == "" {
			return core.StreamDetails{}, fmt.Errorf("video %s: %w", videoID, ErrNoActiveChat)
		}
		d.ChatSessionID = item.LiveStreamingDetails.ActiveLiveChatId
	}
	return d, nil
}

// FetchLive returns the live chat messages after cursor.
func (c *CommentSource) FetchLive(ctx context.Context, chatID, cursor string) (core.Page, error) {
	call := c.svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).MaxResults(liveMaxResults).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return core.Page{PollHint: defaultLivePollHint}, fmt.Errorf("youtube liveChatMessages.list: %w", err)
	}
	page := core.Page{NextCursor: resp.NextPageToken, PollHint: defaultLivePollHint}
	if resp.PollingIntervalMillis > 0 {
		page.PollHint = time.Duration(resp.PollingIntervalMillis) * time.Millisecond
	}
	for _, item := range resp.Items {
		if item.Snippet == nil || item.Snippet.DisplayMessage == "" {
			continue
		}
		m := core.Message{ID: item.Id, Text: item.Snippet.DisplayMessage, Timestamp: parseTime(item.Snippet.PublishedAt)}
		if item.AuthorDetails != nil {
			m.Author = item.AuthorDetails.DisplayName
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

// FetchRecorded returns top-level comments of a video, newest first.
func (c *CommentSource) FetchRecorded(ctx context.Context, videoID, cursor string) (core.Page, error) {
	call := c.svc.CommentThreads.List([]string{"snippet"}).
		VideoId(videoID).
		MaxResults(recordedMaxResults).
		Order("time").
		TextFormat("plainText").
		Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	resp, err := call.Do()
	if err != nil {
		return core.Page{PollHint: recordedPollHint}, fmt.Errorf("youtube commentThreads.list: %w", err)
	}
	page := core.Page{NextCursor: resp.NextPageToken, PollHint: recordedPollHint}
	for _, item := range resp.Items {
		if item.Snippet == nil || item.Snippet.TopLevelComment == nil || item.Snippet.TopLevelComment.Snippet == nil {
			continue
		}
		s := item.Snippet.TopLevelComment.Snippet
		text := s.TextDisplay
		if text == "" {
			text = s.TextOriginal
		}
		if text == "" {
			continue
		}
		page.Messages = append(page.Messages, core.Message{
			ID:        item.Id,
			Author:    s.AuthorDisplayName,
			Text:      text,
			Timestamp: parseTime(s.PublishedAt),
		})
	}
	return page, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
