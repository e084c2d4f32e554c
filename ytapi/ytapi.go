// Package ytapi wraps the YouTube Data API v3 for batched metadata lookups
// and thumbnail retrieval. Authentication is either an API key or an OAuth
// refresh token from config; absent items in a batched response signal that
// the remote no longer serves them.
package ytapi

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/quarterstack/ytarchive/config"
)

// MaxBatchIDs is the Data API's per-call ID limit for list endpoints.
const MaxBatchIDs = 50

// MaxDescriptionLen bounds stored descriptions.
const MaxDescriptionLen = 10000

// VideoMeta is the bounded field set extracted from a videos.list item.
type VideoMeta struct {
	ID              string
	ChannelID       string
	Title           string
	Description     string
	DefaultLanguage string
	DurationSeconds int
	ViewCount       int64
	LikeCount       int64
	CommentCount    int64
	ThumbnailURL    string
}

// ChannelMeta is the bounded field set extracted from a channels.list item.
type ChannelMeta struct {
	ID              string
	Title           string
	Description     string
	Country         string
	CustomURL       string
	SubscriberCount int64
	VideoCount      int64
	ViewCount       int64
	AvatarURL       string
}

// PlaylistMeta is the bounded field set extracted from a playlists.list item.
type PlaylistMeta struct {
	ID          string
	ChannelID   string
	Title       string
	Description string
	ItemCount   int64
}

// Service issues batched metadata lookups against the Data API.
type Service struct {
	yt *yt.Service
}

// New builds a Service from config credentials. Extra options come last so
// tests can point at a mock endpoint.
func New(ctx context.Context, cfg *config.Config, opts ...option.ClientOption) (*Service, error) {
	if err := cfg.ValidateAPIReady(); err != nil {
		return nil, err
	}
	var all []option.ClientOption
	if cfg.YTAPIKey != "" {
		all = append(all, option.WithAPIKey(cfg.YTAPIKey))
	} else {
		oc := &oauth2.Config{
			ClientID:     cfg.YTClientID,
			ClientSecret: cfg.YTClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		}
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.YTRefreshToken})
		all = append(all, option.WithTokenSource(ts))
	}
	all = append(all, opts...)
	svc, err := yt.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return &Service{yt: svc}, nil
}

// VideosByIDs fetches up to MaxBatchIDs videos in one call. Items the remote
// does not return are simply absent from the result.
func (s *Service) VideosByIDs(ctx context.Context, ids []string) (map[string]VideoMeta, error) {
	if len(ids) == 0 {
		return map[string]VideoMeta{}, nil
	}
	if len(ids) > MaxBatchIDs {
		return nil, fmt.Errorf("videos batch of %d exceeds limit %d", len(ids), MaxBatchIDs)
	}
	resp, err := s.yt.Videos.List([]string{"snippet", "statistics", "contentDetails"}).
		Id(ids...).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make(map[string]VideoMeta, len(resp.Items))
	for _, v := range resp.Items {
		m := VideoMeta{ID: v.Id}
		if v.Snippet != nil {
			m.ChannelID = v.Snippet.ChannelId
			m.Title = v.Snippet.Title
			m.Description = TruncateDescription(v.Snippet.Description)
			m.DefaultLanguage = strings.ToLower(v.Snippet.DefaultLanguage)
			m.ThumbnailURL = bestThumbnail(v.Snippet.Thumbnails)
		}
		if v.Statistics != nil {
			m.ViewCount = int64(v.Statistics.ViewCount)
			m.LikeCount = int64(v.Statistics.LikeCount)
			m.CommentCount = int64(v.Statistics.CommentCount)
		}
		if v.ContentDetails != nil {
			m.DurationSeconds = ParseISODuration(v.ContentDetails.Duration)
		}
		out[v.Id] = m
	}
	return out, nil
}

// ChannelsByIDs fetches up to MaxBatchIDs channels in one call.
func (s *Service) ChannelsByIDs(ctx context.Context, ids []string) (map[string]ChannelMeta, error) {
	if len(ids) == 0 {
		return map[string]ChannelMeta{}, nil
	}
	if len(ids) > MaxBatchIDs {
		return nil, fmt.Errorf("channels batch of %d exceeds limit %d", len(ids), MaxBatchIDs)
	}
	resp, err := s.yt.Channels.List([]string{"snippet", "statistics"}).
		Id(ids...).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make(map[string]ChannelMeta, len(resp.Items))
	for _, c := range resp.Items {
		m := ChannelMeta{ID: c.Id}
		if c.Snippet != nil {
			m.Title = c.Snippet.Title
			m.Description = TruncateDescription(c.Snippet.Description)
			m.Country = c.Snippet.Country
			m.CustomURL = c.Snippet.CustomUrl
			m.AvatarURL = bestThumbnail(c.Snippet.Thumbnails)
		}
		if c.Statistics != nil {
			m.SubscriberCount = int64(c.Statistics.SubscriberCount)
			m.VideoCount = int64(c.Statistics.VideoCount)
			m.ViewCount = int64(c.Statistics.ViewCount)
		}
		out[c.Id] = m
	}
	return out, nil
}

// PlaylistsByIDs fetches up to MaxBatchIDs playlists in one call.
func (s *Service) PlaylistsByIDs(ctx context.Context, ids []string) (map[string]PlaylistMeta, error) {
	if len(ids) == 0 {
		return map[string]PlaylistMeta{}, nil
	}
	if len(ids) > MaxBatchIDs {
		return nil, fmt.Errorf("playlists batch of %d exceeds limit %d", len(ids), MaxBatchIDs)
	}
	resp, err := s.yt.Playlists.List([]string{"snippet", "contentDetails"}).
		Id(ids...).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make(map[string]PlaylistMeta, len(resp.Items))
	for _, p := range resp.Items {
		m := PlaylistMeta{ID: p.Id}
		if p.Snippet != nil {
			m.ChannelID = p.Snippet.ChannelId
			m.Title = p.Snippet.Title
			m.Description = TruncateDescription(p.Snippet.Description)
		}
		if p.ContentDetails != nil {
			m.ItemCount = p.ContentDetails.ItemCount
		}
		out[p.Id] = m
	}
	return out, nil
}

// TruncateDescription caps descriptions at MaxDescriptionLen runes.
func TruncateDescription(s string) string {
	r := []rune(s)
	if len(r) <= MaxDescriptionLen {
		return s
	}
	return string(r[:MaxDescriptionLen])
}

// ParseISODuration converts an ISO-8601 duration like PT1H23M45S to seconds.
// Malformed input yields 0.
func ParseISODuration(s string) int {
	if !strings.HasPrefix(s, "P") {
		return 0
	}
	var total, cur int
	inTime := false
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			cur = cur*10 + int(r-'0')
		case r == 'T':
			inTime = true
			cur = 0
		case r == 'D':
			total += cur * 86400
			cur = 0
		case r == 'H' && inTime:
			total += cur * 3600
			cur = 0
		case r == 'M' && inTime:
			total += cur * 60
			cur = 0
		case r == 'S' && inTime:
			total += cur
			cur = 0
		default:
			cur = 0
		}
	}
	return total
}

// bestThumbnail picks the highest-resolution variant the API returned.
func bestThumbnail(td *yt.ThumbnailDetails) string {
	if td == nil {
		return ""
	}
	for _, t := range []*yt.Thumbnail{td.Maxres, td.Standard, td.High, td.Medium, td.Default} {
		if t != nil && t.Url != "" {
			return t.Url
		}
	}
	return ""
}
