package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/report"
	"github.com/quarterstack/ytarchive/ytapi"
)

// kindHandler binds one entity family's candidate query, remote call, and
// per-item diff-and-stage step. Handlers carry per-batch state between load
// and outcome.
type kindHandler interface {
	candidates(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error)
	// load issues the batched remote call and reads the stored rows to diff
	// against. It holds both until the next load.
	load(ctx context.Context, ids []string) error
	// outcome diffs one item in input order, staging updates into b unless b
	// is nil (dry run).
	outcome(ctx context.Context, b Batch, id string) report.Outcome
}

func (c *Coordinator) handlerFor(kind Kind) kindHandler {
	switch kind {
	case KindChannels:
		return &channelHandler{c: c}
	case KindPlaylists:
		return &playlistHandler{c: c}
	default:
		return &videoHandler{c: c}
	}
}

// ---- videos ----------------------------------------------------------------

type videoHandler struct {
	c      *Coordinator
	remote map[string]ytapi.VideoMeta
	stored map[string]db.VideoRow
}

func (h *videoHandler) candidates(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error) {
	return h.c.Store.VideosNeedingEnrichment(ctx, p, staleBefore, limit)
}

func (h *videoHandler) load(ctx context.Context, ids []string) error {
	remote, err := h.c.API.VideosByIDs(ctx, ids)
	if err != nil {
		return err
	}
	stored, err := h.c.Store.VideosByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load stored videos: %w", err)
	}
	h.remote, h.stored = remote, stored
	return nil
}

func (h *videoHandler) outcome(ctx context.Context, b Batch, id string) report.Outcome {
	meta, present := h.remote[id]
	if !present {
		if b != nil {
			if err := b.StageVideoTombstone(ctx, id); err != nil {
				return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: err.Error()}
			}
		}
		return report.Outcome{ID: id, Kind: report.OutcomeDeleted}
	}
	row, ok := h.stored[id]
	if !ok {
		return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: "candidate row disappeared"}
	}
	changed := diffVideo(row, meta)
	if len(changed) == 0 {
		return report.Outcome{ID: id, Kind: report.OutcomeSkipped, Reason: "unchanged"}
	}
	if b != nil {
		if err := b.StageVideoUpdate(ctx, meta); err != nil {
			return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: err.Error()}
		}
	}
	o := report.Outcome{ID: id, Kind: report.OutcomeUpdated, FieldsChanged: changed}
	if row.Title != meta.Title {
		o.Old, o.New = row.Title, meta.Title
	}
	return o
}

func diffVideo(row db.VideoRow, meta ytapi.VideoMeta) []string {
	var changed []string
	add := func(name string, diff bool) {
		if diff {
			changed = append(changed, name)
		}
	}
	add("placeholder", row.Placeholder)
	add("channel_id", row.ChannelID != meta.ChannelID)
	add("title", row.Title != meta.Title)
	add("description", row.Description != meta.Description)
	add("default_language", row.DefaultLanguage != meta.DefaultLanguage)
	add("duration_seconds", row.DurationSeconds != meta.DurationSeconds)
	add("view_count", row.ViewCount != meta.ViewCount)
	add("like_count", row.LikeCount != meta.LikeCount)
	add("comment_count", row.CommentCount != meta.CommentCount)
	add("thumbnail_url", row.ThumbnailURL != meta.ThumbnailURL)
	return changed
}

// ---- channels --------------------------------------------------------------

type channelHandler struct {
	c      *Coordinator
	remote map[string]ytapi.ChannelMeta
	stored map[string]db.ChannelRow
}

func (h *channelHandler) candidates(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error) {
	return h.c.Store.ChannelsNeedingEnrichment(ctx, p, staleBefore, limit)
}

func (h *channelHandler) load(ctx context.Context, ids []string) error {
	remote, err := h.c.API.ChannelsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	stored, err := h.c.Store.ChannelsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load stored channels: %w", err)
	}
	h.remote, h.stored = remote, stored
	return nil
}

func (h *channelHandler) outcome(ctx context.Context, b Batch, id string) report.Outcome {
	meta, present := h.remote[id]
	if !present {
		if b != nil {
			if err := b.StageChannelTombstone(ctx, id); err != nil {
				return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: err.Error()}
			}
		}
		return report.Outcome{ID: id, Kind: report.OutcomeDeleted}
	}
	row, ok := h.stored[id]
	if !ok {
		return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: "candidate row disappeared"}
	}
	changed := diffChannel(row, meta)
	if len(changed) == 0 {
		return report.Outcome{ID: id, Kind: report.OutcomeSkipped, Reason: "unchanged"}
	}
	if b != nil {
		if err := b.StageChannelUpdate(ctx, meta); err != nil {
			return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: err.Error()}
		}
	}
	o := report.Outcome{ID: id, Kind: report.OutcomeUpdated, FieldsChanged: changed}
	if row.Title != meta.Title {
		o.Old, o.New = row.Title, meta.Title
	}
	return o
}

func diffChannel(row db.ChannelRow, meta ytapi.ChannelMeta) []string {
	var changed []string
	add := func(name string, diff bool) {
		if diff {
			changed = append(changed, name)
		}
	}
	add("placeholder", row.Placeholder)
	add("title", row.Title != meta.Title)
	add("description", row.Description != meta.Description)
	add("country", row.Country != meta.Country)
	add("custom_url", row.CustomURL != meta.CustomURL)
	add("subscriber_count", row.SubscriberCount != meta.SubscriberCount)
	add("video_count", row.VideoCount != meta.VideoCount)
	add("view_count", row.ViewCount != meta.ViewCount)
	add("avatar_url", row.AvatarURL != meta.AvatarURL)
	return changed
}

// ---- playlists -------------------------------------------------------------

type playlistHandler struct {
	c      *Coordinator
	remote map[string]ytapi.PlaylistMeta
	stored map[string]db.PlaylistRow
}

func (h *playlistHandler) candidates(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error) {
	return h.c.Store.PlaylistsNeedingEnrichment(ctx, p, staleBefore, limit)
}

func (h *playlistHandler) load(ctx context.Context, ids []string) error {
	remote, err := h.c.API.PlaylistsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	stored, err := h.c.Store.PlaylistsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load stored playlists: %w", err)
	}
	h.remote, h.stored = remote, stored
	return nil
}

func (h *playlistHandler) outcome(ctx context.Context, b Batch, id string) report.Outcome {
	meta, present := h.remote[id]
	if !present {
		if b != nil {
			if err := b.StagePlaylistTombstone(ctx, id); err != nil {
				return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: err.Error()}
			}
		}
		return report.Outcome{ID: id, Kind: report.OutcomeDeleted}
	}
	row, ok := h.stored[id]
	if !ok {
		return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: "candidate row disappeared"}
	}
	changed := diffPlaylist(row, meta)
	if len(changed) == 0 {
		return report.Outcome{ID: id, Kind: report.OutcomeSkipped, Reason: "unchanged"}
	}
	if b != nil {
		if err := b.StagePlaylistUpdate(ctx, meta); err != nil {
			return report.Outcome{ID: id, Kind: report.OutcomeFailed, ErrorKind: "mapping_error", Error: err.Error()}
		}
	}
	return report.Outcome{ID: id, Kind: report.OutcomeUpdated, FieldsChanged: changed}
}

func diffPlaylist(row db.PlaylistRow, meta ytapi.PlaylistMeta) []string {
	var changed []string
	add := func(name string, diff bool) {
		if diff {
			changed = append(changed, name)
		}
	}
	add("placeholder", row.Placeholder)
	add("channel_id", row.ChannelID != meta.ChannelID)
	add("title", row.Title != meta.Title)
	add("description", row.Description != meta.Description)
	add("item_count", row.ItemCount != meta.ItemCount)
	return changed
}
