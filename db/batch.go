package db

import (
	"context"
	"database/sql"

	"github.com/quarterstack/ytarchive/ytapi"
)

// Batch stages enrichment updates inside one transaction. Either every staged
// update in the batch becomes visible at Commit or none does.
type Batch struct{ tx *sql.Tx }

// BeginBatch opens the transaction for one enrichment batch.
func (s *Store) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Batch{tx: tx}, nil
}

// StageVideoUpdate writes the remote field set onto the stored row and clears
// the placeholder flag.
func (b *Batch) StageVideoUpdate(ctx context.Context, m ytapi.VideoMeta) error {
	_, err := b.tx.ExecContext(ctx, `UPDATE videos SET
			channel_id=$1, title=$2, description=$3, default_language=$4, duration_seconds=$5,
			view_count=$6, like_count=$7, comment_count=$8, thumbnail_url=$9,
			placeholder=FALSE, enriched_at=NOW(), updated_at=NOW()
		WHERE video_id=$10`,
		m.ChannelID, m.Title, m.Description, m.DefaultLanguage, m.DurationSeconds,
		m.ViewCount, m.LikeCount, m.CommentCount, m.ThumbnailURL, m.ID)
	return err
}

// StageVideoTombstone records that the remote no longer serves the video.
func (b *Batch) StageVideoTombstone(ctx context.Context, id string) error {
	_, err := b.tx.ExecContext(ctx,
		`UPDATE videos SET deleted_at=NOW(), updated_at=NOW() WHERE video_id=$1 AND deleted_at IS NULL`, id)
	return err
}

// StageChannelUpdate writes the remote field set onto the stored channel row.
func (b *Batch) StageChannelUpdate(ctx context.Context, m ytapi.ChannelMeta) error {
	_, err := b.tx.ExecContext(ctx, `UPDATE channels SET
			title=$1, description=$2, country=$3, custom_url=$4,
			subscriber_count=$5, video_count=$6, view_count=$7, avatar_url=$8,
			placeholder=FALSE, enriched_at=NOW(), updated_at=NOW()
		WHERE channel_id=$9`,
		m.Title, m.Description, m.Country, m.CustomURL,
		m.SubscriberCount, m.VideoCount, m.ViewCount, m.AvatarURL, m.ID)
	return err
}

// StageChannelTombstone records that the remote no longer serves the channel.
func (b *Batch) StageChannelTombstone(ctx context.Context, id string) error {
	_, err := b.tx.ExecContext(ctx,
		`UPDATE channels SET deleted_at=NOW(), updated_at=NOW() WHERE channel_id=$1 AND deleted_at IS NULL`, id)
	return err
}

// StagePlaylistUpdate writes the remote field set onto the stored playlist row.
func (b *Batch) StagePlaylistUpdate(ctx context.Context, m ytapi.PlaylistMeta) error {
	_, err := b.tx.ExecContext(ctx, `UPDATE playlists SET
			channel_id=$1, title=$2, description=$3, item_count=$4,
			placeholder=FALSE, enriched_at=NOW(), updated_at=NOW()
		WHERE playlist_id=$5`,
		m.ChannelID, m.Title, m.Description, m.ItemCount, m.ID)
	return err
}

// StagePlaylistTombstone records that the remote no longer serves the playlist.
func (b *Batch) StagePlaylistTombstone(ctx context.Context, id string) error {
	_, err := b.tx.ExecContext(ctx,
		`UPDATE playlists SET deleted_at=NOW(), updated_at=NOW() WHERE playlist_id=$1 AND deleted_at IS NULL`, id)
	return err
}

// Commit makes every staged update visible atomically.
func (b *Batch) Commit() error { return b.tx.Commit() }

// Rollback discards every staged update. Safe to call after Commit.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
