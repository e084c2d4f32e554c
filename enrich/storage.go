package enrich

import (
	"context"
	"time"

	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/ytapi"
)

// Batch stages updates for one enrichment batch; Commit makes them visible
// atomically. Satisfied by *db.Batch.
type Batch interface {
	StageVideoUpdate(ctx context.Context, m ytapi.VideoMeta) error
	StageVideoTombstone(ctx context.Context, id string) error
	StageChannelUpdate(ctx context.Context, m ytapi.ChannelMeta) error
	StageChannelTombstone(ctx context.Context, id string) error
	StagePlaylistUpdate(ctx context.Context, m ytapi.PlaylistMeta) error
	StagePlaylistTombstone(ctx context.Context, id string) error
	Commit() error
	Rollback() error
}

// Storage is the persistence collaborator the coordinator consumes. Rows are
// only ever mutated through Batch commits.
type Storage interface {
	VideosNeedingEnrichment(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error)
	ChannelsNeedingEnrichment(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error)
	PlaylistsNeedingEnrichment(ctx context.Context, p db.Priority, staleBefore time.Time, limit int) ([]string, error)
	VideosByIDs(ctx context.Context, ids []string) (map[string]db.VideoRow, error)
	ChannelsByIDs(ctx context.Context, ids []string) (map[string]db.ChannelRow, error)
	PlaylistsByIDs(ctx context.Context, ids []string) (map[string]db.PlaylistRow, error)
	BeginBatch(ctx context.Context) (Batch, error)
	TryAcquireLock(ctx context.Context, name string) (*db.LockToken, error)
	ReleaseLock(ctx context.Context, tok *db.LockToken)
	SetKV(ctx context.Context, key, value string) error
}

// Remote is the batched metadata API. Items absent from a returned map signal
// deletion. Satisfied by *ytapi.Service.
type Remote interface {
	VideosByIDs(ctx context.Context, ids []string) (map[string]ytapi.VideoMeta, error)
	ChannelsByIDs(ctx context.Context, ids []string) (map[string]ytapi.ChannelMeta, error)
	PlaylistsByIDs(ctx context.Context, ids []string) (map[string]ytapi.PlaylistMeta, error)
}

// DBStorage adapts *db.Store to Storage (BeginBatch returns the concrete
// *db.Batch).
type DBStorage struct{ *db.Store }

func (s DBStorage) BeginBatch(ctx context.Context) (Batch, error) { return s.Store.BeginBatch(ctx) }
