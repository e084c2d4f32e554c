// Package imagecache is a content-addressed on-disk cache for channel avatars
// and video thumbnails. Content files and their sibling ".missing" markers
// are mutually exclusive per key; every write lands via a temp file, fsync,
// and an atomic rename so no partially written file is ever visible under its
// final name.
package imagecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind selects a cache subtree.
type Kind string

const (
	KindChannels Kind = "channels"
	KindVideos   Kind = "videos"
)

// ValidKind reports whether k names a cache subtree.
func ValidKind(k Kind) bool { return k == KindChannels || k == KindVideos }

// missingSuffix marks a previously attempted and failed key.
const missingSuffix = ".missing"

// tempPattern is the CreateTemp pattern for in-flight writes; the sweep in
// New recognizes the "-tmp-" infix.
const tempPattern = "-tmp-*"

// staleTempAge is how old an abandoned temp file must be before the startup
// sweep removes it.
const staleTempAge = time.Hour

// ChannelKey returns the relative cache path for a channel avatar.
func ChannelKey(id string) string { return filepath.Join(string(KindChannels), id+".jpg") }

// VideoKey returns the relative cache path for a video thumbnail at quality.
func VideoKey(id, quality string) string {
	return filepath.Join(string(KindVideos), quality, id+".jpg")
}

// EntryState describes the on-disk state of one key.
type EntryState int

const (
	// Absent means neither the content file nor the missing marker exists.
	Absent EntryState = iota
	// Present means the content file exists.
	Present
	// Missing means a prior attempt failed and left a marker.
	Missing
)

func (s EntryState) String() string {
	switch s {
	case Present:
		return "present"
	case Missing:
		return "missing"
	default:
		return "absent"
	}
}

// Entry is the result of a Lookup.
type Entry struct {
	State      EntryState
	Size       int64
	ModTime    time.Time
	Reason     string
	RecordedAt time.Time
}

// WriteError is returned when a cache write fails; the temp file, if any, is
// left behind for the startup sweep. Callers decide whether the failure is
// transient.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string { return fmt.Sprintf("cache write %s: %v", e.Path, e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// Store owns the filesystem subtree rooted at its images directory. Exactly
// one warm pipeline uses it at a time within a process.
type Store struct {
	root string
}

// New opens (or lazily creates) the cache rooted at root and sweeps temp
// files abandoned by a crashed run.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("imagecache: empty root")
	}
	s := &Store{root: root}
	s.sweepStaleTemp()
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) abs(key string) string { return filepath.Join(s.root, key) }

// Lookup reads the filesystem state for key. A non-existent directory is
// Absent, not an error.
func (s *Store) Lookup(key string) (Entry, error) {
	path := s.abs(key)
	if fi, err := os.Stat(path); err == nil {
		return Entry{State: Present, Size: fi.Size(), ModTime: fi.ModTime()}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	marker := path + missingSuffix
	fi, err := os.Stat(marker)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{State: Absent}, nil
		}
		return Entry{}, fmt.Errorf("stat %s: %w", marker, err)
	}
	reason := ""
	if b, err := os.ReadFile(marker); err == nil {
		reason = strings.TrimSpace(string(b))
	}
	return Entry{State: Missing, Reason: reason, RecordedAt: fi.ModTime()}, nil
}

// Store writes data under key atomically and clears any missing marker. The
// rename happens before the marker delete: a crash in between leaves a valid
// cache hit.
func (s *Store) Store(key string, data []byte) (Entry, error) {
	path := s.abs(key)
	if err := s.writeAtomic(path, data); err != nil {
		return Entry{}, err
	}
	if err := os.Remove(path + missingSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Entry{}, fmt.Errorf("remove marker for %s: %w", key, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return Entry{State: Present, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// MarkMissing records that key was attempted and failed. When the content
// file exists the call is a no-op: Present and Missing are mutually
// exclusive, and content always wins.
func (s *Store) MarkMissing(key, reason string) error {
	path := s.abs(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return s.writeAtomic(path+missingSuffix, []byte(reason))
}

// writeAtomic creates parent directories lazily, writes to a sibling temp
// file, fsyncs, and renames onto the final path.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+tempPattern)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &WriteError{Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &WriteError{Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &WriteError{Path: tmp, Err: err}
	}
	return nil
}

// Purge removes the whole subtree for kind and returns the bytes freed.
// Calling it again on an empty cache returns 0.
func (s *Store) Purge(kind Kind) (int64, error) {
	if !ValidKind(kind) {
		return 0, fmt.Errorf("unknown cache kind %q", kind)
	}
	return s.purgeDir(filepath.Join(s.root, string(kind)))
}

// PurgeAll removes everything under the cache root.
func (s *Store) PurgeAll() (int64, error) {
	var freed int64
	for _, kind := range []Kind{KindChannels, KindVideos} {
		n, err := s.purgeDir(filepath.Join(s.root, string(kind)))
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

func (s *Store) purgeDir(dir string) (int64, error) {
	var freed int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			freed += fi.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("remove %s: %w", dir, err)
	}
	return freed, nil
}

// Stats summarizes the cache subtree in one walk.
type Stats struct {
	ChannelCount        int       `json:"channel_count"`
	VideoCount          int       `json:"video_count"`
	ChannelMissingCount int       `json:"channel_missing_count"`
	VideoMissingCount   int       `json:"video_missing_count"`
	TotalSizeBytes      int64     `json:"total_size_bytes"`
	OldestFile          time.Time `json:"oldest_file,omitempty"`
	NewestFile          time.Time `json:"newest_file,omitempty"`
}

// Stats walks the tree once and returns aggregate counters.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	for _, kind := range []Kind{KindChannels, KindVideos} {
		dir := filepath.Join(s.root, string(kind))
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || strings.Contains(d.Name(), "-tmp-") {
				return nil
			}
			missing := strings.HasSuffix(d.Name(), missingSuffix)
			switch {
			case kind == KindChannels && missing:
				st.ChannelMissingCount++
			case kind == KindChannels:
				st.ChannelCount++
			case missing:
				st.VideoMissingCount++
			default:
				st.VideoCount++
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			st.TotalSizeBytes += fi.Size()
			mt := fi.ModTime()
			if st.OldestFile.IsZero() || mt.Before(st.OldestFile) {
				st.OldestFile = mt
			}
			if mt.After(st.NewestFile) {
				st.NewestFile = mt
			}
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Stats{}, fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	return st, nil
}

// sweepStaleTemp removes temp files older than an hour left behind by a
// crashed run. Best effort only.
func (s *Store) sweepStaleTemp() {
	cutoff := time.Now().Add(-staleTempAge)
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // sweep is best effort
		}
		if !strings.Contains(d.Name(), "-tmp-") {
			return nil
		}
		if fi, err := d.Info(); err == nil && fi.ModTime().Before(cutoff) {
			_ = os.Remove(path)
		}
		return nil
	})
}
