package imagecache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLookupAbsent(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Lookup(VideoKey("abc", "mqdefault"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.State != Absent {
		t.Errorf("state = %v, want absent", e.State)
	}
}

func TestStoreThenLookup(t *testing.T) {
	s := newTestStore(t)
	key := ChannelKey("UC123")
	data := []byte("jpegdata")

	e, err := s.Store(key, data)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if e.State != Present || e.Size != int64(len(data)) {
		t.Errorf("entry = %+v, want present with size %d", e, len(data))
	}

	got, err := os.ReadFile(filepath.Join(s.Root(), key))
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("content = %q, want %q", got, data)
	}
}

func TestMarkMissingThenLookup(t *testing.T) {
	s := newTestStore(t)
	key := VideoKey("gone", "hqdefault")

	if err := s.MarkMissing(key, "not_found"); err != nil {
		t.Fatalf("MarkMissing: %v", err)
	}
	e, err := s.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.State != Missing {
		t.Fatalf("state = %v, want missing", e.State)
	}
	if e.Reason != "not_found" {
		t.Errorf("reason = %q, want not_found", e.Reason)
	}
	if e.RecordedAt.IsZero() {
		t.Error("RecordedAt not set")
	}
}

// Content files and missing markers are mutually exclusive: after Store or
// MarkMissing exactly one of the two exists.
func TestExclusivity(t *testing.T) {
	s := newTestStore(t)
	key := ChannelKey("UCexcl")
	content := filepath.Join(s.Root(), key)
	marker := content + ".missing"

	if err := s.MarkMissing(key, "transport"); err != nil {
		t.Fatalf("MarkMissing: %v", err)
	}
	assertExists(t, marker, true)
	assertExists(t, content, false)

	// Store clears the marker.
	if _, err := s.Store(key, []byte("img")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	assertExists(t, content, true)
	assertExists(t, marker, false)

	// MarkMissing on a present key is a no-op on the content file.
	if err := s.MarkMissing(key, "not_found"); err != nil {
		t.Fatalf("MarkMissing after Store: %v", err)
	}
	assertExists(t, content, true)
	assertExists(t, marker, false)

	e, err := s.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.State != Present {
		t.Errorf("state = %v, want present", e.State)
	}
}

// No temp file survives a successful write; a crash mid-write would only ever
// leave a "-tmp-" file, never a partial file under the final name.
func TestStoreLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Store(VideoKey(id, "mqdefault"), []byte("x")); err != nil {
			t.Fatalf("Store %s: %v", id, err)
		}
	}
	err := filepath.Walk(s.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.Contains(info.Name(), "-tmp-") {
			t.Errorf("temp file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
}

func TestPurgeIdempotent(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Store(VideoKey("v1", "mqdefault"), []byte("aaaa")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(VideoKey("v2", "hqdefault"), []byte("bbbbbb")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ChannelKey("c1"), []byte("cc")); err != nil {
		t.Fatal(err)
	}

	freed, err := s.Purge(KindVideos)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if freed != 10 {
		t.Errorf("freed = %d, want 10", freed)
	}

	// Second purge frees nothing and the subtree stays gone.
	freed, err = s.Purge(KindVideos)
	if err != nil {
		t.Fatalf("second Purge: %v", err)
	}
	if freed != 0 {
		t.Errorf("second purge freed = %d, want 0", freed)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), string(KindVideos))); !os.IsNotExist(err) {
		t.Errorf("videos subtree still exists after purge")
	}

	// Channels untouched.
	e, err := s.Lookup(ChannelKey("c1"))
	if err != nil || e.State != Present {
		t.Errorf("channel entry = %+v, %v; want present", e, err)
	}
}

func TestPurgeAll(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Store(VideoKey("v", "mqdefault"), []byte("1234")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(ChannelKey("c"), []byte("12")); err != nil {
		t.Fatal(err)
	}
	freed, err := s.PurgeAll()
	if err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if freed != 6 {
		t.Errorf("freed = %d, want 6", freed)
	}
}

func TestPurgeUnknownKind(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Purge(Kind("playlists")); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Store(ChannelKey("c1"), []byte("12345")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store(VideoKey("v1", "mqdefault"), []byte("123")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkMissing(VideoKey("v2", "mqdefault"), "not_found"); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ChannelCount != 1 || st.VideoCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", st.ChannelCount, st.VideoCount)
	}
	if st.VideoMissingCount != 1 {
		t.Errorf("video missing = %d, want 1", st.VideoMissingCount)
	}
	// 5 + 3 content bytes plus the 9-byte "not_found" marker.
	if st.TotalSizeBytes != 17 {
		t.Errorf("total size = %d, want 17", st.TotalSizeBytes)
	}
	if st.OldestFile.IsZero() || st.NewestFile.IsZero() {
		t.Error("oldest/newest not set")
	}
}

func TestNewSweepsStaleTemp(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "videos", "mqdefault")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "x.jpg-tmp-123")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(dir, "y.jpg-tmp-456")
	if err := os.WriteFile(fresh, []byte("inflight"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(root); err != nil {
		t.Fatalf("New: %v", err)
	}
	assertExists(t, stale, false)
	assertExists(t, fresh, true)
}

func TestNewEmptyRoot(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestKeys(t *testing.T) {
	if got := ChannelKey("UC1"); got != filepath.Join("channels", "UC1.jpg") {
		t.Errorf("ChannelKey = %q", got)
	}
	if got := VideoKey("v1", "maxresdefault"); got != filepath.Join("videos", "maxresdefault", "v1.jpg") {
		t.Errorf("VideoKey = %q", got)
	}
}

func assertExists(t *testing.T, path string, want bool) {
	t.Helper()
	_, err := os.Stat(path)
	got := err == nil
	if got != want {
		t.Errorf("exists(%s) = %v, want %v", path, got, want)
	}
}
