package warm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quarterstack/ytarchive/config"
	"github.com/quarterstack/ytarchive/db"
	"github.com/quarterstack/ytarchive/imagecache"
	"github.com/quarterstack/ytarchive/report"
	"github.com/quarterstack/ytarchive/ytapi"
)

type fakeSource struct {
	channels []db.ImageCandidate
	videos   []db.ImageCandidate
}

func (f *fakeSource) ChannelsNeedingImages(_ context.Context, limit int) ([]db.ImageCandidate, error) {
	return capped(f.channels, limit), nil
}

func (f *fakeSource) VideosNeedingImages(_ context.Context, limit int) ([]db.ImageCandidate, error) {
	return capped(f.videos, limit), nil
}

func capped(c []db.ImageCandidate, limit int) []db.ImageCandidate {
	if limit > 0 && len(c) > limit {
		return c[:limit]
	}
	return c
}

type fetchResult struct {
	data []byte
	err  error
}

// fakeFetcher replays a scripted response queue per URL; an exhausted queue
// repeats its last entry.
type fakeFetcher struct {
	responses map[string][]fetchResult
	calls     []string
	onFetch   func(callCount int)
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.calls = append(f.calls, url)
	if f.onFetch != nil {
		f.onFetch(len(f.calls))
	}
	queue := f.responses[url]
	if len(queue) == 0 {
		return nil, &ytapi.Error{Kind: ytapi.KindNotFound, Err: errors.New("unscripted url")}
	}
	r := queue[0]
	if len(queue) > 1 {
		f.responses[url] = queue[1:]
	}
	return r.data, r.err
}

func throttledErr() error {
	return &ytapi.Error{Kind: ytapi.KindThrottled, Err: errors.New("status 429")}
}

func transportErr() error {
	return &ytapi.Error{Kind: ytapi.KindTransport, Err: errors.New("status 502")}
}

type progressLog struct {
	ids      []string
	statuses []string
}

func (p *progressLog) record(id, status string) {
	p.ids = append(p.ids, id)
	p.statuses = append(p.statuses, status)
}

func (p *progressLog) count(status string) int {
	n := 0
	for _, s := range p.statuses {
		if s == status {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     4 * time.Millisecond,
		RequestTimeout: time.Second,
		DefaultQuality: config.QualityMQ,
	}
}

func newWarmer(t *testing.T, src *fakeSource, f *fakeFetcher) *Warmer {
	t.Helper()
	cache, err := imagecache.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Warmer{Source: src, Fetcher: f, Cache: cache, Cfg: testConfig()}
}

func TestWarmAllDownloadsChannelsThenVideos(t *testing.T) {
	src := &fakeSource{
		channels: []db.ImageCandidate{{ID: "UC1", URL: "https://yt3.ggpht.com/UC1"}},
		videos:   []db.ImageCandidate{{ID: "v1"}, {ID: "v2"}},
	}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		"https://yt3.ggpht.com/UC1":           {{data: []byte("avatar")}},
		ytapi.ThumbnailURL("v1", "mqdefault"): {{data: []byte("thumb1")}},
		ytapi.ThumbnailURL("v2", "mqdefault"): {{data: []byte("thumb2")}},
	}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindAll, Options{Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Downloaded != 3 || res.Failed != 0 || res.Total != 3 {
		t.Errorf("result = %+v", res)
	}

	// Channels are processed before videos.
	if len(p.ids) != 3 || p.ids[0] != "UC1" || p.ids[1] != "v1" || p.ids[2] != "v2" {
		t.Errorf("progress order = %v", p.ids)
	}

	for _, key := range []string{imagecache.ChannelKey("UC1"), imagecache.VideoKey("v1", "mqdefault")} {
		e, err := w.Cache.Lookup(key)
		if err != nil || e.State != imagecache.Present {
			t.Errorf("cache entry %s = %+v, %v", key, e, err)
		}
	}
}

func TestWarmSkipsPresent(t *testing.T) {
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{}}
	w := newWarmer(t, src, f)
	if _, err := w.Cache.Store(imagecache.VideoKey("v1", "mqdefault"), []byte("cached")); err != nil {
		t.Fatal(err)
	}

	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true})
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if res.Skipped != 1 || res.Downloaded != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(f.calls) != 0 {
		t.Errorf("fetch called for a cached item: %v", f.calls)
	}
}

func TestWarmMissingMarkerRespected(t *testing.T) {
	url := ytapi.ThumbnailURL("v1", "mqdefault")
	newCase := func(t *testing.T) (*Warmer, *fakeFetcher) {
		src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}}}
		f := &fakeFetcher{responses: map[string][]fetchResult{url: {{data: []byte("img")}}}}
		w := newWarmer(t, src, f)
		if err := w.Cache.MarkMissing(imagecache.VideoKey("v1", "mqdefault"), "not_found"); err != nil {
			t.Fatal(err)
		}
		return w, f
	}

	t.Run("refresh retries", func(t *testing.T) {
		w, f := newCase(t)
		res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.Downloaded != 1 || len(f.calls) != 1 {
			t.Errorf("result = %+v, calls = %v", res, f.calls)
		}
		// Store cleared the marker.
		e, _ := w.Cache.Lookup(imagecache.VideoKey("v1", "mqdefault"))
		if e.State != imagecache.Present {
			t.Errorf("entry = %+v, want present", e)
		}
	})

	t.Run("no refresh skips", func(t *testing.T) {
		w, f := newCase(t)
		var p progressLog
		res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: false, Progress: p.record})
		if err != nil {
			t.Fatal(err)
		}
		if res.Skipped != 1 || len(f.calls) != 0 {
			t.Errorf("result = %+v, calls = %v", res, f.calls)
		}
		if p.count("skipped:missing_marker") != 1 {
			t.Errorf("statuses = %v", p.statuses)
		}
	})
}

func TestWarmChannelWithoutURL(t *testing.T) {
	src := &fakeSource{channels: []db.ImageCandidate{{ID: "UCnourl"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindChannels, Options{Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatal(err)
	}
	if res.NoURL != 1 || res.Total != 1 || len(f.calls) != 0 {
		t.Errorf("result = %+v, calls = %v", res, f.calls)
	}
	if p.count("no_url") != 1 {
		t.Errorf("statuses = %v", p.statuses)
	}
}

func TestWarmDryRun(t *testing.T) {
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}, {ID: "v2"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindVideos, Options{DryRun: true, Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Errorf("dry run touched the network: %v", f.calls)
	}
	if p.count(report.StatusDryRun) != 2 {
		t.Errorf("statuses = %v", p.statuses)
	}
	if res.Downloaded != 0 || res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestWarmNotFoundMarksMissing(t *testing.T) {
	url := ytapi.ThumbnailURL("vgone", "mqdefault")
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "vgone"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		url: {{err: &ytapi.Error{Kind: ytapi.KindNotFound, Err: errors.New("status 404")}}},
	}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || len(f.calls) != 1 {
		t.Errorf("result = %+v, calls = %d", res, len(f.calls))
	}
	if p.count("failed:not_found") != 1 {
		t.Errorf("statuses = %v", p.statuses)
	}
	e, _ := w.Cache.Lookup(imagecache.VideoKey("vgone", "mqdefault"))
	if e.State != imagecache.Missing || e.Reason != "not_found" {
		t.Errorf("entry = %+v, want missing/not_found", e)
	}
}

func TestWarmThrottleThenSuccess(t *testing.T) {
	url := ytapi.ThumbnailURL("v1", "mqdefault")
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		url: {{err: throttledErr()}, {data: []byte("img")}},
	}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(f.calls) != 2 {
		t.Errorf("fetch calls = %d, want 2", len(f.calls))
	}
	if p.count(report.BackoffSentinel) != 1 {
		t.Errorf("statuses = %v, want one backoff event", p.statuses)
	}
}

func TestWarmThrottleTwiceFails(t *testing.T) {
	url := ytapi.ThumbnailURL("v1", "mqdefault")
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		url: {{err: throttledErr()}, {err: throttledErr()}},
	}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || len(f.calls) != 2 {
		t.Errorf("result = %+v, calls = %d", res, len(f.calls))
	}
	if p.count("failed:throttled") != 1 {
		t.Errorf("statuses = %v", p.statuses)
	}
}

func TestWarmTransportRetriesExhausted(t *testing.T) {
	url := ytapi.ThumbnailURL("v1", "mqdefault")
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		url: {{err: transportErr()}},
	}}
	w := newWarmer(t, src, f)

	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true})
	if err != nil {
		t.Fatal(err)
	}
	// Initial attempt plus MaxRetries.
	if want := w.Cfg.MaxRetries + 1; len(f.calls) != want {
		t.Errorf("fetch calls = %d, want %d", len(f.calls), want)
	}
	if res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	e, _ := w.Cache.Lookup(imagecache.VideoKey("v1", "mqdefault"))
	if e.State != imagecache.Missing || e.Reason != "transport" {
		t.Errorf("entry = %+v, want missing/transport", e)
	}
}

func TestWarmTransportStreakSetsWarning(t *testing.T) {
	var vids []db.ImageCandidate
	responses := map[string][]fetchResult{}
	for i := 0; i < report.NetworkInstabilityThreshold; i++ {
		id := fmt.Sprintf("v%d", i)
		vids = append(vids, db.ImageCandidate{ID: id})
		responses[ytapi.ThumbnailURL(id, "mqdefault")] = []fetchResult{{err: transportErr()}}
	}
	src := &fakeSource{videos: vids}
	w := newWarmer(t, src, &fakeFetcher{responses: responses})

	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NetworkInstabilityWarning {
		t.Error("instability warning not set after consecutive transport failures")
	}
	if len(res.Errors) != report.NetworkInstabilityThreshold {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestWarmLimit(t *testing.T) {
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}, {ID: "v2"}, {ID: "v3"}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		ytapi.ThumbnailURL("v1", "mqdefault"): {{data: []byte("img")}},
	}}
	w := newWarmer(t, src, f)

	var p progressLog
	res, err := w.Warm(context.Background(), KindVideos, Options{Limit: 1, Refresh: true, Progress: p.record})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Downloaded != 1 {
		t.Errorf("result = %+v", res)
	}
	if p.count(report.StatusLimitReached) != 1 {
		t.Errorf("statuses = %v", p.statuses)
	}
}

func TestWarmInterrupted(t *testing.T) {
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1"}, {ID: "v2"}, {ID: "v3"}}}
	ctx, cancel := context.WithCancel(context.Background())
	f := &fakeFetcher{
		responses: map[string][]fetchResult{
			ytapi.ThumbnailURL("v1", "mqdefault"): {{data: []byte("img")}},
		},
		onFetch: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}
	w := newWarmer(t, src, f)

	res, err := w.Warm(ctx, KindVideos, Options{Refresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasInterrupted {
		t.Error("WasInterrupted not set")
	}
	// The first item completed; later candidates were never fetched.
	if res.Downloaded != 1 || len(f.calls) != 1 {
		t.Errorf("result = %+v, calls = %v", res, f.calls)
	}
}

func TestWarmValidation(t *testing.T) {
	w := newWarmer(t, &fakeSource{}, &fakeFetcher{})
	cases := []struct {
		name string
		kind Kind
		opts Options
	}{
		{"unknown kind", Kind("covers"), Options{}},
		{"bad quality", KindVideos, Options{Quality: "enormous"}},
		{"negative limit", KindVideos, Options{Limit: -1}},
		{"negative delay", KindVideos, Options{Delay: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := w.Warm(context.Background(), tc.kind, tc.opts); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWarmStoredThumbnailURLOverrides(t *testing.T) {
	override := "https://cdn.example.com/custom.jpg"
	src := &fakeSource{videos: []db.ImageCandidate{{ID: "v1", URL: override}}}
	f := &fakeFetcher{responses: map[string][]fetchResult{
		override: {{data: []byte("img")}},
	}}
	w := newWarmer(t, src, f)

	res, err := w.Warm(context.Background(), KindVideos, Options{Refresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Downloaded != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(f.calls) != 1 || f.calls[0] != override {
		t.Errorf("fetched %v, want the stored URL", f.calls)
	}
}
