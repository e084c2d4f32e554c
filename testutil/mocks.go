// Package testutil provides httptest-backed mocks for the YouTube Data API
// and the thumbnail origin, so pipeline tests run without network access.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockDataAPIServer mocks the Data API list endpoints (videos, channels,
// playlists). Point the real client at it with option.WithEndpoint.
type MockDataAPIServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu    sync.Mutex
	calls map[string]int
}

// NewMockDataAPIServer creates a mock Data API server that routes by the last
// path segment ("videos", "channels", "playlists").
func NewMockDataAPIServer(t *testing.T) *MockDataAPIServer {
	t.Helper()
	m := &MockDataAPIServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		key := parts[len(parts)-1]
		m.mu.Lock()
		m.calls[key]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Calls reports how many requests hit the given endpoint.
func (m *MockDataAPIServer) Calls(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

// MockListResponse serves the given items for one endpoint. Items use the
// Data API wire shape; numeric statistics must be JSON strings.
func (m *MockDataAPIServer) MockListResponse(endpoint string, items []map[string]any) {
	m.Handlers[endpoint] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{"items": items}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockThrottleThen serves one 429 rate-limit error, then delegates every
// later request to the given items.
func (m *MockDataAPIServer) MockThrottleThen(endpoint string, items []map[string]any) {
	throttled := false
	m.Handlers[endpoint] = func(w http.ResponseWriter, r *http.Request) {
		if !throttled {
			throttled = true
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"rate limit","errors":[{"reason":"rateLimitExceeded"}]}}`))
			return
		}
		response := map[string]any{"items": items}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// VideoItem builds a videos.list item in wire shape.
func VideoItem(id, channelID, title, description, duration string, views int64) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"channelId":   channelID,
			"title":       title,
			"description": description,
			"thumbnails": map[string]any{
				"high": map[string]any{"url": "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"},
			},
		},
		"statistics": map[string]any{
			"viewCount":    jsonCount(views),
			"likeCount":    "0",
			"commentCount": "0",
		},
		"contentDetails": map[string]any{"duration": duration},
	}
}

// ChannelItem builds a channels.list item in wire shape.
func ChannelItem(id, title, country string, subscribers int64) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"title":   title,
			"country": country,
			"thumbnails": map[string]any{
				"high": map[string]any{"url": "https://yt3.ggpht.com/" + id + "=s800"},
			},
		},
		"statistics": map[string]any{
			"subscriberCount": jsonCount(subscribers),
			"videoCount":      "0",
			"viewCount":       "0",
		},
	}
}

// PlaylistItem builds a playlists.list item in wire shape.
func PlaylistItem(id, channelID, title string, itemCount int64) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"channelId": channelID,
			"title":     title,
		},
		"contentDetails": map[string]any{"itemCount": itemCount},
	}
}

// The Data API serializes statistics counters as JSON strings.
func jsonCount(n int64) string { return strconv.FormatInt(n, 10) }
