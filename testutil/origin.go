package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// tinyJPEG is a minimal JPEG header, enough to exercise content handling.
var tinyJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

// JPEGBytes returns a small valid-enough JPEG payload for cache tests.
func JPEGBytes() []byte {
	out := make([]byte, len(tinyJPEG))
	copy(out, tinyJPEG)
	return out
}

type originResponse struct {
	status      int
	contentType string
	body        []byte
}

// MockImageOrigin mocks the thumbnail origin. Responses are registered per
// path; unknown paths return 404 like the real origin does for missing
// thumbnails.
type MockImageOrigin struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string][]originResponse // consumed front to back; last one sticks
	requests  map[string]int
}

// NewMockImageOrigin creates an image origin mock.
func NewMockImageOrigin(t *testing.T) *MockImageOrigin {
	t.Helper()
	m := &MockImageOrigin{
		responses: make(map[string][]originResponse),
		requests:  make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		queue := m.responses[r.URL.Path]
		var resp originResponse
		switch {
		case len(queue) == 0:
			resp = originResponse{status: http.StatusNotFound}
		case len(queue) == 1:
			resp = queue[0]
		default:
			resp = queue[0]
			m.responses[r.URL.Path] = queue[1:]
		}
		m.mu.Unlock()

		if resp.contentType != "" {
			w.Header().Set("Content-Type", resp.contentType)
		}
		w.WriteHeader(resp.status)
		if len(resp.body) > 0 {
			_, _ = w.Write(resp.body)
		}
	}))
	t.Cleanup(m.Close)
	return m
}

// ServeImage makes path return 200 with a JPEG payload.
func (m *MockImageOrigin) ServeImage(path string) {
	m.push(path, originResponse{status: http.StatusOK, contentType: "image/jpeg", body: JPEGBytes()})
}

// ServeStatus makes path return the given status with an empty body.
func (m *MockImageOrigin) ServeStatus(path string, status int) {
	m.push(path, originResponse{status: status})
}

// ServeBody makes path return 200 with an explicit content type and body.
func (m *MockImageOrigin) ServeBody(path, contentType string, body []byte) {
	m.push(path, originResponse{status: http.StatusOK, contentType: contentType, body: body})
}

func (m *MockImageOrigin) push(path string, r originResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = append(m.responses[path], r)
}

// Requests reports how many times path was hit.
func (m *MockImageOrigin) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}
