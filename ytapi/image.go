package ytapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxImageBytes caps a single thumbnail download; anything larger is not a
// thumbnail.
const maxImageBytes = 10 << 20

// ImageFetcher downloads cache images with a bounded timeout and validates
// the payload is an image before handing bytes back.
type ImageFetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewImageFetcher builds a fetcher with the given per-request timeout.
func NewImageFetcher(timeout time.Duration, userAgent string) *ImageFetcher {
	return &ImageFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Fetch GETs url and returns the image bytes. Errors carry a Kind: 404/410
// map to not_found, 429 to throttled, other non-2xx and transport failures to
// transport, and invalid payloads (wrong content type, zero bytes) to content.
func (f *ImageFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(KindTransport, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, ctx.Err())
		}
		return nil, newError(KindTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, newError(KindNotFound, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newError(KindThrottled, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, newError(KindTransport, fmt.Errorf("status %d", resp.StatusCode))
	}

	if !validImageType(resp.Header.Get("Content-Type")) {
		return nil, newError(KindContent, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, ctx.Err())
		}
		return nil, newError(KindTransport, fmt.Errorf("read body: %w", err))
	}
	if len(data) == 0 {
		return nil, newError(KindContent, fmt.Errorf("empty body"))
	}
	return data, nil
}

// validImageType accepts jpeg and png; png is later written under a .jpg
// extension on purpose, the extension is structural not semantic.
func validImageType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	return ct == "image/jpeg" || ct == "image/png"
}

// ThumbnailURL derives the canonical thumbnail URL for a video at the given
// quality.
func ThumbnailURL(videoID, quality string) string {
	return fmt.Sprintf("https://i.ytimg.com/vi/%s/%s.jpg", videoID, quality)
}
