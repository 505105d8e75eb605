// Package camera provides frames to the check-in loop.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // snapshot decoders
	_ "image/png"
	"io"
	"net/http"
	"time"
)

// ErrNoFrame is returned when the camera has no frame available yet.
var ErrNoFrame = errors.New("no frame available")

// Source returns the latest frame.
type Source interface {
	Frame(ctx context.Context) (image.Image, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (image.Image, error)

// Frame implements Source.
func (f SourceFunc) Frame(ctx context.Context) (image.Image, error) { return f(ctx) }

const maxSnapshotBytes = 16 << 20

// HTTPSnapshot fetches a still image from an IP camera snapshot endpoint
// on every call.
type HTTPSnapshot struct {
	url    string
	client *http.Client
}

// NewHTTPSnapshot returns a Source reading JPEG or PNG snapshots from url.
// A nil client uses one with a 2s timeout.
func NewHTTPSnapshot(url string, client *http.Client) *HTTPSnapshot {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPSnapshot{url: url, client: client}
}

// Frame implements Source.
func (s *HTTPSnapshot) Frame(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, ErrNoFrame
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("camera: snapshot status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("camera: decode snapshot: %w", err)
	}
	return img, nil
}
