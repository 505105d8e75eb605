package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// RemoteExtractor calls an external embedding service. The frame is posted
// as a JPEG body; the service answers with
//
//	{"faces":[{"box":[x,y,w,h],"score":0.99,"embedding":[...]}]}
type RemoteExtractor struct {
	endpoint string
	client   *http.Client
	quality  int
}

// NewRemoteExtractor returns an extractor posting to endpoint. A nil client
// uses one with a 5 second timeout.
func NewRemoteExtractor(endpoint string, client *http.Client) *RemoteExtractor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RemoteExtractor{endpoint: endpoint, client: client, quality: 85}
}

type remoteFace struct {
	Box       [4]int    `json:"box"`
	Score     float64   `json:"score"`
	Embedding []float64 `json:"embedding"`
}

type remoteResponse struct {
	Faces []remoteFace `json:"faces"`
}

// Detect implements Extractor.
func (r *RemoteExtractor) Detect(ctx context.Context, frame image.Image) ([]Face, error) {
	var body bytes.Buffer
	if err := jpeg.Encode(&body, frame, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call extractor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("extractor returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode extractor response: %w", err)
	}

	faces := make([]Face, 0, len(out.Faces))
	for _, f := range out.Faces {
		x, y, w, h := f.Box[0], f.Box[1], f.Box[2], f.Box[3]
		faces = append(faces, Face{
			Box:       image.Rect(x, y, x+w, y+h),
			Score:     f.Score,
			Embedding: models.Embedding(f.Embedding),
		})
	}
	return faces, nil
}
