package biometric

import (
	"context"
	"fmt"
	"image"
	"math"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// Matcher extracts a probe embedding from a frame and finds the closest
// enrolled passenger.
type Matcher struct {
	extractor Extractor
	threshold float64
	dim       int
	log       *zap.Logger
}

// NewMatcher returns a Matcher. A non-positive threshold selects
// DefaultThreshold; dim is the expected embedding dimension.
func NewMatcher(extractor Extractor, threshold float64, dim int, log *zap.Logger) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{extractor: extractor, threshold: threshold, dim: dim, log: log}
}

// Threshold returns the acceptance threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Dim returns the expected embedding dimension.
func (m *Matcher) Dim() int { return m.dim }

// Extract returns the embedding of the primary face in frame. The boolean
// is false when no usable face is present.
func (m *Matcher) Extract(ctx context.Context, frame image.Image) (models.Embedding, bool, error) {
	if frame == nil {
		return nil, false, nil
	}
	faces, err := m.extractor.Detect(ctx, frame)
	if err != nil {
		return nil, false, fmt.Errorf("detect faces: %w", err)
	}
	face, ok := PrimaryFace(faces)
	if !ok {
		return nil, false, nil
	}
	if face.Embedding.Dim() != m.dim {
		m.log.Debug("embedding dimension mismatch",
			zap.Int("got", face.Embedding.Dim()), zap.Int("want", m.dim))
		return nil, false, nil
	}
	return face.Embedding, true, nil
}

// PrimaryFace picks the face with the largest bounding box. Ties go to the
// higher detection score, then to the earlier detection.
func PrimaryFace(faces []Face) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	best := 0
	for i := 1; i < len(faces); i++ {
		a, b := area(faces[i].Box), area(faces[best].Box)
		if a > b || (a == b && faces[i].Score > faces[best].Score) {
			best = i
		}
	}
	return faces[best], true
}

func area(r image.Rectangle) int {
	r = r.Canon()
	return r.Dx() * r.Dy()
}

// Match compares probe against every gallery entry in gallery order and
// returns the closest one when its distance is within the threshold. The
// first of several equal minima wins.
func (m *Matcher) Match(probe models.Embedding, g *Gallery) (Match, bool) {
	if g == nil || g.Len() == 0 || probe.Dim() == 0 {
		return Match{}, false
	}
	bestIdx := -1
	bestDist := math.Inf(1)
	for i, e := range g.entries {
		d := probe.Distance(e.Embedding)
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	if bestIdx < 0 || bestDist > m.threshold {
		return Match{}, false
	}
	e := g.entries[bestIdx]
	return Match{
		PassengerID: e.PassengerID,
		Name:        e.Name,
		Distance:    bestDist,
		Confidence:  (1 - bestDist) * 100,
	}, true
}
