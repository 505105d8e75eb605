// Package biometric turns camera frames into face embeddings and matches
// them against the gallery of enrolled passengers.
package biometric

import (
	"context"
	"image"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// DefaultThreshold is the maximum embedding distance accepted as a match.
const DefaultThreshold = 0.45

// Face is one detection in a frame.
type Face struct {
	Box       image.Rectangle
	Score     float64
	Embedding models.Embedding
}

// Extractor detects faces and computes their embeddings.
type Extractor interface {
	Detect(ctx context.Context, frame image.Image) ([]Face, error)
}

// Match is an accepted identification.
type Match struct {
	PassengerID int64
	Name        string
	Distance    float64
	// Confidence is (1 - Distance) * 100.
	Confidence float64
}
