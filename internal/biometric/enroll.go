package biometric

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// ErrNoFace is returned when an enrollment frame has no usable face.
var ErrNoFace = errors.New("biometric: no face in frame")

// TemplateWriter persists sealed templates.
type TemplateWriter interface {
	Save(ownerID int64, plaintext []byte) (string, error)
	Delete(key string) error
}

// PassengerStore is the subset of the passenger repository used for
// enrollment.
type PassengerStore interface {
	GetPassengerByID(ctx context.Context, id int64) (*models.Passenger, error)
	SetTemplateKey(ctx context.Context, id int64, key string) error
}

// Enroller captures a passenger's face template.
type Enroller struct {
	matcher    *Matcher
	templates  TemplateWriter
	passengers PassengerStore
	catalog    *Catalog
	log        *zap.Logger
}

// NewEnroller returns an Enroller. catalog may be nil when no gallery needs
// refreshing.
func NewEnroller(matcher *Matcher, templates TemplateWriter, passengers PassengerStore, catalog *Catalog, log *zap.Logger) *Enroller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Enroller{matcher: matcher, templates: templates, passengers: passengers, catalog: catalog, log: log}
}

// Enroll extracts the primary face from frame and stores it as the
// passenger's template, replacing any previous one.
//
// ctx: request context; passengerID: target passenger; frame: still image.
func (e *Enroller) Enroll(ctx context.Context, passengerID int64, frame image.Image) error {
	p, err := e.passengers.GetPassengerByID(ctx, passengerID)
	if err != nil {
		return fmt.Errorf("enroll passenger %d: %w", passengerID, err)
	}

	emb, ok, err := e.matcher.Extract(ctx, frame)
	if err != nil {
		return fmt.Errorf("enroll passenger %d: %w", passengerID, err)
	}
	if !ok {
		return ErrNoFace
	}

	data, err := EncodeTemplate(emb)
	if err != nil {
		return err
	}
	key, err := e.templates.Save(passengerID, data)
	if err != nil {
		return fmt.Errorf("enroll passenger %d: %w", passengerID, err)
	}
	if err := e.passengers.SetTemplateKey(ctx, passengerID, key); err != nil {
		if derr := e.templates.Delete(key); derr != nil {
			e.log.Warn("failed to remove orphaned template", zap.String("key", key), zap.Error(derr))
		}
		return fmt.Errorf("enroll passenger %d: %w", passengerID, err)
	}

	if p.TemplateKey != "" && p.TemplateKey != key {
		if err := e.templates.Delete(p.TemplateKey); err != nil {
			e.log.Warn("failed to remove previous template", zap.String("key", p.TemplateKey), zap.Error(err))
		}
	}
	e.log.Info("passenger enrolled", zap.Int64("passenger", passengerID), zap.String("key", key))

	if e.catalog != nil {
		if _, err := e.catalog.Reload(ctx); err != nil {
			e.log.Error("gallery reload after enrollment failed", zap.Error(err))
		}
	}
	return nil
}
