package biometric

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// TemplateReader returns decrypted template bytes for a storage key.
type TemplateReader interface {
	Load(key string) ([]byte, error)
}

type cacheKey struct {
	passengerID int64
	storageKey  string
}

// Loader decrypts enrolled templates into gallery entries. Decoded
// embeddings are cached per passenger and storage key, so a reload only
// touches templates that changed.
type Loader struct {
	templates TemplateReader
	dim       int
	log       *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]models.Embedding
}

// NewLoader returns a Loader expecting embeddings of dim values.
func NewLoader(templates TemplateReader, dim int, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		templates: templates,
		dim:       dim,
		log:       log,
		cache:     make(map[cacheKey]models.Embedding),
	}
}

// LoadKnown builds gallery entries for every enrolled passenger. Entries
// whose template is missing or corrupt are logged and skipped.
func (l *Loader) LoadKnown(ctx context.Context, passengers []models.Passenger) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[cacheKey]models.Embedding, len(passengers))
	entries := make([]Entry, 0, len(passengers))
	for _, p := range passengers {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
		if !p.Enrolled() {
			continue
		}
		k := cacheKey{passengerID: p.ID, storageKey: p.TemplateKey}
		emb, ok := l.cache[k]
		if !ok {
			var err error
			emb, err = l.decode(p.TemplateKey)
			if err != nil {
				l.log.Warn("skipping unreadable template",
					zap.Int64("passenger", p.ID),
					zap.String("key", p.TemplateKey),
					zap.Error(err))
				continue
			}
		}
		next[k] = emb
		entries = append(entries, Entry{PassengerID: p.ID, Name: p.FullName(), Embedding: emb})
	}
	l.cache = next
	return entries, nil
}

func (l *Loader) decode(key string) (models.Embedding, error) {
	data, err := l.templates.Load(key)
	if err != nil {
		return nil, err
	}
	return DecodeTemplate(data, l.dim)
}

// PassengerLister lists passengers that have a stored template.
type PassengerLister interface {
	ListPassengersWithTemplate(ctx context.Context) ([]models.Passenger, error)
}

// Catalog keeps the published gallery in sync with the passenger store.
type Catalog struct {
	// reload serializes list, load and swap so an older passenger list
	// is never published over a newer one.
	reload     sync.Mutex
	store      *GalleryStore
	loader     *Loader
	passengers PassengerLister
	log        *zap.Logger
}

// NewCatalog wires a gallery store to its loader and passenger source.
func NewCatalog(store *GalleryStore, loader *Loader, passengers PassengerLister, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{store: store, loader: loader, passengers: passengers, log: log}
}

// Current returns the published gallery.
func (c *Catalog) Current() *Gallery {
	return c.store.Load()
}

// Reload rebuilds the gallery from the passenger store and swaps it in.
// On error the previous gallery stays published.
func (c *Catalog) Reload(ctx context.Context) (*Gallery, error) {
	c.reload.Lock()
	defer c.reload.Unlock()

	passengers, err := c.passengers.ListPassengersWithTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enrolled passengers: %w", err)
	}
	entries, err := c.loader.LoadKnown(ctx, passengers)
	if err != nil {
		return nil, err
	}
	g := c.store.Swap(entries)
	c.log.Info("gallery reloaded",
		zap.Int("entries", g.Len()),
		zap.Int("enrolled", len(passengers)),
		zap.Uint64("generation", g.Generation()))
	return g, nil
}
