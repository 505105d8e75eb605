package biometric

import (
	"cmp"
	"slices"
	"sync/atomic"

	"github.com/atinyakov/gatekiosk/internal/models"
)

// Entry is one enrolled passenger in a gallery.
type Entry struct {
	PassengerID int64
	Name        string
	Embedding   models.Embedding
}

// Gallery is an immutable, ordered snapshot of enrolled templates.
type Gallery struct {
	entries    []Entry
	generation uint64
}

// NewGallery builds a snapshot ordered by ascending passenger ID.
// Duplicate IDs keep the first occurrence.
func NewGallery(entries []Entry, generation uint64) *Gallery {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int { return cmp.Compare(a.PassengerID, b.PassengerID) })
	sorted = slices.CompactFunc(sorted, func(a, b Entry) bool { return a.PassengerID == b.PassengerID })
	return &Gallery{entries: sorted, generation: generation}
}

// Len returns the number of entries.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Generation identifies the snapshot; it increases with every swap.
func (g *Gallery) Generation() uint64 {
	if g == nil {
		return 0
	}
	return g.generation
}

// Entries returns a copy of the entries in gallery order.
func (g *Gallery) Entries() []Entry {
	if g == nil {
		return nil
	}
	return slices.Clone(g.entries)
}

// Lookup returns the entry for a passenger.
func (g *Gallery) Lookup(passengerID int64) (Entry, bool) {
	if g == nil {
		return Entry{}, false
	}
	i, ok := slices.BinarySearchFunc(g.entries, passengerID, func(e Entry, id int64) int {
		return cmp.Compare(e.PassengerID, id)
	})
	if !ok {
		return Entry{}, false
	}
	return g.entries[i], true
}

// GalleryStore publishes the current gallery. Readers always see a
// complete snapshot.
type GalleryStore struct {
	current atomic.Pointer[Gallery]
	gen     atomic.Uint64
}

// NewGalleryStore returns a store holding an empty gallery.
func NewGalleryStore() *GalleryStore {
	s := &GalleryStore{}
	s.current.Store(NewGallery(nil, 0))
	return s
}

// Load returns the current snapshot.
func (s *GalleryStore) Load() *Gallery {
	return s.current.Load()
}

// Swap replaces the snapshot wholesale and returns the new one.
func (s *GalleryStore) Swap(entries []Entry) *Gallery {
	g := NewGallery(entries, s.gen.Add(1))
	s.current.Store(g)
	return g
}
