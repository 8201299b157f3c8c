package service

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// Booking defaults.
const (
	DefaultBookingTTL        = 600 * time.Second
	DefaultBookingSweep      = 60 * time.Second
	DefaultBookingLevelRange = 15
)

// BookingConfig tunes the registry. Zero values take the defaults above.
type BookingConfig struct {
	Mode       domain.BookingMode
	TTL        time.Duration
	LevelRange uint16
}

// BookingRegistry is the recruitment board. Advertisements are volatile:
// they live in memory only and expire after a fixed TTL. At most one live
// ad exists per posting character.
//
// The registry has its own mutex; it never participates in party locking.
type BookingRegistry struct {
	cfg    BookingConfig
	logger *slog.Logger

	mu      sync.RWMutex
	ads     map[domain.CharID]*domain.BookingAd
	nextIdx uint64

	now func() time.Time // test hook
}

// NewBookingRegistry creates an empty registry. The criteria mode is fixed
// for the registry's lifetime.
func NewBookingRegistry(cfg BookingConfig, logger *slog.Logger) *BookingRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultBookingTTL
	}
	if cfg.LevelRange == 0 {
		cfg.LevelRange = DefaultBookingLevelRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BookingRegistry{
		cfg:     cfg,
		logger:  logger,
		ads:     make(map[domain.CharID]*domain.BookingAd),
		nextIdx: 1,
		now:     time.Now,
	}
}

// Mode returns the registry's fixed criteria mode.
func (r *BookingRegistry) Mode() domain.BookingMode { return r.cfg.Mode }

// Register posts a new advertisement for the character, replacing any
// previous one. A replacement keeps the original pagination index, so
// cursors held by searchers stay coherent; only a first registration (or
// one after expiry) draws a fresh index.
func (r *BookingRegistry) Register(charID domain.CharID, charName string, level uint16, criteria domain.BookingCriteria) (*domain.BookingAd, error) {
	if err := criteria.ValidateFor(r.cfg.Mode); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ad := &domain.BookingAd{
		CharID:    charID,
		CharName:  charName,
		Level:     level,
		Criteria:  criteria.Clone(),
		ExpiresAt: now.Add(r.cfg.TTL),
	}
	if prev, ok := r.ads[charID]; ok && !prev.Expired(now) {
		ad.Index = prev.Index
	} else {
		ad.Index = r.nextIdx
		r.nextIdx++
	}
	r.ads[charID] = ad

	r.logger.Debug("booking registered",
		"char_id", charID, "index", ad.Index, "level", level)
	return ad.Clone(), nil
}

// Update replaces the criteria of an existing advertisement. The original
// index and expiry are preserved.
func (r *BookingRegistry) Update(charID domain.CharID, criteria domain.BookingCriteria) (*domain.BookingAd, error) {
	if err := criteria.ValidateFor(r.cfg.Mode); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ad, ok := r.ads[charID]
	if !ok || ad.Expired(r.now()) {
		return nil, domain.ErrNoAdvertisement
	}
	ad.Criteria = criteria.Clone()
	return ad.Clone(), nil
}

// Delete removes the character's advertisement. Idempotent.
func (r *BookingRegistry) Delete(charID domain.CharID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ads, charID)
}

// Lookup returns the character's live advertisement, or nil.
func (r *BookingRegistry) Lookup(charID domain.CharID) *domain.BookingAd {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ad, ok := r.ads[charID]
	if !ok || ad.Expired(r.now()) {
		return nil
	}
	return ad.Clone()
}

// Search returns up to maxResults matching ads in ascending index order,
// strictly after afterIndex. The index is a forward-only cursor: callers
// page by passing the last index of the previous page.
func (r *BookingRegistry) Search(level uint16, criteria domain.BookingCriteria, afterIndex uint64, maxResults int) []*domain.BookingAd {
	if maxResults <= 0 || maxResults > domain.MaxBookingResults {
		maxResults = domain.MaxBookingResults
	}
	now := r.now()

	r.mu.RLock()
	matched := make([]*domain.BookingAd, 0, maxResults)
	for _, ad := range r.ads {
		if ad.Index <= afterIndex || ad.Expired(now) {
			continue
		}
		if ad.Matches(r.cfg.Mode, level, r.cfg.LevelRange, criteria) {
			matched = append(matched, ad)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Index < matched[j].Index })
	if len(matched) > maxResults {
		matched = matched[:maxResults]
	}

	out := make([]*domain.BookingAd, len(matched))
	for i, ad := range matched {
		out[i] = ad.Clone()
	}
	return out
}

// ExpireSweep removes ads whose expiry is at or before now. Returns the
// number removed. The directory server drives this on a fixed interval.
func (r *BookingRegistry) ExpireSweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, ad := range r.ads {
		if ad.Expired(now) {
			delete(r.ads, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("booking sweep", "expired", removed, "live", len(r.ads))
	}
	return removed
}

// Count returns the number of ads currently held, including any not yet
// swept but already expired.
func (r *BookingRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ads)
}
