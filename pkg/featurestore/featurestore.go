// Package featurestore holds the three concurrent maps the recommendation
// service reads features from: properties, contacts, and cached
// similarities. Capacity and TTL enforcement are adapted from the source's
// FeatureStore (sweep-then-batch-evict), with the RWMutex-guarded
// read-then-update-last-accessed pattern from the teacher's document store.
package featurestore

import (
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/propmatch/pkg/model"
)

// Config controls capacities and TTLs. Defaults match spec.md §6.
type Config struct {
	PropertyTTL      time.Duration
	ContactTTL       time.Duration
	SimilarityTTL    time.Duration
	MaxProperties    int
	MaxContacts      int
	MaxSimilarities  int
	EvictionBatch    int
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		PropertyTTL:     time.Hour,
		ContactTTL:      30 * time.Minute,
		SimilarityTTL:   5 * time.Minute,
		MaxProperties:   100_000,
		MaxContacts:     50_000,
		MaxSimilarities: 1_000_000,
		EvictionBatch:   1000,
	}
}

type similarityKey struct {
	ContactID  model.ID
	PropertyID model.ID
}

// Stats reports hit/miss counters and corpus sizes.
type Stats struct {
	TotalProperties int
	TotalContacts   int
	TotalSimilarities int
	CacheHits       uint64
	CacheMisses     uint64
	LastCleanup     time.Time
}

// HitRate returns CacheHits / (CacheHits + CacheMisses), or 0 if no lookups
// have occurred yet.
func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Store holds the property, contact, and similarity maps under independent
// locks, plus a stats lock for the hit/miss counters.
type Store struct {
	cfg Config

	propMu sync.RWMutex
	props  map[model.ID]model.PropertyFeatures

	contactMu sync.RWMutex
	contacts  map[model.ID]model.ContactFeatures

	simMu sync.RWMutex
	sims  map[similarityKey]model.CachedSimilarity

	statsMu sync.Mutex
	stats   Stats
}

// New creates an empty Store.
func New(cfg Config) *Store {
	return &Store{
		cfg:      cfg,
		props:    make(map[model.ID]model.PropertyFeatures),
		contacts: make(map[model.ID]model.ContactFeatures),
		sims:     make(map[similarityKey]model.CachedSimilarity),
	}
}

// StoreProperty upserts f, running an expiry sweep then a batch eviction of
// the oldest-by-last-accessed entries if the store is at capacity.
func (s *Store) StoreProperty(f model.PropertyFeatures) {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.LastAccessed = now

	s.propMu.Lock()
	defer s.propMu.Unlock()

	if len(s.props) >= s.cfg.MaxProperties {
		s.sweepExpiredPropertiesLocked(now)
		if len(s.props) >= s.cfg.MaxProperties {
			s.evictOldestPropertiesLocked()
		}
	}
	s.props[f.PropertyID] = f
}

// GetProperty atomically reads an entry and bumps its last_accessed and the
// store's hit/miss counters.
func (s *Store) GetProperty(id model.ID) (model.PropertyFeatures, bool) {
	s.propMu.Lock()
	f, ok := s.props[id]
	if ok {
		f.LastAccessed = time.Now()
		s.props[id] = f
	}
	s.propMu.Unlock()

	s.recordLookup(ok)
	return f, ok
}

// GetPropertiesBatch returns every found PropertyFeatures for the given ids,
// skipping misses, for bulk ANN-index rebuilds.
func (s *Store) GetPropertiesBatch(ids []model.ID) []model.PropertyFeatures {
	out := make([]model.PropertyFeatures, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.GetProperty(id); ok {
			out = append(out, f)
		}
	}
	return out
}

// AllPropertyIDs returns every property id currently stored.
func (s *Store) AllPropertyIDs() []model.ID {
	s.propMu.RLock()
	defer s.propMu.RUnlock()

	ids := make([]model.ID, 0, len(s.props))
	for id := range s.props {
		ids = append(ids, id)
	}
	return ids
}

// AllPropertyEmbeddings returns (id, embedding) pairs for every stored
// property, for ANN index builds.
func (s *Store) AllPropertyEmbeddings() []struct {
	ID        model.ID
	Embedding []float32
} {
	s.propMu.RLock()
	defer s.propMu.RUnlock()

	out := make([]struct {
		ID        model.ID
		Embedding []float32
	}, 0, len(s.props))
	for id, f := range s.props {
		out = append(out, struct {
			ID        model.ID
			Embedding []float32
		}{ID: id, Embedding: f.Embedding})
	}
	return out
}

// StoreContact upserts f, with the same sweep-then-evict capacity policy as
// StoreProperty.
func (s *Store) StoreContact(f model.ContactFeatures) {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.LastAccessed = now

	s.contactMu.Lock()
	defer s.contactMu.Unlock()

	if len(s.contacts) >= s.cfg.MaxContacts {
		s.sweepExpiredContactsLocked(now)
		if len(s.contacts) >= s.cfg.MaxContacts {
			s.evictOldestContactsLocked()
		}
	}
	s.contacts[f.ContactID] = f
}

// GetContact atomically reads an entry and bumps its last_accessed and the
// store's hit/miss counters.
func (s *Store) GetContact(id model.ID) (model.ContactFeatures, bool) {
	s.contactMu.Lock()
	f, ok := s.contacts[id]
	if ok {
		f.LastAccessed = time.Now()
		s.contacts[id] = f
	}
	s.contactMu.Unlock()

	s.recordLookup(ok)
	return f, ok
}

// CacheSimilarity stores a (contact, property) score with the configured
// similarity TTL. No capacity-driven eviction is applied; entries expire on
// read.
func (s *Store) CacheSimilarity(contactID, propertyID model.ID, score float32) {
	s.simMu.Lock()
	defer s.simMu.Unlock()

	s.sims[similarityKey{ContactID: contactID, PropertyID: propertyID}] = model.CachedSimilarity{
		ContactID:  contactID,
		PropertyID: propertyID,
		Score:      score,
		ComputedAt: time.Now(),
		TTL:        s.cfg.SimilarityTTL,
	}
}

// GetCachedSimilarity returns the cached score iff present and unexpired.
func (s *Store) GetCachedSimilarity(contactID, propertyID model.ID) (float32, bool) {
	s.simMu.RLock()
	cached, ok := s.sims[similarityKey{ContactID: contactID, PropertyID: propertyID}]
	s.simMu.RUnlock()

	if !ok || cached.Expired(time.Now()) {
		s.recordLookup(false)
		return 0, false
	}
	s.recordLookup(true)
	return cached.Score, true
}

// CleanupExpired scans all three maps and removes expired entries,
// returning the count removed from each.
func (s *Store) CleanupExpired() (cleanedProperties, cleanedContacts, cleanedSimilarities int) {
	now := time.Now()

	s.propMu.Lock()
	cleanedProperties = s.sweepExpiredPropertiesLocked(now)
	s.propMu.Unlock()

	s.contactMu.Lock()
	cleanedContacts = s.sweepExpiredContactsLocked(now)
	s.contactMu.Unlock()

	s.simMu.Lock()
	before := len(s.sims)
	for k, v := range s.sims {
		if v.Expired(now) {
			delete(s.sims, k)
		}
	}
	cleanedSimilarities = before - len(s.sims)
	s.simMu.Unlock()

	s.statsMu.Lock()
	s.stats.LastCleanup = now
	s.statsMu.Unlock()

	return cleanedProperties, cleanedContacts, cleanedSimilarities
}

// Stats returns a snapshot of the store's counters and current sizes.
func (s *Store) Stats() Stats {
	s.propMu.RLock()
	totalProps := len(s.props)
	s.propMu.RUnlock()

	s.contactMu.RLock()
	totalContacts := len(s.contacts)
	s.contactMu.RUnlock()

	s.simMu.RLock()
	totalSims := len(s.sims)
	s.simMu.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	snap := s.stats
	snap.TotalProperties = totalProps
	snap.TotalContacts = totalContacts
	snap.TotalSimilarities = totalSims
	return snap
}

func (s *Store) recordLookup(hit bool) {
	s.statsMu.Lock()
	if hit {
		s.stats.CacheHits++
	} else {
		s.stats.CacheMisses++
	}
	s.statsMu.Unlock()
}

// sweepExpiredPropertiesLocked must be called with propMu held.
func (s *Store) sweepExpiredPropertiesLocked(now time.Time) int {
	before := len(s.props)
	for id, f := range s.props {
		if now.Sub(f.CreatedAt) > s.cfg.PropertyTTL {
			delete(s.props, id)
		}
	}
	return before - len(s.props)
}

// evictOldestPropertiesLocked must be called with propMu held.
func (s *Store) evictOldestPropertiesLocked() {
	target := len(s.props) - s.cfg.MaxProperties + s.cfg.EvictionBatch
	if target <= 0 {
		return
	}

	type entry struct {
		id           model.ID
		lastAccessed time.Time
	}
	entries := make([]entry, 0, len(s.props))
	for id, f := range s.props {
		entries = append(entries, entry{id: id, lastAccessed: f.LastAccessed})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastAccessed.Before(entries[j].lastAccessed) })

	if target > len(entries) {
		target = len(entries)
	}
	for _, e := range entries[:target] {
		delete(s.props, e.id)
	}
}

// sweepExpiredContactsLocked must be called with contactMu held.
func (s *Store) sweepExpiredContactsLocked(now time.Time) int {
	before := len(s.contacts)
	for id, f := range s.contacts {
		if now.Sub(f.CreatedAt) > s.cfg.ContactTTL {
			delete(s.contacts, id)
		}
	}
	return before - len(s.contacts)
}

// evictOldestContactsLocked must be called with contactMu held.
func (s *Store) evictOldestContactsLocked() {
	target := len(s.contacts) - s.cfg.MaxContacts + s.cfg.EvictionBatch
	if target <= 0 {
		return
	}

	type entry struct {
		id           model.ID
		lastAccessed time.Time
	}
	entries := make([]entry, 0, len(s.contacts))
	for id, f := range s.contacts {
		entries = append(entries, entry{id: id, lastAccessed: f.LastAccessed})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastAccessed.Before(entries[j].lastAccessed) })

	if target > len(entries) {
		target = len(entries)
	}
	for _, e := range entries[:target] {
		delete(s.contacts, e.id)
	}
}
