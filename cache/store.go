package cache

import (
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Store maps request identities to the raw bytes of origin responses.
// Entries never expire: they live until Clear or until the process exits
// (or, with a persister, until the persisted copy is cleared).
//
// Store is safe for concurrent use. Memory is guarded by mutex and the
// persister by persistMutex, so a slow persister never delays Get.
// persistMutex is always taken first; Put and Clear hold it throughout,
// which keeps memory and the persisted copy in the same order of updates.
type Store struct {
	mutex        sync.RWMutex
	persistMutex sync.Mutex
	entries      *gocache.Cache
	persister    Persister
	log          zerolog.Logger
}

// NewStore creates a store backed by the given persister and loads
// all previously persisted entries.
// A persister that cannot be loaded is logged and results in an empty store.
// If persister is nil, entries are kept in memory only. A nil logger disables logging.
func NewStore(persister Persister, logger *zerolog.Logger) *Store {
	if persister == nil {
		persister = NopPersister{}
	}
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.Nop()
	} else {
		l = logger.With().Str("component", "cache").Logger()
	}
	s := &Store{
		entries:   gocache.New(gocache.NoExpiration, 0),
		persister: persister,
		log:       l,
	}
	s.load()
	return s
}

func (s *Store) load() {
	items, err := s.persister.Load()
	if err != nil {
		s.log.Error().Err(err).Msg("Could not load cache, starting empty")
		return
	}
	for key, bytes := range items {
		s.entries.Set(key, bytes, gocache.NoExpiration)
	}
	s.log.Info().Msgf("Loaded cache with %d entries", len(items))
}

// Get returns a copy of the response stored under key, if any.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	return clone(v.([]byte)), true
}

// Put stores a copy of the response under key, replacing any previous entry,
// and writes it through to the persister.
// If persisting fails, the error is logged and returned,
// but the entry stays available in memory.
func (s *Store) Put(key string, bytes []byte) error {
	s.persistMutex.Lock()
	defer s.persistMutex.Unlock()
	s.mutex.Lock()
	s.entries.Set(key, clone(bytes), gocache.NoExpiration)
	s.mutex.Unlock()
	if err := s.persister.Save(key, bytes); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Could not persist cache entry")
		return err
	}
	s.log.Trace().Str("key", key).Int("bytes", len(bytes)).Msg("Cache write")
	return nil
}

// Has checks if an entry exists for key.
func (s *Store) Has(key string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.entries.Get(key)
	return ok
}

// Clear removes all entries, including the persisted ones.
// The in-memory entries are always removed, even if clearing the persister fails.
func (s *Store) Clear() error {
	s.persistMutex.Lock()
	defer s.persistMutex.Unlock()
	s.mutex.Lock()
	s.entries.Flush()
	s.mutex.Unlock()
	if err := s.persister.Clear(); err != nil {
		s.log.Error().Err(err).Msg("Could not clear persisted cache")
		return err
	}
	s.log.Info().Msg("Cache cleared")
	return nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.entries.ItemCount()
}

// Keys returns all keys, sorted.
func (s *Store) Keys() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	items := s.entries.Items()
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close closes the persister.
func (s *Store) Close() error {
	s.persistMutex.Lock()
	defer s.persistMutex.Unlock()
	return s.persister.Close()
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
