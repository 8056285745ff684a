package cache

// Persister keeps a durable copy of the cache entries.
// It is only ever called with the store lock held,
// so implementations do not need their own locking.
type Persister interface {
	// Load returns all persisted entries.
	// A persister without any stored state returns an empty map and no error.
	Load() (map[string][]byte, error)
	// Save stores bytes under key, replacing any previous value.
	Save(key string, bytes []byte) error
	// Clear removes all persisted entries, including any backing file.
	Clear() error
	// Close releases the resources held by the persister.
	Close() error
}

// NopPersister keeps nothing. Use it for a memory-only store.
type NopPersister struct{}

func (NopPersister) Load() (map[string][]byte, error) { return map[string][]byte{}, nil }
func (NopPersister) Save(string, []byte) error        { return nil }
func (NopPersister) Clear() error                     { return nil }
func (NopPersister) Close() error                     { return nil }
