package cardauth

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Transmitter is the interface that transmits apdu.Capdu and returns apdu.Rapdu.
type Transmitter interface {
	Transmit(capdu apdu.Capdu) (apdu.Rapdu, error)
}

// KeyStore is the interface that resolves a logical key name into key material.
type KeyStore interface {
	Key(name string) (Key, error)
}

// KeyNotFoundError results from resolving a key name that is unknown to a KeyStore.
type KeyNotFoundError struct {
	Name string
}

func (e KeyNotFoundError) Error() string {
	return "cardauth: key not found: " + e.Name
}

// KeyEntry is a named key together with the card key number it is used for.
type KeyEntry struct {
	Name  string
	KeyNo byte
	Key   Key
}

// MemoryKeyStore is a KeyStore that holds keys in memory. It is safe for concurrent use.
type MemoryKeyStore struct {
	entries map[string]KeyEntry
	lock    sync.RWMutex
}

// NewMemoryKeyStore returns a MemoryKeyStore holding the given entries.
// It returns an error if a name is empty or used twice, or if an entry holds no key.
func NewMemoryKeyStore(entries ...KeyEntry) (*MemoryKeyStore, error) {
	store := &MemoryKeyStore{entries: make(map[string]KeyEntry, len(entries))}

	for _, entry := range entries {
		if err := store.Add(entry); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// Add adds entry to the store.
func (store *MemoryKeyStore) Add(entry KeyEntry) error {
	if entry.Name == "" {
		return errors.New("key name must not be empty")
	}

	if !entry.Key.Configured() {
		return errors.Errorf("key %q holds no key material", entry.Name)
	}

	store.lock.Lock()
	defer store.lock.Unlock()

	if _, ok := store.entries[entry.Name]; ok {
		return errors.Errorf("duplicate key name %q", entry.Name)
	}

	store.entries[entry.Name] = entry

	return nil
}

// Key implements KeyStore.
func (store *MemoryKeyStore) Key(name string) (Key, error) {
	entry, err := store.Entry(name)
	if err != nil {
		return Key{}, err
	}

	return entry.Key, nil
}

// Entry returns the complete KeyEntry for name.
func (store *MemoryKeyStore) Entry(name string) (KeyEntry, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()

	entry, ok := store.entries[name]
	if !ok {
		return KeyEntry{}, KeyNotFoundError{Name: name}
	}

	return entry, nil
}

// ByKeyNo returns the entries used for the given card key number, ordered by name.
func (store *MemoryKeyStore) ByKeyNo(keyNo byte) []KeyEntry {
	store.lock.RLock()
	defer store.lock.RUnlock()

	var result []KeyEntry

	for _, entry := range store.entries {
		if entry.KeyNo == keyNo {
			result = append(result, entry)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })

	return result
}

// Names returns the names of all keys in the store in ascending order.
func (store *MemoryKeyStore) Names() []string {
	store.lock.RLock()
	defer store.lock.RUnlock()

	names := make([]string, 0, len(store.entries))
	for name := range store.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
