package sessionkit

import (
	"context"
	"slices"
	"sync"
)

// MemoryCredentialStore is an in-memory store intended for tests and ephemeral runs.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	records map[string]CredentialRecord
	cookies []StoredCookie
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		records: make(map[string]CredentialRecord),
	}
}

// Save records the profile and marks the session as present.
func (store *MemoryCredentialStore) Save(ctx context.Context, profile UserProfile) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.records[CredentialRecordKey] = CredentialRecord{
		Profile:    profile.Clone(),
		HadSession: true,
	}
	return nil
}

// Clear removes the session record.
func (store *MemoryCredentialStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.records, CredentialRecordKey)
	return nil
}

// Restore returns a copy of the session record.
func (store *MemoryCredentialStore) Restore(ctx context.Context) (CredentialRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.records[CredentialRecordKey]
	if !ok {
		return CredentialRecord{}, nil
	}
	return CredentialRecord{
		Profile:    record.Profile.Clone(),
		HadSession: record.HadSession,
	}, nil
}

// LoadCookies returns the persisted cookies.
func (store *MemoryCredentialStore) LoadCookies(ctx context.Context) ([]StoredCookie, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	return slices.Clone(store.cookies), nil
}

// SaveCookies replaces the persisted cookies.
func (store *MemoryCredentialStore) SaveCookies(ctx context.Context, cookies []StoredCookie) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.cookies = slices.Clone(cookies)
	return nil
}
