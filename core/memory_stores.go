package core

import (
	"context"
	"sync"
	"time"
)

// MemoryLinkStore is an in-process LinkStore for tests and single-node
// deployments.
type MemoryLinkStore struct {
	mu      sync.Mutex
	records map[string]LinkRecord
	nowFn   func() time.Time
}

func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{
		records: map[string]LinkRecord{},
		nowFn:   time.Now,
	}
}

func (s *MemoryLinkStore) Upsert(_ context.Context, record LinkRecord) (LinkRecord, error) {
	if err := record.Validate(); err != nil {
		return LinkRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	key := record.Key().String()
	if existing, ok := s.records[key]; ok {
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.records[key] = record
	return record, nil
}

func (s *MemoryLinkStore) Get(_ context.Context, key LinkKey) (LinkRecord, bool, error) {
	if err := key.Validate(); err != nil {
		return LinkRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key.String()]
	return record, ok, nil
}

func (s *MemoryLinkStore) Delete(_ context.Context, key LinkKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key.String())
	return nil
}

// MemoryNonceStore is an in-process NonceStore.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]CsrfNonce
	nowFn   func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		entries: map[string]CsrfNonce{},
		nowFn:   time.Now,
	}
}

func (s *MemoryNonceStore) Put(_ context.Context, nonce CsrfNonce) error {
	if err := nonce.Key().Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if nonce.CreatedAt.IsZero() {
		nonce.CreatedAt = s.nowFn()
	}
	s.entries[nonce.Key().String()] = nonce
	return nil
}

func (s *MemoryNonceStore) Consume(_ context.Context, key LinkKey) (CsrfNonce, bool, error) {
	if err := key.Validate(); err != nil {
		return CsrfNonce{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, ok := s.entries[key.String()]
	if ok {
		delete(s.entries, key.String())
	}
	return nonce, ok, nil
}

func (s *MemoryNonceStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, nonce := range s.entries {
		if nonce.CreatedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// MemoryVendedCredentialStore is an in-process VendedCredentialStore. The
// store mutex stands in for the transactional isolation a SQL store gets
// from RunInTx, so lock acquisition stays atomic under concurrency.
type MemoryVendedCredentialStore struct {
	mu      sync.Mutex
	records map[string]VendedCredential
	nowFn   func() time.Time
}

func NewMemoryVendedCredentialStore() *MemoryVendedCredentialStore {
	return &MemoryVendedCredentialStore{
		records: map[string]VendedCredential{},
		nowFn:   time.Now,
	}
}

// SetClock overrides the store clock, used to simulate lock expiry.
func (s *MemoryVendedCredentialStore) SetClock(nowFn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

// Seed installs a record directly, bypassing lock rules.
func (s *MemoryVendedCredentialStore) Seed(record VendedCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key().String()] = cloneVendedCredential(record)
}

func (s *MemoryVendedCredentialStore) Get(_ context.Context, key LinkKey) (VendedCredential, bool, error) {
	if err := key.Validate(); err != nil {
		return VendedCredential{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key.String()]
	if !ok {
		return VendedCredential{}, false, nil
	}
	return cloneVendedCredential(record), true, nil
}

func (s *MemoryVendedCredentialStore) TryAcquireLock(_ context.Context, key LinkKey, holdUntil time.Time) (LockOutcome, error) {
	if err := key.Validate(); err != nil {
		return LockTxFailed, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	record, ok := s.records[key.String()]
	if ok && record.LockHeld(now) {
		return LockAlreadyHeld, nil
	}

	if !ok {
		record = VendedCredential{
			Provider:  key.Provider,
			SubjectID: key.SubjectID,
			CreatedAt: now,
		}
	}
	expiry := holdUntil
	record.LockExpiry = &expiry
	record.UpdatedAt = now
	s.records[key.String()] = record
	return LockAcquired, nil
}

func (s *MemoryVendedCredentialStore) SaveCredential(_ context.Context, key LinkKey, keyJSON []byte, expiresAt time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	record, ok := s.records[key.String()]
	if !ok {
		record = VendedCredential{
			Provider:  key.Provider,
			SubjectID: key.SubjectID,
			CreatedAt: now,
		}
	}
	record.KeyJSON = append([]byte(nil), keyJSON...)
	expiry := expiresAt
	record.ExpiresAt = &expiry
	record.LockExpiry = nil
	record.UpdatedAt = now
	s.records[key.String()] = record
	return nil
}

func (s *MemoryVendedCredentialStore) ClearExpiredLock(_ context.Context, key LinkKey, now time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key.String()]
	if !ok {
		return nil
	}
	if !record.LockStale(now) {
		return nil
	}
	record.LockExpiry = nil
	if !record.HasKey() {
		delete(s.records, key.String())
		return nil
	}
	record.UpdatedAt = s.nowFn()
	s.records[key.String()] = record
	return nil
}

func (s *MemoryVendedCredentialStore) Delete(_ context.Context, key LinkKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key.String())
	return nil
}

func (s *MemoryVendedCredentialStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.records {
		if record.LockHeld(now) {
			continue
		}
		if record.HasKey() && record.ExpiresAt != nil && !record.ExpiresAt.After(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func cloneVendedCredential(record VendedCredential) VendedCredential {
	out := record
	out.KeyJSON = append([]byte(nil), record.KeyJSON...)
	if record.ExpiresAt != nil {
		expiry := *record.ExpiresAt
		out.ExpiresAt = &expiry
	}
	if record.LockExpiry != nil {
		expiry := *record.LockExpiry
		out.LockExpiry = &expiry
	}
	return out
}

var (
	_ LinkStore             = (*MemoryLinkStore)(nil)
	_ NonceStore            = (*MemoryNonceStore)(nil)
	_ VendedCredentialStore = (*MemoryVendedCredentialStore)(nil)
)
