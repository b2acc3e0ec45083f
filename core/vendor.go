package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultLockDuration = 30 * time.Second
	defaultKeyLifetime  = 90 * 24 * time.Hour
	defaultPollInterval = time.Second
	defaultReclaims     = 1
)

// errLockUnfulfilled is internal to the vendor: a fetch lock passed its
// expiry without a credential write.
var errLockUnfulfilled = errors.New("core: fetch lock expired without a credential write")

// PrepareFunc produces whatever the fetch needs before the lock
// transaction runs, typically a provider access token. Preparation happens
// first so a failed token refresh never leaves a dangling lock.
type PrepareFunc func(ctx context.Context) (string, error)

// FetchFunc performs the rate-limited upstream call. It runs outside the
// lock transaction; on failure the lock is left to expire on its own.
type FetchFunc func(ctx context.Context, prepared string) ([]byte, error)

// CredentialVendor coordinates credential issuance across processes so at
// most one fetch per link is in flight at a time. The store's conditional
// lock write is the only synchronization primitive; everyone else polls.
type CredentialVendor struct {
	store           VendedCredentialStore
	lockDuration    time.Duration
	keyLifetime     time.Duration
	pollInterval    time.Duration
	reclaimAttempts int
	logger          Logger
	nowFn           func() time.Time
}

type VendorOption func(*CredentialVendor)

func WithVendorLogger(logger Logger) VendorOption {
	return func(v *CredentialVendor) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithVendorClock(nowFn func() time.Time) VendorOption {
	return func(v *CredentialVendor) {
		if nowFn != nil {
			v.nowFn = nowFn
		}
	}
}

func NewCredentialVendor(store VendedCredentialStore, cfg VendorConfig, options ...VendorOption) (*CredentialVendor, error) {
	if store == nil {
		return nil, fmt.Errorf("core: vended credential store is required")
	}
	vendor := &CredentialVendor{
		store:           store,
		lockDuration:    cfg.LockDuration(),
		keyLifetime:     cfg.KeyLifetime(),
		pollInterval:    cfg.PollInterval(),
		reclaimAttempts: cfg.ReclaimAttempts,
		nowFn:           time.Now,
	}
	if vendor.lockDuration <= 0 {
		vendor.lockDuration = defaultLockDuration
	}
	if vendor.keyLifetime <= 0 {
		vendor.keyLifetime = defaultKeyLifetime
	}
	if vendor.pollInterval <= 0 {
		vendor.pollInterval = defaultPollInterval
	}
	if vendor.reclaimAttempts <= 0 {
		vendor.reclaimAttempts = defaultReclaims
	}
	for _, option := range options {
		if option != nil {
			option(vendor)
		}
	}
	return vendor, nil
}

// Retrieve returns the vended credential for key, fetching it upstream if
// the stored one is absent or expired. Exactly one caller performs the
// fetch; everyone else waits on the stored record.
func (v *CredentialVendor) Retrieve(ctx context.Context, key LinkKey, prepare PrepareFunc, fetch FetchFunc) (VendedCredential, error) {
	if err := key.Validate(); err != nil {
		return VendedCredential{}, err
	}
	if prepare == nil || fetch == nil {
		return VendedCredential{}, fmt.Errorf("core: prepare and fetch callbacks are required")
	}

	record, found, err := v.store.Get(ctx, key)
	if err != nil {
		return VendedCredential{}, err
	}
	if found && record.Usable(v.nowFn()) {
		return record, nil
	}

	prepared, err := prepare(ctx)
	if err != nil {
		return VendedCredential{}, err
	}

	outcome, err := v.store.TryAcquireLock(ctx, key, v.nowFn().Add(v.lockDuration))
	if outcome == LockTxFailed {
		// Storage contention, not lock contention. One local retry.
		if waitErr := waitWithContext(ctx, v.pollInterval); waitErr != nil {
			return VendedCredential{}, waitErr
		}
		outcome, err = v.store.TryAcquireLock(ctx, key, v.nowFn().Add(v.lockDuration))
	}
	if outcome == LockTxFailed {
		if err == nil {
			err = fmt.Errorf("core: lock transaction failed for %s", key)
		}
		return VendedCredential{}, err
	}
	if err != nil {
		return VendedCredential{}, err
	}

	if outcome == LockAcquired {
		return v.fetchAndStore(ctx, key, prepared, fetch)
	}
	return v.awaitFetcher(ctx, key)
}

// Forget drops the stored credential for key. Revoking the provider-side
// key is the caller's job.
func (v *CredentialVendor) Forget(ctx context.Context, key LinkKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return v.store.Delete(ctx, key)
}

// SweepExpired removes credentials whose keys have expired and are not
// mid-fetch.
func (v *CredentialVendor) SweepExpired(ctx context.Context) (int, error) {
	return v.store.DeleteExpired(ctx, v.nowFn())
}

func (v *CredentialVendor) fetchAndStore(ctx context.Context, key LinkKey, prepared string, fetch FetchFunc) (VendedCredential, error) {
	// Re-check after the lock write: another process may have stored a
	// credential between our fast-path read and the acquisition. Re-saving
	// it releases our lock without an upstream call.
	if record, found, err := v.store.Get(ctx, key); err == nil && found && record.Usable(v.nowFn()) {
		if record.ExpiresAt != nil {
			if err := v.store.SaveCredential(ctx, key, record.KeyJSON, *record.ExpiresAt); err != nil {
				return VendedCredential{}, err
			}
		}
		return record, nil
	}

	keyJSON, err := fetch(ctx, prepared)
	if err != nil {
		// The lock stays in place and expires on its own; followers will
		// reclaim it rather than hammer the provider.
		v.logVendError(ctx, key, err)
		return VendedCredential{}, err
	}

	expiresAt := v.nowFn().Add(v.keyLifetime)
	if err := v.store.SaveCredential(ctx, key, keyJSON, expiresAt); err != nil {
		return VendedCredential{}, err
	}
	record, found, err := v.store.Get(ctx, key)
	if err != nil {
		return VendedCredential{}, err
	}
	if !found {
		return VendedCredential{}, fmt.Errorf("core: credential for %s vanished after save", key)
	}
	return record, nil
}

// awaitFetcher polls the store while another process holds the fetch lock.
// When a lock window passes with no credential write the stale lock is
// cleared, so a later caller can recover, and the wait is retried a
// bounded number of times before giving up.
func (v *CredentialVendor) awaitFetcher(ctx context.Context, key LinkKey) (VendedCredential, error) {
	for attempt := 0; attempt <= v.reclaimAttempts; attempt++ {
		record, err := v.pollForCredential(ctx, key)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, errLockUnfulfilled) {
			return VendedCredential{}, err
		}
		if clearErr := v.store.ClearExpiredLock(ctx, key, v.nowFn()); clearErr != nil {
			return VendedCredential{}, clearErr
		}
	}
	return VendedCredential{}, ErrCredentialNotUpdated
}

func (v *CredentialVendor) pollForCredential(ctx context.Context, key LinkKey) (VendedCredential, error) {
	for {
		record, found, err := v.store.Get(ctx, key)
		if err != nil {
			return VendedCredential{}, err
		}
		now := v.nowFn()
		if found && record.Usable(now) {
			return record, nil
		}
		if !found || !record.LockHeld(now) {
			return VendedCredential{}, errLockUnfulfilled
		}
		if err := waitWithContext(ctx, v.pollInterval); err != nil {
			return VendedCredential{}, err
		}
	}
}

func (v *CredentialVendor) logVendError(ctx context.Context, key LinkKey, err error) {
	if v.logger == nil {
		return
	}
	logger := v.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Error("credential fetch failed", "provider", key.Provider, "subject_id", key.SubjectID, "error", err.Error())
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
