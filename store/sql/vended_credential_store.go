package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/DataBiosphere/bond/core"
)

// VendedCredentialStore is the bun-backed core.VendedCredentialStore. The
// fetch-lock protocol runs inside RunInTx so only one writer ever wins a
// given lock window, whichever node it runs on.
type VendedCredentialStore struct {
	db    *bun.DB
	repo  repository.Repository[*vendedCredentialRecord]
	nowFn func() time.Time
}

func (s *VendedCredentialStore) Get(ctx context.Context, key core.LinkKey) (core.VendedCredential, bool, error) {
	if s == nil || s.repo == nil {
		return core.VendedCredential{}, false, fmt.Errorf("sqlstore: vended credential store is not configured")
	}
	if err := key.Validate(); err != nil {
		return core.VendedCredential{}, false, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider", "=", key.Provider),
		repository.SelectBy("subject_id", "=", key.SubjectID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.VendedCredential{}, false, err
	}
	if len(records) == 0 {
		return core.VendedCredential{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

// TryAcquireLock attempts the conditional lock write: create-and-lock when
// no record exists, take over when no live lock remains, report contention
// otherwise. A transaction error maps to LockTxFailed so callers can
// distinguish storage trouble from a healthy lock holder.
func (s *VendedCredentialStore) TryAcquireLock(ctx context.Context, key core.LinkKey, holdUntil time.Time) (core.LockOutcome, error) {
	if s == nil || s.db == nil || s.repo == nil {
		return core.LockTxFailed, fmt.Errorf("sqlstore: vended credential store is not configured")
	}
	if err := key.Validate(); err != nil {
		return core.LockTxFailed, err
	}

	now := s.now()
	outcome := core.LockTxFailed
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &vendedCredentialRecord{}
		scanErr := tx.NewSelect().
			Model(record).
			Where("?TableAlias.provider = ?", key.Provider).
			Where("?TableAlias.subject_id = ?", key.SubjectID).
			Limit(1).
			Scan(ctx)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}

		if errors.Is(scanErr, sql.ErrNoRows) {
			created := &vendedCredentialRecord{
				ID:         uuid.New().String(),
				Provider:   key.Provider,
				SubjectID:  key.SubjectID,
				LockExpiry: &holdUntil,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if _, createErr := s.repo.CreateTx(ctx, tx, created); createErr != nil {
				return createErr
			}
			outcome = core.LockAcquired
			return nil
		}

		if record.LockExpiry != nil && record.LockExpiry.After(now) {
			outcome = core.LockAlreadyHeld
			return nil
		}

		// No live lock: take it over, guarded on the lock state we just
		// read so a concurrent winner makes this a no-op.
		query := tx.NewUpdate().
			Model((*vendedCredentialRecord)(nil)).
			Set("lock_expiry = ?", holdUntil).
			Set("updated_at = ?", now).
			Where("provider = ?", key.Provider).
			Where("subject_id = ?", key.SubjectID)
		if record.LockExpiry == nil {
			query = query.Where("lock_expiry IS NULL")
		} else {
			query = query.Where("lock_expiry = ?", *record.LockExpiry)
		}
		result, updateErr := query.Exec(ctx)
		if updateErr != nil {
			return updateErr
		}
		if rows, rowsErr := result.RowsAffected(); rowsErr == nil && rows == 0 {
			outcome = core.LockAlreadyHeld
			return nil
		}
		outcome = core.LockAcquired
		return nil
	})
	if err != nil {
		return core.LockTxFailed, err
	}
	return outcome, nil
}

func (s *VendedCredentialStore) SaveCredential(ctx context.Context, key core.LinkKey, keyJSON []byte, expiresAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: vended credential store is not configured")
	}
	if err := key.Validate(); err != nil {
		return err
	}

	result, err := s.db.NewUpdate().
		Model((*vendedCredentialRecord)(nil)).
		Set("key_json = ?", keyJSON).
		Set("expires_at = ?", expiresAt).
		Set("lock_expiry = NULL").
		Set("updated_at = ?", s.now()).
		Where("provider = ?", key.Provider).
		Where("subject_id = ?", key.SubjectID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if rows, rowsErr := result.RowsAffected(); rowsErr == nil && rows == 0 {
		return fmt.Errorf("sqlstore: no vended credential record for %s", key)
	}
	return nil
}

// ClearExpiredLock drops a lock only if its window has passed. Records
// that never received a key are removed outright.
func (s *VendedCredentialStore) ClearExpiredLock(ctx context.Context, key core.LinkKey, now time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: vended credential store is not configured")
	}
	if err := key.Validate(); err != nil {
		return err
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*vendedCredentialRecord)(nil)).
			Where("provider = ?", key.Provider).
			Where("subject_id = ?", key.SubjectID).
			Where("lock_expiry IS NOT NULL").
			Where("lock_expiry <= ?", now).
			Where("key_json IS NULL").
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewUpdate().
			Model((*vendedCredentialRecord)(nil)).
			Set("lock_expiry = NULL").
			Set("updated_at = ?", s.now()).
			Where("provider = ?", key.Provider).
			Where("subject_id = ?", key.SubjectID).
			Where("lock_expiry IS NOT NULL").
			Where("lock_expiry <= ?", now).
			Exec(ctx)
		return err
	})
}

func (s *VendedCredentialStore) Delete(ctx context.Context, key core.LinkKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: vended credential store is not configured")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.NewDelete().
		Model((*vendedCredentialRecord)(nil)).
		Where("provider = ?", key.Provider).
		Where("subject_id = ?", key.SubjectID).
		Exec(ctx)
	return err
}

func (s *VendedCredentialStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: vended credential store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*vendedCredentialRecord)(nil)).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now).
		Where("lock_expiry IS NULL OR lock_expiry <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(rows), nil
}

func (s *VendedCredentialStore) now() time.Time {
	if s != nil && s.nowFn != nil {
		return s.nowFn().UTC()
	}
	return time.Now().UTC()
}
