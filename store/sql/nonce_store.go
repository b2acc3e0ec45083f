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

// NonceStore is the bun-backed core.NonceStore. Consume deletes whatever
// was stored in the same transaction as the read, so a nonce can be
// checked at most once.
type NonceStore struct {
	db   *bun.DB
	repo repository.Repository[*csrfNonceRecord]
}

func (s *NonceStore) Put(ctx context.Context, nonce core.CsrfNonce) error {
	if s == nil || s.repo == nil || s.db == nil {
		return fmt.Errorf("sqlstore: nonce store is not configured")
	}
	if err := nonce.Key().Validate(); err != nil {
		return err
	}

	createdAt := nonce.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, deleteErr := tx.NewDelete().
			Model((*csrfNonceRecord)(nil)).
			Where("provider = ?", nonce.Provider).
			Where("subject_id = ?", nonce.SubjectID).
			Exec(ctx); deleteErr != nil {
			return deleteErr
		}
		record := &csrfNonceRecord{
			ID:        uuid.New().String(),
			Provider:  nonce.Provider,
			SubjectID: nonce.SubjectID,
			Nonce:     nonce.Nonce,
			CreatedAt: createdAt,
		}
		_, createErr := s.repo.CreateTx(ctx, tx, record)
		return createErr
	})
}

func (s *NonceStore) Consume(ctx context.Context, key core.LinkKey) (core.CsrfNonce, bool, error) {
	if s == nil || s.db == nil {
		return core.CsrfNonce{}, false, fmt.Errorf("sqlstore: nonce store is not configured")
	}
	if err := key.Validate(); err != nil {
		return core.CsrfNonce{}, false, err
	}

	var consumed core.CsrfNonce
	found := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &csrfNonceRecord{}
		scanErr := tx.NewSelect().
			Model(record).
			Where("?TableAlias.provider = ?", key.Provider).
			Where("?TableAlias.subject_id = ?", key.SubjectID).
			Limit(1).
			Scan(ctx)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		if _, deleteErr := tx.NewDelete().
			Model((*csrfNonceRecord)(nil)).
			Where("id = ?", record.ID).
			Exec(ctx); deleteErr != nil {
			return deleteErr
		}
		consumed = record.toDomain()
		found = true
		return nil
	})
	if err != nil {
		return core.CsrfNonce{}, false, err
	}
	return consumed, found, nil
}

func (s *NonceStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: nonce store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*csrfNonceRecord)(nil)).
		Where("created_at < ?", cutoff).
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
