package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/DataBiosphere/bond/core"
)

// LinkStore is the bun-backed core.LinkStore.
type LinkStore struct {
	db   *bun.DB
	repo repository.Repository[*linkRecord]
}

func (s *LinkStore) Upsert(ctx context.Context, in core.LinkRecord) (core.LinkRecord, error) {
	if s == nil || s.repo == nil || s.db == nil {
		return core.LinkRecord{}, fmt.Errorf("sqlstore: link store is not configured")
	}
	if err := in.Validate(); err != nil {
		return core.LinkRecord{}, err
	}

	now := time.Now().UTC()
	var saved core.LinkRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, updateErr := tx.NewUpdate().
			Model((*linkRecord)(nil)).
			Set("refresh_token = ?", in.RefreshToken).
			Set("issued_at = ?", in.IssuedAt).
			Set("username = ?", in.Username).
			Set("updated_at = ?", now).
			Where("provider = ?", in.Provider).
			Where("subject_id = ?", in.SubjectID).
			Exec(ctx)
		if updateErr != nil {
			return updateErr
		}
		if rows, rowsErr := result.RowsAffected(); rowsErr == nil && rows > 0 {
			fetched, fetchErr := s.getTx(ctx, tx, in.Key())
			if fetchErr != nil {
				return fetchErr
			}
			saved = fetched.toDomain()
			return nil
		}

		record := &linkRecord{
			ID:           uuid.New().String(),
			Provider:     in.Provider,
			SubjectID:    in.SubjectID,
			RefreshToken: in.RefreshToken,
			IssuedAt:     in.IssuedAt,
			Username:     in.Username,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		inserted, createErr := s.repo.CreateTx(ctx, tx, record)
		if createErr != nil {
			return createErr
		}
		saved = inserted.toDomain()
		return nil
	})
	if err != nil {
		return core.LinkRecord{}, err
	}
	return saved, nil
}

func (s *LinkStore) Get(ctx context.Context, key core.LinkKey) (core.LinkRecord, bool, error) {
	if s == nil || s.repo == nil {
		return core.LinkRecord{}, false, fmt.Errorf("sqlstore: link store is not configured")
	}
	if err := key.Validate(); err != nil {
		return core.LinkRecord{}, false, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider", "=", strings.TrimSpace(key.Provider)),
		repository.SelectBy("subject_id", "=", strings.TrimSpace(key.SubjectID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.LinkRecord{}, false, err
	}
	if len(records) == 0 {
		return core.LinkRecord{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *LinkStore) Delete(ctx context.Context, key core.LinkKey) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: link store is not configured")
	}
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.NewDelete().
		Model((*linkRecord)(nil)).
		Where("provider = ?", key.Provider).
		Where("subject_id = ?", key.SubjectID).
		Exec(ctx)
	return err
}

func (s *LinkStore) getTx(ctx context.Context, tx bun.Tx, key core.LinkKey) (*linkRecord, error) {
	record := &linkRecord{}
	if err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", key.Provider).
		Where("?TableAlias.subject_id = ?", key.SubjectID).
		Limit(1).
		Scan(ctx); err != nil {
		return nil, err
	}
	return record, nil
}
