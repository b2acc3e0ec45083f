// Package sqlstore provides the bun-backed persistence layer: provider
// links, single-use nonces, and vended service-account credentials.
package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/DataBiosphere/bond/core"
)

// RepositoryFactory builds and hands out the SQL-backed stores. It
// satisfies both core.RepositoryStoreFactory and core.StoreProvider, so it
// can be passed straight to the service builder.
type RepositoryFactory struct {
	db *bun.DB

	linkStore       *LinkStore
	nonceStore      *NonceStore
	credentialStore *VendedCredentialStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.linkStore != nil && f.nonceStore != nil && f.credentialStore != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) LinkStore() core.LinkStore {
	if f == nil {
		return nil
	}
	return f.linkStore
}

func (f *RepositoryFactory) NonceStore() core.NonceStore {
	if f == nil {
		return nil
	}
	return f.nonceStore
}

func (f *RepositoryFactory) VendedCredentialStore() core.VendedCredentialStore {
	if f == nil {
		return nil
	}
	return f.credentialStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	linkRepo := repository.NewRepository[*linkRecord](f.db, linkHandlers())
	if validator, ok := linkRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("sqlstore: invalid link repository wiring: %w", err)
		}
	}

	nonceRepo := repository.NewRepository[*csrfNonceRecord](f.db, nonceHandlers())
	if validator, ok := nonceRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("sqlstore: invalid nonce repository wiring: %w", err)
		}
	}

	credentialRepo := repository.NewRepository[*vendedCredentialRecord](f.db, vendedCredentialHandlers())
	if validator, ok := credentialRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("sqlstore: invalid vended credential repository wiring: %w", err)
		}
	}

	f.linkStore = &LinkStore{db: f.db, repo: linkRepo}
	f.nonceStore = &NonceStore{db: f.db, repo: nonceRepo}
	f.credentialStore = &VendedCredentialStore{db: f.db, repo: credentialRepo, nowFn: time.Now}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
