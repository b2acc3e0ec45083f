package bond

import "github.com/DataBiosphere/bond/core"

type Config = core.Config

type VendorConfig = core.VendorConfig

type ProviderConfig = core.ProviderConfig

type Option = core.Option

type LinkService = core.LinkService

type ServiceAccountService = core.ServiceAccountService

type CredentialVendor = core.CredentialVendor

type ProviderAdapter = core.ProviderAdapter
type IdentityRegistry = core.IdentityRegistry
type LinkStore = core.LinkStore
type NonceStore = core.NonceStore
type VendedCredentialStore = core.VendedCredentialStore
type CacheStore = core.CacheStore

type LinkKey = core.LinkKey
type LinkRecord = core.LinkRecord
type LinkInfo = core.LinkInfo
type AccessToken = core.AccessToken
type VendedCredential = core.VendedCredential
type SweepStats = core.SweepStats

type AuthorizationRequest = core.AuthorizationRequest
type ExchangeRequest = core.ExchangeRequest

var (
	WithLogger                = core.WithLogger
	WithLoggerProvider        = core.WithLoggerProvider
	WithMetricsRecorder       = core.WithMetricsRecorder
	WithErrorFactory          = core.WithErrorFactory
	WithErrorMapper           = core.WithErrorMapper
	WithPersistenceClient     = core.WithPersistenceClient
	WithRepositoryFactory     = core.WithRepositoryFactory
	WithConfigProvider        = core.WithConfigProvider
	WithOptionsResolver       = core.WithOptionsResolver
	WithLinkStore             = core.WithLinkStore
	WithNonceStore            = core.WithNonceStore
	WithVendedCredentialStore = core.WithVendedCredentialStore
	WithCache                 = core.WithCache
	WithProviderCatalog       = core.WithProviderCatalog
	WithProviderAdapters      = core.WithProviderAdapters
	WithIdentityRegistry      = core.WithIdentityRegistry
	WithCredentialRemover     = core.WithCredentialRemover
	WithClock                 = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewLinkService(cfg Config, opts ...Option) (*LinkService, error) {
	return core.NewLinkService(cfg, opts...)
}
