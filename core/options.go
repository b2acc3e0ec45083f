package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	linkStore         LinkStore
	nonceStore        NonceStore
	credentialStore   VendedCredentialStore
	cache             CacheStore
	catalog           *ProviderCatalog
	adapters          []ProviderAdapter
	registry          IdentityRegistry
	serviceAccounts   CredentialRemover
	nowFn             func() time.Time
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithLinkStore(store LinkStore) Option {
	return func(b *serviceBuilder) {
		b.linkStore = store
	}
}

func WithNonceStore(store NonceStore) Option {
	return func(b *serviceBuilder) {
		b.nonceStore = store
	}
}

func WithVendedCredentialStore(store VendedCredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithCache(cache CacheStore) Option {
	return func(b *serviceBuilder) {
		b.cache = cache
	}
}

func WithProviderCatalog(catalog *ProviderCatalog) Option {
	return func(b *serviceBuilder) {
		b.catalog = catalog
	}
}

func WithProviderAdapters(adapters ...ProviderAdapter) Option {
	return func(b *serviceBuilder) {
		b.adapters = append(b.adapters, adapters...)
	}
}

func WithIdentityRegistry(registry IdentityRegistry) Option {
	return func(b *serviceBuilder) {
		b.registry = registry
	}
}

func WithCredentialRemover(remover CredentialRemover) Option {
	return func(b *serviceBuilder) {
		b.serviceAccounts = remover
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.nowFn = nowFn
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("bond", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		nowFn:           time.Now,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return bondErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	vendor := map[string]any{}
	if includeZero || cfg.Vendor.LockSeconds > 0 {
		vendor["lock_seconds"] = cfg.Vendor.LockSeconds
	}
	if includeZero || cfg.Vendor.KeyLifetimeSeconds > 0 {
		vendor["key_lifetime_seconds"] = cfg.Vendor.KeyLifetimeSeconds
	}
	if includeZero || cfg.Vendor.PollIntervalMs > 0 {
		vendor["poll_interval_ms"] = cfg.Vendor.PollIntervalMs
	}
	if includeZero || cfg.Vendor.ReclaimAttempts > 0 {
		vendor["reclaim_attempts"] = cfg.Vendor.ReclaimAttempts
	}
	if includeZero || cfg.Vendor.KeyCacheSeconds > 0 {
		vendor["key_cache_seconds"] = cfg.Vendor.KeyCacheSeconds
	}
	if includeZero || cfg.Vendor.TokenMarginSeconds > 0 {
		vendor["token_margin_seconds"] = cfg.Vendor.TokenMarginSeconds
	}
	if includeZero || cfg.Vendor.NonceMaxAgeSeconds > 0 {
		vendor["nonce_max_age_seconds"] = cfg.Vendor.NonceMaxAgeSeconds
	}
	if len(vendor) > 0 {
		layer["vendor"] = vendor
	}

	if includeZero || len(cfg.Providers) > 0 {
		providers := make([]map[string]any, 0, len(cfg.Providers))
		for _, provider := range cfg.Providers {
			params := make([]map[string]any, 0, len(provider.ExtraAuthParams))
			for _, param := range provider.ExtraAuthParams {
				params = append(params, map[string]any{"key": param.Key, "value": param.Value})
			}
			providers = append(providers, map[string]any{
				"id":                provider.ID,
				"client_id":         provider.ClientID,
				"client_secret":     provider.ClientSecret,
				"auth_url":          provider.AuthURL,
				"token_url":         provider.TokenURL,
				"revoke_url":        provider.RevokeURL,
				"credentials_url":   provider.CredentialsURL,
				"default_scopes":    append([]string(nil), provider.DefaultScopes...),
				"extra_auth_params": params,
			})
		}
		layer["providers"] = providers
	}
	return layer
}
