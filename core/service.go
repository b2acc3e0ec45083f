package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	// TokenCacheNamespace holds refreshed provider access tokens.
	TokenCacheNamespace = "bond::fence_token::v1"
)

// LinkService owns the link lifecycle: consent URL issuance, code
// exchange, token refresh, unlink, and maintenance sweeps.
type LinkService struct {
	observer

	config          Config
	loggerProvider  LoggerProvider
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	catalog         *ProviderCatalog
	links           LinkStore
	nonces          NonceStore
	credentialStore VendedCredentialStore
	serviceAccounts CredentialRemover
	registry        IdentityRegistry
	cache           CacheStore
	nowFn           func() time.Time
}

func NewLinkService(cfg Config, options ...Option) (*LinkService, error) {
	builder := defaultServiceBuilder(cfg)
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&builder)
	}

	provider, logger := glog.Resolve("bond", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("bond"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.nowFn == nil {
		builder.nowFn = time.Now
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if err := resolveBuilderStores(&builder); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.linkStore == nil {
		builder.linkStore = NewMemoryLinkStore()
	}
	if builder.nonceStore == nil {
		builder.nonceStore = NewMemoryNonceStore()
	}
	if builder.credentialStore == nil {
		builder.credentialStore = NewMemoryVendedCredentialStore()
	}

	catalog := builder.catalog
	if catalog == nil {
		catalog, err = NewProviderCatalog(builder.adapters...)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	return &LinkService{
		observer: observer{
			logger:          logger,
			metricsRecorder: builder.metricsRecorder,
		},
		config:          finalConfig,
		loggerProvider:  provider,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		catalog:         catalog,
		links:           builder.linkStore,
		nonces:          builder.nonceStore,
		credentialStore: builder.credentialStore,
		serviceAccounts: builder.serviceAccounts,
		registry:        builder.registry,
		cache:           builder.cache,
		nowFn:           builder.nowFn,
	}, nil
}

func resolveBuilderStores(builder *serviceBuilder) error {
	if builder.repositoryFactory == nil {
		return nil
	}
	needsStores := builder.linkStore == nil || builder.nonceStore == nil || builder.credentialStore == nil
	if !needsStores {
		return nil
	}

	var provider StoreProvider
	switch factory := builder.repositoryFactory.(type) {
	case RepositoryStoreFactory:
		built, err := factory.BuildStores(builder.persistenceClient)
		if err != nil {
			return err
		}
		provider = built
	case StoreProvider:
		provider = factory
	}
	if provider == nil {
		return nil
	}
	if builder.linkStore == nil {
		builder.linkStore = provider.LinkStore()
	}
	if builder.nonceStore == nil {
		builder.nonceStore = provider.NonceStore()
	}
	if builder.credentialStore == nil {
		builder.credentialStore = provider.VendedCredentialStore()
	}
	return nil
}

// SetCredentialRemover wires the service-account side into unlink after
// both services exist. Unlink aborts when credential removal fails, so the
// hookup is required for full deployments.
func (s *LinkService) SetCredentialRemover(remover CredentialRemover) {
	s.serviceAccounts = remover
}

func (s *LinkService) Config() Config {
	return s.config
}

func (s *LinkService) Catalog() *ProviderCatalog {
	return s.catalog
}

func (s *LinkService) CredentialStore() VendedCredentialStore {
	return s.credentialStore
}

func (s *LinkService) Cache() CacheStore {
	return s.cache
}

func (s *LinkService) IdentityRegistry() IdentityRegistry {
	return s.registry
}

func (s *LinkService) Logger() Logger {
	return s.logger
}

func (s *LinkService) MetricsRecorder() MetricsRecorder {
	return s.metricsRecorder
}

// Providers lists registered provider ids in stable order.
func (s *LinkService) Providers() []string {
	return s.catalog.IDs()
}

// AuthorizationURL builds the provider consent URL for req and stores a
// fresh single-use nonce for the (provider, subject) pair. The nonce is
// persisted only after URL construction succeeds, so a provider failure
// leaves no stored state behind.
func (s *LinkService) AuthorizationURL(ctx context.Context, req AuthorizationRequest) (authURL string, err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "link_begin", err, map[string]any{
			"provider":   req.Provider,
			"subject_id": req.SubjectID,
		})
	}()

	key := LinkKey{Provider: req.Provider, SubjectID: req.SubjectID}
	if err = key.Validate(); err != nil {
		return "", s.mapError(err)
	}
	if strings.TrimSpace(req.RedirectURI) == "" {
		err = fmt.Errorf("core: redirect uri is required")
		return "", s.mapError(err)
	}
	adapter, ok := s.catalog.Get(req.Provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, req.Provider)
		return "", s.mapError(err)
	}

	nonce, err := generateNonce()
	if err != nil {
		return "", s.mapError(err)
	}
	state, err := encodeAuthorizationState(req.CallerState, nonce)
	if err != nil {
		return "", s.mapError(err)
	}

	authURL, err = adapter.AuthorizationURL(AuthorizationURLRequest{
		Scopes:      append([]string(nil), req.Scopes...),
		RedirectURI: req.RedirectURI,
		State:       state,
	})
	if err != nil {
		return "", s.mapError(err)
	}

	if err = s.nonces.Put(ctx, CsrfNonce{
		Provider:  key.Provider,
		SubjectID: key.SubjectID,
		Nonce:     nonce,
		CreatedAt: s.nowFn(),
	}); err != nil {
		return "", s.mapError(err)
	}
	return authURL, nil
}

// ExchangeCode completes the consent flow: it checks the returned state
// against the stored nonce, exchanges the code, and persists the link.
// The stored nonce is consumed no matter how the exchange ends, so a
// failed attempt cannot be replayed.
func (s *LinkService) ExchangeCode(ctx context.Context, req ExchangeRequest) (info LinkInfo, err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "link_complete", err, map[string]any{
			"provider":   req.Provider,
			"subject_id": req.SubjectID,
		})
	}()

	key := LinkKey{Provider: req.Provider, SubjectID: req.SubjectID}
	if err = key.Validate(); err != nil {
		return LinkInfo{}, s.mapError(err)
	}
	if strings.TrimSpace(req.Code) == "" {
		err = fmt.Errorf("core: authorization code is required")
		return LinkInfo{}, s.mapError(err)
	}
	adapter, ok := s.catalog.Get(req.Provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, req.Provider)
		return LinkInfo{}, s.mapError(err)
	}

	state, decodeErr := decodeAuthorizationState(req.State)
	stored, found, consumeErr := s.nonces.Consume(ctx, key)
	if consumeErr != nil {
		err = consumeErr
		return LinkInfo{}, s.mapError(err)
	}
	if decodeErr != nil || !found || stored.Nonce != state.Nonce {
		err = ErrStateInvalid
		return LinkInfo{}, s.mapError(err)
	}

	grant, exchangeErr := adapter.Exchange(ctx, req.Code, req.RedirectURI)
	if exchangeErr != nil {
		err = exchangeErr
		return LinkInfo{}, s.mapError(err)
	}
	if strings.TrimSpace(grant.RefreshToken) == "" {
		err = fmt.Errorf("core: provider %s returned no refresh token, check offline access configuration", req.Provider)
		return LinkInfo{}, s.mapError(err)
	}
	claims, claimsErr := parseIdentityClaims(grant.IDToken)
	if claimsErr != nil {
		err = claimsErr
		return LinkInfo{}, s.mapError(err)
	}

	if _, exists, getErr := s.links.Get(ctx, key); getErr != nil {
		err = getErr
		return LinkInfo{}, s.mapError(err)
	} else if exists {
		// Relink: old credentials must be fully torn down before the new
		// refresh token replaces the one they depend on.
		if unlinkErr := s.unlink(ctx, key, adapter); unlinkErr != nil {
			err = unlinkErr
			return LinkInfo{}, s.mapError(err)
		}
	}

	record, upsertErr := s.links.Upsert(ctx, LinkRecord{
		Provider:     key.Provider,
		SubjectID:    key.SubjectID,
		RefreshToken: grant.RefreshToken,
		IssuedAt:     claims.IssuedAt,
		Username:     claims.Username,
	})
	if upsertErr != nil {
		err = upsertErr
		return LinkInfo{}, s.mapError(err)
	}

	return LinkInfo{
		Provider:  record.Provider,
		SubjectID: record.SubjectID,
		Username:  record.Username,
		IssuedAt:  record.IssuedAt,
	}, nil
}

type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AccessToken returns a live provider access token for a linked subject,
// serving from cache while the cached token has margin left.
func (s *LinkService) AccessToken(ctx context.Context, provider, subjectID string) (token AccessToken, err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "token_refresh", err, map[string]any{
			"provider":   provider,
			"subject_id": subjectID,
		})
	}()

	key := LinkKey{Provider: provider, SubjectID: subjectID}
	if err = key.Validate(); err != nil {
		return AccessToken{}, s.mapError(err)
	}
	adapter, ok := s.catalog.Get(provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
		return AccessToken{}, s.mapError(err)
	}

	link, found, getErr := s.links.Get(ctx, key)
	if getErr != nil {
		err = getErr
		return AccessToken{}, s.mapError(err)
	}
	if !found {
		err = fmt.Errorf("%w: %s", ErrLinkNotFound, key)
		return AccessToken{}, s.mapError(err)
	}

	margin := s.config.Vendor.TokenMargin()
	cacheKey := cacheEntryKey(provider, subjectID)
	if cached, ok := s.cacheGet(ctx, TokenCacheNamespace, cacheKey); ok {
		var entry cachedToken
		if json.Unmarshal([]byte(cached), &entry) == nil && entry.ExpiresAt.After(s.nowFn().Add(margin)) {
			return AccessToken{Token: entry.Token, ExpiresAt: entry.ExpiresAt}, nil
		}
		s.cacheDelete(ctx, TokenCacheNamespace, cacheKey)
	}

	refreshed, refreshErr := adapter.Refresh(ctx, link.RefreshToken)
	if refreshErr != nil {
		err = refreshErr
		return AccessToken{}, s.mapError(err)
	}

	if ttl := refreshed.ExpiresAt.Sub(s.nowFn()) - margin; ttl > 0 {
		if payload, marshalErr := json.Marshal(cachedToken{Token: refreshed.Token, ExpiresAt: refreshed.ExpiresAt}); marshalErr == nil {
			s.cacheAdd(ctx, TokenCacheNamespace, cacheKey, string(payload), ttl)
		}
	}
	return refreshed, nil
}

// ProviderAccessToken satisfies AccessTokenSource for the credential side.
func (s *LinkService) ProviderAccessToken(ctx context.Context, provider, subjectID string) (AccessToken, error) {
	return s.AccessToken(ctx, provider, subjectID)
}

// Unlink tears down a link: vended credentials first, then the provider
// refresh token, then local state. Absent links unlink cleanly.
func (s *LinkService) Unlink(ctx context.Context, provider, subjectID string) (err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "unlink", err, map[string]any{
			"provider":   provider,
			"subject_id": subjectID,
		})
	}()

	key := LinkKey{Provider: provider, SubjectID: subjectID}
	if err = key.Validate(); err != nil {
		return s.mapError(err)
	}
	adapter, ok := s.catalog.Get(provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
		return s.mapError(err)
	}
	if err = s.unlink(ctx, key, adapter); err != nil {
		return s.mapError(err)
	}
	return nil
}

func (s *LinkService) unlink(ctx context.Context, key LinkKey, adapter ProviderAdapter) error {
	link, found, err := s.links.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if s.serviceAccounts != nil {
		if err := s.serviceAccounts.Remove(ctx, key.Provider, key.SubjectID); err != nil {
			return err
		}
	}

	if err := adapter.RevokeRefreshToken(ctx, link.RefreshToken); err != nil {
		var upstream *UpstreamStatusError
		if goerrors.As(err, &upstream) && upstream.ClientError() {
			// Token already dead upstream. Local teardown continues.
			s.logInfo(ctx, "refresh token already revoked", map[string]any{
				"provider":   key.Provider,
				"subject_id": key.SubjectID,
				"status":     upstream.StatusCode,
			})
		} else {
			return err
		}
	}

	if err := s.links.Delete(ctx, key); err != nil {
		return err
	}
	s.cacheDelete(ctx, TokenCacheNamespace, cacheEntryKey(key.Provider, key.SubjectID))
	return nil
}

// Info returns the public view of a link.
func (s *LinkService) Info(ctx context.Context, provider, subjectID string) (LinkInfo, bool, error) {
	key := LinkKey{Provider: provider, SubjectID: subjectID}
	if err := key.Validate(); err != nil {
		return LinkInfo{}, false, s.mapError(err)
	}
	record, found, err := s.links.Get(ctx, key)
	if err != nil {
		return LinkInfo{}, false, s.mapError(err)
	}
	if !found {
		return LinkInfo{}, false, nil
	}
	return LinkInfo{
		Provider:  record.Provider,
		SubjectID: record.SubjectID,
		Username:  record.Username,
		IssuedAt:  record.IssuedAt,
	}, true, nil
}

// SweepExpired drops expired vended credentials and stale nonces. It is
// safe to run concurrently with live traffic; records mid-fetch are left
// alone.
func (s *LinkService) SweepExpired(ctx context.Context) (stats SweepStats, err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "sweep_expired", err, map[string]any{
			"credentials_removed": stats.CredentialsRemoved,
			"nonces_removed":      stats.NoncesRemoved,
		})
	}()

	now := s.nowFn()
	credentials, sweepErr := s.credentialStore.DeleteExpired(ctx, now)
	if sweepErr != nil {
		err = sweepErr
		return stats, s.mapError(err)
	}
	stats.CredentialsRemoved = credentials

	nonces, nonceErr := s.nonces.DeleteOlderThan(ctx, now.Add(-s.config.Vendor.NonceMaxAge()))
	if nonceErr != nil {
		err = nonceErr
		return stats, s.mapError(err)
	}
	stats.NoncesRemoved = nonces
	return stats, nil
}

func (s *LinkService) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s.errorMapper == nil {
		return err
	}
	if mapped := s.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (s *LinkService) cacheGet(ctx context.Context, namespace, key string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	return s.cache.Get(ctx, namespace, key)
}

func (s *LinkService) cacheAdd(ctx context.Context, namespace, key, value string, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	s.cache.Add(ctx, namespace, key, value, ttl)
}

func (s *LinkService) cacheDelete(ctx context.Context, namespace, key string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, namespace, key)
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper != nil {
		if mapped := mapper(err); mapped != nil {
			return mapped
		}
	}
	return err
}

func cacheEntryKey(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return strings.Join(escaped, "::")
}

var _ AccessTokenSource = (*LinkService)(nil)
