package core

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	// KeyCacheNamespace holds vended service-account key payloads.
	KeyCacheNamespace = "bond::sa_key::v1"
	// SATokenCacheNamespace holds access tokens minted from vended keys.
	SATokenCacheNamespace = "bond::sa_token::v1"
)

var defaultTokenScopes = []string{"email", "profile"}

// ServiceAccountService vends rate-limited service-account credentials on
// behalf of linked subjects. Callers are resolved to canonical owners
// through the identity registry, so two aliases of the same user share one
// vended key.
type ServiceAccountService struct {
	observer

	catalog     *ProviderCatalog
	vendor      *CredentialVendor
	cache       CacheStore
	registry    IdentityRegistry
	tokens      AccessTokenSource
	errorMapper ErrorMapper
	keyCacheTTL time.Duration
	tokenMargin time.Duration
	nowFn       func() time.Time
}

// ServiceAccountDeps wires a ServiceAccountService. Catalog, Vendor, and
// Tokens are required; the rest have working defaults.
type ServiceAccountDeps struct {
	Catalog         *ProviderCatalog
	Vendor          *CredentialVendor
	Cache           CacheStore
	Registry        IdentityRegistry
	Tokens          AccessTokenSource
	Logger          Logger
	MetricsRecorder MetricsRecorder
	ErrorMapper     ErrorMapper
	KeyCacheTTL     time.Duration
	TokenMargin     time.Duration
	NowFn           func() time.Time
}

func NewServiceAccountService(deps ServiceAccountDeps) (*ServiceAccountService, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("core: provider catalog is required")
	}
	if deps.Vendor == nil {
		return nil, fmt.Errorf("core: credential vendor is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("core: access token source is required")
	}

	logger := glog.Ensure(deps.Logger)
	metrics := deps.MetricsRecorder
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	mapper := deps.ErrorMapper
	if mapper == nil {
		mapper = defaultErrorMapper
	}
	nowFn := deps.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	keyCacheTTL := deps.KeyCacheTTL
	if keyCacheTTL <= 0 {
		keyCacheTTL = 10 * time.Minute
	}
	tokenMargin := deps.TokenMargin
	if tokenMargin <= 0 {
		tokenMargin = time.Minute
	}

	return &ServiceAccountService{
		observer: observer{
			logger:          logger,
			metricsRecorder: metrics,
		},
		catalog:     deps.Catalog,
		vendor:      deps.Vendor,
		cache:       deps.Cache,
		registry:    deps.Registry,
		tokens:      deps.Tokens,
		errorMapper: mapper,
		keyCacheTTL: keyCacheTTL,
		tokenMargin: tokenMargin,
		nowFn:       nowFn,
	}, nil
}

// KeyJSON returns the service-account key for the caller's provider link,
// issuing one upstream when nothing valid is stored.
func (s *ServiceAccountService) KeyJSON(ctx context.Context, provider, callerID string) (keyJSON []byte, err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "sa_key", err, map[string]any{
			"provider":  provider,
			"caller_id": callerID,
		})
	}()

	adapter, ok := s.catalog.Get(provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
		return nil, s.mapError(err)
	}
	owner, resolveErr := s.resolveOwner(ctx, callerID)
	if resolveErr != nil {
		err = resolveErr
		return nil, s.mapError(err)
	}
	key := LinkKey{Provider: provider, SubjectID: owner}
	if err = key.Validate(); err != nil {
		return nil, s.mapError(err)
	}

	cacheKey := cacheEntryKey(provider, owner)
	if cached, hit := s.cacheGet(ctx, KeyCacheNamespace, cacheKey); hit {
		return []byte(cached), nil
	}

	record, retrieveErr := s.vendor.Retrieve(ctx, key,
		func(ctx context.Context) (string, error) {
			token, tokenErr := s.tokens.ProviderAccessToken(ctx, provider, owner)
			if tokenErr != nil {
				return "", tokenErr
			}
			return token.Token, nil
		},
		func(ctx context.Context, accessToken string) ([]byte, error) {
			issued, issueErr := adapter.IssueServiceAccountKey(ctx, accessToken)
			if issueErr != nil {
				return nil, issueErr
			}
			return issued.KeyJSON, nil
		},
	)
	if retrieveErr != nil {
		err = retrieveErr
		return nil, s.mapError(err)
	}

	ttl := s.keyCacheTTL
	if record.ExpiresAt != nil {
		if remaining := record.ExpiresAt.Sub(s.nowFn()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		s.cacheAdd(ctx, KeyCacheNamespace, cacheKey, string(record.KeyJSON), ttl)
	}
	return record.KeyJSON, nil
}

type cachedServiceAccountToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes"`
}

// AccessToken mints a short-lived access token from the caller's vended
// key. Minting is local key signing, so only the key fetch itself counts
// against provider quota.
func (s *ServiceAccountService) AccessToken(ctx context.Context, provider, callerID string, scopes []string) (token AccessToken, err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "sa_token", err, map[string]any{
			"provider":  provider,
			"caller_id": callerID,
		})
	}()

	adapter, ok := s.catalog.Get(provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
		return AccessToken{}, s.mapError(err)
	}
	owner, resolveErr := s.resolveOwner(ctx, callerID)
	if resolveErr != nil {
		err = resolveErr
		return AccessToken{}, s.mapError(err)
	}

	normalized := normalizeScopes(scopes)
	cacheKey := cacheEntryKey(provider, owner)
	if cached, hit := s.cacheGet(ctx, SATokenCacheNamespace, cacheKey); hit {
		var entry cachedServiceAccountToken
		if json.Unmarshal([]byte(cached), &entry) == nil &&
			slices.Equal(entry.Scopes, normalized) &&
			entry.ExpiresAt.After(s.nowFn().Add(s.tokenMargin)) {
			return AccessToken{Token: entry.Token, ExpiresAt: entry.ExpiresAt}, nil
		}
		s.cacheDelete(ctx, SATokenCacheNamespace, cacheKey)
	}

	keyJSON, keyErr := s.KeyJSON(ctx, provider, callerID)
	if keyErr != nil {
		err = keyErr
		return AccessToken{}, err
	}
	minted, mintErr := adapter.MintServiceAccountToken(ctx, keyJSON, normalized)
	if mintErr != nil {
		err = mintErr
		return AccessToken{}, s.mapError(err)
	}

	if ttl := minted.ExpiresAt.Sub(s.nowFn()) - s.tokenMargin; ttl > 0 {
		if payload, marshalErr := json.Marshal(cachedServiceAccountToken{
			Token:     minted.Token,
			ExpiresAt: minted.ExpiresAt,
			Scopes:    normalized,
		}); marshalErr == nil {
			s.cacheAdd(ctx, SATokenCacheNamespace, cacheKey, string(payload), ttl)
		}
	}
	return minted, nil
}

// Remove revokes the caller's provider-side service-account key and drops
// the stored credential. A provider that reports the key already gone does
// not fail the removal.
func (s *ServiceAccountService) Remove(ctx context.Context, provider, callerID string) (err error) {
	startedAt := s.nowFn()
	defer func() {
		s.observeOperation(ctx, startedAt, "sa_remove", err, map[string]any{
			"provider":  provider,
			"caller_id": callerID,
		})
	}()

	adapter, ok := s.catalog.Get(provider)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrProviderNotFound, provider)
		return s.mapError(err)
	}
	owner, resolveErr := s.resolveOwner(ctx, callerID)
	if resolveErr != nil {
		err = resolveErr
		return s.mapError(err)
	}
	key := LinkKey{Provider: provider, SubjectID: owner}

	token, tokenErr := s.tokens.ProviderAccessToken(ctx, provider, owner)
	if tokenErr != nil {
		err = tokenErr
		return err
	}
	if revokeErr := adapter.RevokeServiceAccountKey(ctx, token.Token); revokeErr != nil {
		var upstream *UpstreamStatusError
		if goerrors.As(revokeErr, &upstream) && upstream.ClientError() {
			s.logInfo(ctx, "service account key already revoked", map[string]any{
				"provider":  provider,
				"caller_id": callerID,
				"status":    upstream.StatusCode,
			})
		} else {
			err = revokeErr
			return s.mapError(err)
		}
	}

	if forgetErr := s.vendor.Forget(ctx, key); forgetErr != nil {
		err = forgetErr
		return s.mapError(err)
	}
	cacheKey := cacheEntryKey(provider, owner)
	s.cacheDelete(ctx, KeyCacheNamespace, cacheKey)
	s.cacheDelete(ctx, SATokenCacheNamespace, cacheKey)
	return nil
}

func (s *ServiceAccountService) resolveOwner(ctx context.Context, callerID string) (string, error) {
	if callerID == "" {
		return "", fmt.Errorf("core: caller id is required")
	}
	if s.registry == nil {
		return callerID, nil
	}
	user, found, err := s.registry.LookupSubject(ctx, callerID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("core: caller %s is not a registered user", callerID)
	}
	if !user.Enabled {
		return "", fmt.Errorf("core: caller %s is disabled", callerID)
	}
	return user.ID, nil
}

func (s *ServiceAccountService) mapError(err error) error {
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

func (s *ServiceAccountService) cacheGet(ctx context.Context, namespace, key string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	return s.cache.Get(ctx, namespace, key)
}

func (s *ServiceAccountService) cacheAdd(ctx context.Context, namespace, key, value string, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	s.cache.Add(ctx, namespace, key, value, ttl)
}

func (s *ServiceAccountService) cacheDelete(ctx context.Context, namespace, key string) {
	if s.cache == nil {
		return
	}
	s.cache.Delete(ctx, namespace, key)
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return append([]string(nil), defaultTokenScopes...)
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if _, dup := seen[scope]; dup {
			continue
		}
		seen[scope] = struct{}{}
		out = append(out, scope)
	}
	slices.Sort(out)
	if len(out) == 0 {
		return append([]string(nil), defaultTokenScopes...)
	}
	return out
}

var _ CredentialRemover = (*ServiceAccountService)(nil)
