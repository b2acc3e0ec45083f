// Package auth authenticates bearer tokens for the broker: offline JWT
// verification against a JWKS when possible, token introspection as the
// fallback, then identity-registry membership. Both identity and
// membership results are cached with TTLs bounded by token expiry.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/DataBiosphere/bond/core"
)

const (
	identityCacheNamespace = "bond::auth_identity::v1"
	registryCacheNamespace = "bond::auth_registry::v1"

	maxIntrospectionBodyBytes = 1 << 20
)

// Identity is the authenticated view of a bearer token.
type Identity struct {
	Subject   string    `json:"subject"`
	Email     string    `json:"email"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HTTPDoer lets callers supply an instrumented HTTP client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the validation pipeline. JWKSURL and ExpectedAudience
// enable the offline path; IntrospectionURL is the fallback and must be
// set. AudiencePrefixes and EmailSuffixes gate which introspected tokens
// are accepted.
type Config struct {
	JWKSURL          string
	ExpectedAudience string
	IntrospectionURL string
	AudiencePrefixes []string
	EmailSuffixes    []string
	MaxCacheLifetime time.Duration
}

type Pipeline struct {
	cfg      Config
	jwks     *keyfunc.JWKS
	cache    core.CacheStore
	registry core.IdentityRegistry
	http     HTTPDoer
	logger   core.Logger
	nowFn    func() time.Time
}

type Option func(*Pipeline)

func WithHTTPClient(client HTTPDoer) Option {
	return func(p *Pipeline) {
		if client != nil {
			p.http = client
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(p *Pipeline) {
		if nowFn != nil {
			p.nowFn = nowFn
		}
	}
}

// WithJWKS installs a pre-built JWKS, used by tests to avoid network
// refreshes.
func WithJWKS(jwks *keyfunc.JWKS) Option {
	return func(p *Pipeline) {
		p.jwks = jwks
	}
}

func NewPipeline(cfg Config, cache core.CacheStore, registry core.IdentityRegistry, options ...Option) (*Pipeline, error) {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil, fmt.Errorf("auth: introspection url is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("auth: identity registry is required")
	}
	if cfg.MaxCacheLifetime <= 0 {
		cfg.MaxCacheLifetime = 10 * time.Minute
	}

	pipeline := &Pipeline{
		cfg:      cfg,
		cache:    cache,
		registry: registry,
		http:     http.DefaultClient,
		logger:   glog.Ensure(nil),
		nowFn:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(pipeline)
		}
	}

	if pipeline.jwks == nil && strings.TrimSpace(cfg.JWKSURL) != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshErrorHandler: func(refreshErr error) {
				pipeline.logger.Error("jwks refresh failed", "error", refreshErr.Error())
			},
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return nil, fmt.Errorf("auth: load jwks: %w", err)
		}
		pipeline.jwks = jwks
	}
	return pipeline, nil
}

// Validate authenticates an Authorization header value and returns the
// canonical registry user id. Failures at any stage come back as
// unauthorized errors; upstream outages surface as operation errors.
func (p *Pipeline) Validate(ctx context.Context, authorizationHeader string) (string, error) {
	token, err := parseBearer(authorizationHeader)
	if err != nil {
		return "", unauthorized(err.Error())
	}

	identity, err := p.resolveIdentity(ctx, token)
	if err != nil {
		return "", err
	}

	user, err := p.resolveMembership(ctx, identity)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (p *Pipeline) resolveIdentity(ctx context.Context, token string) (Identity, error) {
	cacheable := p.tokenCacheable(token)
	if cacheable {
		if raw, hit := p.cache.Get(ctx, identityCacheNamespace, token); hit {
			var identity Identity
			if json.Unmarshal([]byte(raw), &identity) == nil {
				return identity, nil
			}
		}
	}

	identity, verified := p.verifyOffline(token)
	if !verified {
		introspected, err := p.introspect(ctx, token)
		if err != nil {
			return Identity{}, err
		}
		if err := p.checkAllowlist(introspected); err != nil {
			return Identity{}, err
		}
		identity = introspected
	}

	if cacheable {
		if payload, err := json.Marshal(identity); err == nil {
			if ttl := p.cacheTTL(identity.ExpiresAt); ttl > 0 {
				p.cache.Add(ctx, identityCacheNamespace, token, string(payload), ttl)
			}
		}
	}
	return identity, nil
}

func (p *Pipeline) resolveMembership(ctx context.Context, identity Identity) (core.RegistryUser, error) {
	lookupKey := identity.Subject
	if strings.TrimSpace(identity.Email) != "" {
		lookupKey = identity.Email
	}

	if p.cache != nil {
		if raw, hit := p.cache.Get(ctx, registryCacheNamespace, lookupKey); hit {
			var user core.RegistryUser
			if json.Unmarshal([]byte(raw), &user) == nil {
				if !user.Enabled {
					return core.RegistryUser{}, unauthorized("user is disabled")
				}
				return user, nil
			}
		}
	}

	user, found, err := p.registry.LookupSubject(ctx, lookupKey)
	if err != nil {
		return core.RegistryUser{}, err
	}
	if !found {
		return core.RegistryUser{}, unauthorized(fmt.Sprintf("subject %s is not a registered user", lookupKey))
	}
	if !user.Enabled {
		return core.RegistryUser{}, unauthorized("user is disabled")
	}

	if p.cache != nil {
		if payload, marshalErr := json.Marshal(user); marshalErr == nil {
			if ttl := p.cacheTTL(identity.ExpiresAt); ttl > 0 {
				p.cache.Add(ctx, registryCacheNamespace, lookupKey, string(payload), ttl)
			}
		}
	}
	return user, nil
}

// tokenCacheable reports whether the bearer token fits the cache key
// budget once the store prepends the identity namespace.
func (p *Pipeline) tokenCacheable(token string) bool {
	if p.cache == nil {
		return false
	}
	overhead := len(identityCacheNamespace) + len("::")
	return len(token) <= p.cache.MaxKeyBytes()-overhead
}

// verifyOffline checks signature, expiry, issued-at, and audience against
// the JWKS.
// Any failure sends the token down the introspection path instead of
// rejecting it outright: opaque tokens never parse as JWTs.
func (p *Pipeline) verifyOffline(token string) (Identity, bool) {
	if p.jwks == nil || strings.TrimSpace(p.cfg.ExpectedAudience) == "" {
		return Identity{}, false
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithAudience(p.cfg.ExpectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, p.jwks.Keyfunc)
	if err != nil || !parsed.Valid {
		return Identity{}, false
	}

	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return Identity{}, false
	}
	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return Identity{}, false
	}

	identity := Identity{
		Subject:   subject,
		Audience:  p.cfg.ExpectedAudience,
		ExpiresAt: expiresAt.Time,
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	return identity, true
}

func (p *Pipeline) introspect(ctx context.Context, token string) (Identity, error) {
	form := url.Values{"access_token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Identity{}, fmt.Errorf("auth: build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return Identity{}, goerrors.Wrap(err, goerrors.CategoryOperation, "auth: introspection request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntrospectionBodyBytes))
	if err != nil {
		return Identity{}, goerrors.Wrap(err, goerrors.CategoryOperation, "auth: read introspection response")
	}
	if resp.StatusCode >= 500 {
		return Identity{}, goerrors.New(
			fmt.Sprintf("auth: introspection endpoint returned status %d", resp.StatusCode),
			goerrors.CategoryOperation,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, unauthorized("token introspection rejected the token")
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Identity{}, unauthorized("token introspection returned an unreadable response")
	}

	identity, err := identityFromIntrospection(payload, p.nowFn())
	if err != nil {
		return Identity{}, unauthorized(err.Error())
	}
	return identity, nil
}

func identityFromIntrospection(payload map[string]any, now time.Time) (Identity, error) {
	subject := firstStringField(payload, "sub", "user_id")
	if subject == "" {
		return Identity{}, fmt.Errorf("introspection response has no subject")
	}
	email := firstStringField(payload, "email")
	if email == "" {
		return Identity{}, fmt.Errorf("introspection response has no email")
	}
	verified, ok := boolField(payload, "email_verified", "verified")
	if !ok {
		return Identity{}, fmt.Errorf("introspection response has no email verification flag")
	}
	if !verified {
		return Identity{}, fmt.Errorf("introspection response marks the email unverified")
	}
	audience := firstStringField(payload, "aud", "audience")
	if audience == "" {
		return Identity{}, fmt.Errorf("introspection response has no audience")
	}
	expiresIn, ok := numericField(payload, "expires_in")
	if !ok || expiresIn <= 0 {
		return Identity{}, fmt.Errorf("introspection response has no positive expires_in")
	}

	return Identity{
		Subject:   subject,
		Email:     email,
		Audience:  audience,
		ExpiresAt: now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// checkAllowlist applies the audience-prefix and email-suffix gates to an
// introspected identity. Offline-verified tokens already matched the
// expected audience exactly and skip this.
func (p *Pipeline) checkAllowlist(identity Identity) error {
	for _, prefix := range p.cfg.AudiencePrefixes {
		if prefix != "" && strings.HasPrefix(identity.Audience, prefix) {
			return nil
		}
	}
	for _, suffix := range p.cfg.EmailSuffixes {
		if suffix != "" && identity.Email != "" && strings.HasSuffix(identity.Email, suffix) {
			return nil
		}
	}
	return unauthorized("token audience and email are not allow-listed")
}

func (p *Pipeline) cacheTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(p.nowFn())
	if max := p.cfg.MaxCacheLifetime; ttl > max {
		ttl = max
	}
	return ttl
}

func parseBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fmt.Errorf("authorization header is required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("authorization header is not a bearer token")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("bearer token is empty")
	}
	return token, nil
}

func firstStringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := payload[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func boolField(payload map[string]any, keys ...string) (bool, bool) {
	for _, key := range keys {
		switch value := payload[key].(type) {
		case bool:
			return value, true
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return false, false
			}
			return parsed, true
		}
	}
	return false, false
}

func numericField(payload map[string]any, key string) (int64, bool) {
	switch value := payload[key].(type) {
	case float64:
		return int64(value), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func unauthorized(message string) error {
	return goerrors.New("auth: "+message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.BondErrorUnauthorized)
}
