package core

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type fakeAdapter struct {
	id string

	authURLErr  error
	lastAuthReq AuthorizationURLRequest

	grant       TokenGrant
	exchangeErr error

	refreshToken  AccessToken
	refreshErr    error
	refreshCalls  int
	lastRefreshed string

	revokeErr   error
	revokeCalls int

	issuedKey  ServiceAccountKey
	issueErr   error
	issueCalls int

	revokeKeyErr   error
	revokeKeyCalls int

	mintedToken AccessToken
	mintErr     error
	mintCalls   int
	lastScopes  []string
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) AuthorizationURL(req AuthorizationURLRequest) (string, error) {
	a.lastAuthReq = req
	if a.authURLErr != nil {
		return "", a.authURLErr
	}
	return "https://provider.example.org/authorize?state=" + req.State, nil
}

func (a *fakeAdapter) Exchange(_ context.Context, code, _ string) (TokenGrant, error) {
	if a.exchangeErr != nil {
		return TokenGrant{}, a.exchangeErr
	}
	if code == "" {
		return TokenGrant{}, fmt.Errorf("code is required")
	}
	return a.grant, nil
}

func (a *fakeAdapter) Refresh(_ context.Context, refreshToken string) (AccessToken, error) {
	a.refreshCalls++
	a.lastRefreshed = refreshToken
	if a.refreshErr != nil {
		return AccessToken{}, a.refreshErr
	}
	return a.refreshToken, nil
}

func (a *fakeAdapter) RevokeRefreshToken(context.Context, string) error {
	a.revokeCalls++
	return a.revokeErr
}

func (a *fakeAdapter) IssueServiceAccountKey(context.Context, string) (ServiceAccountKey, error) {
	a.issueCalls++
	if a.issueErr != nil {
		return ServiceAccountKey{}, a.issueErr
	}
	return a.issuedKey, nil
}

func (a *fakeAdapter) RevokeServiceAccountKey(context.Context, string) error {
	a.revokeKeyCalls++
	return a.revokeKeyErr
}

func (a *fakeAdapter) MintServiceAccountToken(_ context.Context, _ []byte, scopes []string) (AccessToken, error) {
	a.mintCalls++
	a.lastScopes = append([]string(nil), scopes...)
	if a.mintErr != nil {
		return AccessToken{}, a.mintErr
	}
	return a.mintedToken, nil
}

type recordingRemover struct {
	calls []string
	err   error
}

func (r *recordingRemover) Remove(_ context.Context, provider, callerID string) error {
	r.calls = append(r.calls, provider+"/"+callerID)
	return r.err
}

// testCache is a minimal CacheStore for service tests.
type testCache struct {
	entries map[string]string
}

func newTestCache() *testCache {
	return &testCache{entries: map[string]string{}}
}

func (c *testCache) Add(_ context.Context, namespace, key, value string, _ time.Duration) bool {
	composite := namespace + "::" + key
	if _, ok := c.entries[composite]; ok {
		return false
	}
	c.entries[composite] = value
	return true
}

func (c *testCache) Get(_ context.Context, namespace, key string) (string, bool) {
	value, ok := c.entries[namespace+"::"+key]
	return value, ok
}

func (c *testCache) Delete(_ context.Context, namespace, key string) {
	delete(c.entries, namespace+"::"+key)
}

func (c *testCache) MaxKeyBytes() int { return 250 }

func makeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "none", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "."
}

func newTestLinkService(t *testing.T, adapter ProviderAdapter, opts ...Option) (*LinkService, *MemoryLinkStore, *MemoryNonceStore) {
	t.Helper()
	links := NewMemoryLinkStore()
	nonces := NewMemoryNonceStore()
	options := append([]Option{
		WithProviderAdapters(adapter),
		WithLinkStore(links),
		WithNonceStore(nonces),
		WithCache(newTestCache()),
	}, opts...)
	service, err := NewLinkService(DefaultConfig(), options...)
	if err != nil {
		t.Fatalf("new link service: %v", err)
	}
	return service, links, nonces
}

func completeLink(t *testing.T, service *LinkService, provider, subject string) LinkInfo {
	t.Helper()
	ctx := context.Background()
	authURL, err := service.AuthorizationURL(ctx, AuthorizationRequest{
		Provider:    provider,
		SubjectID:   subject,
		RedirectURI: "https://broker.example.org/callback",
	})
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	state := authURL[len("https://provider.example.org/authorize?state="):]
	info, err := service.ExchangeCode(ctx, ExchangeRequest{
		Provider:    provider,
		SubjectID:   subject,
		Code:        "auth-code",
		RedirectURI: "https://broker.example.org/callback",
		State:       state,
	})
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	return info
}

func textCodeOf(t *testing.T, err error) string {
	t.Helper()
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected rich error, got %T: %v", err, err)
	}
	return rich.TextCode
}

func TestLinkService_AuthorizationURLStoresNonceAndPreservesCallerState(t *testing.T) {
	adapter := &fakeAdapter{id: "fence"}
	service, _, nonces := newTestLinkService(t, adapter)

	authURL, err := service.AuthorizationURL(context.Background(), AuthorizationRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		RedirectURI: "https://broker.example.org/callback",
		Scopes:      []string{"openid", "google_credentials"},
		CallerState: "caller-payload",
	})
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	if authURL == "" {
		t.Fatalf("expected a consent url")
	}
	if len(adapter.lastAuthReq.Scopes) != 2 {
		t.Fatalf("expected scopes to pass through, got %v", adapter.lastAuthReq.Scopes)
	}

	state, err := decodeAuthorizationState(adapter.lastAuthReq.State)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Caller != "caller-payload" {
		t.Fatalf("caller state lost: %q", state.Caller)
	}

	stored, found, err := nonces.Consume(context.Background(), LinkKey{Provider: "fence", SubjectID: "user-1"})
	if err != nil || !found {
		t.Fatalf("expected stored nonce: found=%v err=%v", found, err)
	}
	if stored.Nonce != state.Nonce {
		t.Fatalf("stored nonce %q does not match state nonce %q", stored.Nonce, state.Nonce)
	}
}

func TestLinkService_AuthorizationURLProviderFailureLeavesNoNonce(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", authURLErr: fmt.Errorf("bad scope configuration")}
	service, _, nonces := newTestLinkService(t, adapter)

	_, err := service.AuthorizationURL(context.Background(), AuthorizationRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		RedirectURI: "https://broker.example.org/callback",
	})
	if err == nil {
		t.Fatalf("expected provider error")
	}
	if _, found, _ := nonces.Consume(context.Background(), LinkKey{Provider: "fence", SubjectID: "user-1"}); found {
		t.Fatalf("expected no nonce after failed URL build")
	}
}

func TestLinkService_ExchangeCodeCreatesLinkFromIDTokenClaims(t *testing.T) {
	issuedAt := time.Now().Add(-time.Minute).Unix()
	adapter := &fakeAdapter{
		id: "fence",
		grant: TokenGrant{
			RefreshToken: "refresh-1",
			IDToken:      "placeholder",
		},
	}
	service, links, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat":                issuedAt,
		"preferred_username": "researcher@example.org",
	})

	info := completeLink(t, service, "fence", "user-1")
	if info.Username != "researcher@example.org" {
		t.Fatalf("unexpected username %q", info.Username)
	}
	if info.IssuedAt.Unix() != issuedAt {
		t.Fatalf("unexpected issued at %v", info.IssuedAt)
	}

	record, found, err := links.Get(context.Background(), LinkKey{Provider: "fence", SubjectID: "user-1"})
	if err != nil || !found {
		t.Fatalf("expected stored link: found=%v err=%v", found, err)
	}
	if record.RefreshToken != "refresh-1" {
		t.Fatalf("unexpected refresh token %q", record.RefreshToken)
	}
}

func TestLinkService_ExchangeCodeRejectsMismatchedState(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", grant: TokenGrant{RefreshToken: "refresh-1"}}
	service, _, nonces := newTestLinkService(t, adapter)

	ctx := context.Background()
	if _, err := service.AuthorizationURL(ctx, AuthorizationRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		RedirectURI: "https://broker.example.org/callback",
	}); err != nil {
		t.Fatalf("authorization url: %v", err)
	}

	forged, err := encodeAuthorizationState("", "forged-nonce")
	if err != nil {
		t.Fatalf("encode forged state: %v", err)
	}
	_, err = service.ExchangeCode(ctx, ExchangeRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		Code:        "auth-code",
		RedirectURI: "https://broker.example.org/callback",
		State:       forged,
	})
	if err == nil {
		t.Fatalf("expected state mismatch error")
	}
	if code := textCodeOf(t, err); code != BondErrorStateInvalid {
		t.Fatalf("unexpected text code %q", code)
	}

	// The stored nonce must be gone: a failed attempt cannot be replayed.
	if _, found, _ := nonces.Consume(ctx, LinkKey{Provider: "fence", SubjectID: "user-1"}); found {
		t.Fatalf("expected nonce consumed by failed exchange")
	}
}

func TestLinkService_ExchangeCodeWithoutStoredNonceFails(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", grant: TokenGrant{RefreshToken: "refresh-1"}}
	service, _, _ := newTestLinkService(t, adapter)

	state, err := encodeAuthorizationState("", "some-nonce")
	if err != nil {
		t.Fatalf("encode state: %v", err)
	}
	_, err = service.ExchangeCode(context.Background(), ExchangeRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		Code:        "auth-code",
		RedirectURI: "https://broker.example.org/callback",
		State:       state,
	})
	if err == nil {
		t.Fatalf("expected error without stored nonce")
	}
	if code := textCodeOf(t, err); code != BondErrorStateInvalid {
		t.Fatalf("unexpected text code %q", code)
	}
}

func TestLinkService_ExchangeCodeMissingRefreshTokenFails(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", grant: TokenGrant{}}
	service, _, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})

	ctx := context.Background()
	authURL, err := service.AuthorizationURL(ctx, AuthorizationRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		RedirectURI: "https://broker.example.org/callback",
	})
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	state := authURL[len("https://provider.example.org/authorize?state="):]
	if _, err = service.ExchangeCode(ctx, ExchangeRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		Code:        "auth-code",
		RedirectURI: "https://broker.example.org/callback",
		State:       state,
	}); err == nil {
		t.Fatalf("expected missing refresh token error")
	}
}

func TestLinkService_RelinkPurgesOldCredentialsFirst(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", grant: TokenGrant{RefreshToken: "refresh-1"}}
	service, links, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})
	remover := &recordingRemover{}
	service.SetCredentialRemover(remover)

	completeLink(t, service, "fence", "user-1")
	if len(remover.calls) != 0 {
		t.Fatalf("first link must not trigger removal")
	}
	if adapter.revokeCalls != 0 {
		t.Fatalf("first link must not revoke anything")
	}

	adapter.grant.RefreshToken = "refresh-2"
	completeLink(t, service, "fence", "user-1")
	if len(remover.calls) != 1 || remover.calls[0] != "fence/user-1" {
		t.Fatalf("expected credential removal on relink, got %v", remover.calls)
	}
	if adapter.revokeCalls != 1 {
		t.Fatalf("expected old refresh token revoked on relink, got %d", adapter.revokeCalls)
	}

	record, _, err := links.Get(context.Background(), LinkKey{Provider: "fence", SubjectID: "user-1"})
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if record.RefreshToken != "refresh-2" {
		t.Fatalf("expected new refresh token, got %q", record.RefreshToken)
	}
}

func TestLinkService_RelinkAbortsWhenCredentialRemovalFails(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", grant: TokenGrant{RefreshToken: "refresh-1"}}
	service, links, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})
	completeLink(t, service, "fence", "user-1")

	remover := &recordingRemover{err: fmt.Errorf("provider key deletion failed")}
	service.SetCredentialRemover(remover)
	adapter.grant.RefreshToken = "refresh-2"

	ctx := context.Background()
	authURL, err := service.AuthorizationURL(ctx, AuthorizationRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		RedirectURI: "https://broker.example.org/callback",
	})
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	state := authURL[len("https://provider.example.org/authorize?state="):]
	if _, err = service.ExchangeCode(ctx, ExchangeRequest{
		Provider:    "fence",
		SubjectID:   "user-1",
		Code:        "auth-code",
		RedirectURI: "https://broker.example.org/callback",
		State:       state,
	}); err == nil {
		t.Fatalf("expected relink to abort on removal failure")
	}

	record, _, err := links.Get(ctx, LinkKey{Provider: "fence", SubjectID: "user-1"})
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if record.RefreshToken != "refresh-1" {
		t.Fatalf("old link must survive an aborted relink, got %q", record.RefreshToken)
	}
}

func TestLinkService_AccessTokenCachesUntilMarginExpires(t *testing.T) {
	adapter := &fakeAdapter{
		id:           "fence",
		grant:        TokenGrant{RefreshToken: "refresh-1"},
		refreshToken: AccessToken{Token: "access-1", ExpiresAt: time.Now().Add(time.Hour)},
	}
	service, _, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})
	completeLink(t, service, "fence", "user-1")

	ctx := context.Background()
	first, err := service.AccessToken(ctx, "fence", "user-1")
	if err != nil {
		t.Fatalf("first access token: %v", err)
	}
	second, err := service.AccessToken(ctx, "fence", "user-1")
	if err != nil {
		t.Fatalf("second access token: %v", err)
	}
	if first.Token != "access-1" || second.Token != "access-1" {
		t.Fatalf("unexpected tokens %q / %q", first.Token, second.Token)
	}
	if adapter.refreshCalls != 1 {
		t.Fatalf("expected one refresh with warm cache, got %d", adapter.refreshCalls)
	}
}

func TestLinkService_AccessTokenSkipsCacheInsideMargin(t *testing.T) {
	adapter := &fakeAdapter{
		id:           "fence",
		grant:        TokenGrant{RefreshToken: "refresh-1"},
		refreshToken: AccessToken{Token: "access-1", ExpiresAt: time.Now().Add(30 * time.Second)},
	}
	service, _, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})
	completeLink(t, service, "fence", "user-1")

	ctx := context.Background()
	if _, err := service.AccessToken(ctx, "fence", "user-1"); err != nil {
		t.Fatalf("first access token: %v", err)
	}
	// 30s of life is inside the 60s margin, so the token is never cached
	// and every call hits the provider.
	if _, err := service.AccessToken(ctx, "fence", "user-1"); err != nil {
		t.Fatalf("second access token: %v", err)
	}
	if adapter.refreshCalls != 2 {
		t.Fatalf("expected refresh on every call inside margin, got %d", adapter.refreshCalls)
	}
}

func TestLinkService_AccessTokenWithoutLinkFails(t *testing.T) {
	adapter := &fakeAdapter{id: "fence"}
	service, _, _ := newTestLinkService(t, adapter)

	_, err := service.AccessToken(context.Background(), "fence", "nobody")
	if err == nil {
		t.Fatalf("expected link not found")
	}
	if code := textCodeOf(t, err); code != BondErrorLinkNotFound {
		t.Fatalf("unexpected text code %q", code)
	}
}

func TestLinkService_UnlinkIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{id: "fence"}
	service, _, _ := newTestLinkService(t, adapter)

	if err := service.Unlink(context.Background(), "fence", "user-1"); err != nil {
		t.Fatalf("unlink of absent link must succeed: %v", err)
	}
	if adapter.revokeCalls != 0 {
		t.Fatalf("absent link must not revoke anything")
	}
}

func TestLinkService_UnlinkToleratesClientErrorOnRevocation(t *testing.T) {
	adapter := &fakeAdapter{
		id:        "fence",
		grant:     TokenGrant{RefreshToken: "refresh-1"},
		revokeErr: &UpstreamStatusError{Provider: "fence", Operation: "revoke", StatusCode: 400},
	}
	service, links, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})
	completeLink(t, service, "fence", "user-1")

	if err := service.Unlink(context.Background(), "fence", "user-1"); err != nil {
		t.Fatalf("unlink must tolerate an already-dead token: %v", err)
	}
	if _, found, _ := links.Get(context.Background(), LinkKey{Provider: "fence", SubjectID: "user-1"}); found {
		t.Fatalf("expected link removed")
	}
}

func TestLinkService_UnlinkFailsOnProviderOutage(t *testing.T) {
	adapter := &fakeAdapter{
		id:        "fence",
		grant:     TokenGrant{RefreshToken: "refresh-1"},
		revokeErr: &UpstreamStatusError{Provider: "fence", Operation: "revoke", StatusCode: 503},
	}
	service, links, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat": time.Now().Unix(),
		"sub": "user-1",
	})
	completeLink(t, service, "fence", "user-1")

	if err := service.Unlink(context.Background(), "fence", "user-1"); err == nil {
		t.Fatalf("expected unlink failure on provider outage")
	}
	if _, found, _ := links.Get(context.Background(), LinkKey{Provider: "fence", SubjectID: "user-1"}); !found {
		t.Fatalf("link must survive a failed unlink")
	}
}

func TestLinkService_InfoReportsLinkState(t *testing.T) {
	adapter := &fakeAdapter{id: "fence", grant: TokenGrant{RefreshToken: "refresh-1"}}
	service, _, _ := newTestLinkService(t, adapter)
	adapter.grant.IDToken = makeIDToken(t, map[string]any{
		"iat":   time.Now().Unix(),
		"email": "researcher@example.org",
	})

	if _, found, err := service.Info(context.Background(), "fence", "user-1"); err != nil || found {
		t.Fatalf("expected no link yet: found=%v err=%v", found, err)
	}

	completeLink(t, service, "fence", "user-1")

	info, found, err := service.Info(context.Background(), "fence", "user-1")
	if err != nil || !found {
		t.Fatalf("expected link info: found=%v err=%v", found, err)
	}
	if info.Username != "researcher@example.org" {
		t.Fatalf("unexpected username %q", info.Username)
	}
}

func TestLinkService_SweepExpiredRemovesStaleNonces(t *testing.T) {
	adapter := &fakeAdapter{id: "fence"}
	service, _, nonces := newTestLinkService(t, adapter)

	stale := CsrfNonce{
		Provider:  "fence",
		SubjectID: "old-user",
		Nonce:     "stale",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := nonces.Put(context.Background(), stale); err != nil {
		t.Fatalf("put stale nonce: %v", err)
	}

	stats, err := service.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.NoncesRemoved != 1 {
		t.Fatalf("expected one stale nonce removed, got %d", stats.NoncesRemoved)
	}
}

func TestLinkService_ProvidersListsCatalog(t *testing.T) {
	adapter := &fakeAdapter{id: "fence"}
	service, _, _ := newTestLinkService(t, adapter)

	providers := service.Providers()
	if len(providers) != 1 || providers[0] != "fence" {
		t.Fatalf("unexpected providers %v", providers)
	}
}

func TestLinkService_UnknownProviderIsRejected(t *testing.T) {
	adapter := &fakeAdapter{id: "fence"}
	service, _, _ := newTestLinkService(t, adapter)

	_, err := service.AuthorizationURL(context.Background(), AuthorizationRequest{
		Provider:    "dcf-fence",
		SubjectID:   "user-1",
		RedirectURI: "https://broker.example.org/callback",
	})
	if err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if code := textCodeOf(t, err); code != BondErrorProviderNotFound {
		t.Fatalf("unexpected text code %q", code)
	}
}
