// Package providers implements the upstream credential-provider adapter on
// top of golang.org/x/oauth2. One adapter instance wraps one configured
// fence-style provider: consent, code exchange, token refresh, and the
// service-account credentials endpoint.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/DataBiosphere/bond/core"
)

const maxResponseBodyBytes = 1 << 20

// OAuth2Provider adapts one provider's OAuth2 and credential endpoints to
// the core contract.
type OAuth2Provider struct {
	cfg    core.ProviderConfig
	oauth  oauth2.Config
	client *http.Client
	nowFn  func() time.Time
}

type Option func(*OAuth2Provider)

// WithHTTPClient overrides the HTTP client used for every upstream call,
// including the oauth2 token endpoints.
func WithHTTPClient(client *http.Client) Option {
	return func(p *OAuth2Provider) {
		if client != nil {
			p.client = client
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(p *OAuth2Provider) {
		if nowFn != nil {
			p.nowFn = nowFn
		}
	}
}

func New(cfg core.ProviderConfig, options ...Option) (*OAuth2Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("providers: %s client_id is required", cfg.ID)
	}
	if strings.TrimSpace(cfg.AuthURL) == "" || strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("providers: %s auth_url and token_url are required", cfg.ID)
	}

	provider := &OAuth2Provider{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: append([]string(nil), cfg.DefaultScopes...),
		},
		client: http.DefaultClient,
		nowFn:  time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(provider)
		}
	}
	return provider, nil
}

func (p *OAuth2Provider) ID() string {
	return p.cfg.ID
}

// AuthorizationURL builds the consent URL. Request scopes override the
// configured defaults; configured extra params are always appended.
func (p *OAuth2Provider) AuthorizationURL(req core.AuthorizationURLRequest) (string, error) {
	if strings.TrimSpace(req.State) == "" {
		return "", fmt.Errorf("providers: state is required")
	}
	if strings.TrimSpace(req.RedirectURI) == "" {
		return "", fmt.Errorf("providers: redirect uri is required")
	}

	conf := p.oauth
	conf.RedirectURL = req.RedirectURI
	if len(req.Scopes) > 0 {
		conf.Scopes = append([]string(nil), req.Scopes...)
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	for _, param := range p.cfg.ExtraAuthParams {
		if strings.TrimSpace(param.Key) != "" {
			opts = append(opts, oauth2.SetAuthURLParam(param.Key, param.Value))
		}
	}
	for _, param := range req.ExtraParams {
		if strings.TrimSpace(param.Key) != "" {
			opts = append(opts, oauth2.SetAuthURLParam(param.Key, param.Value))
		}
	}
	return conf.AuthCodeURL(req.State, opts...), nil
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, redirectURI string) (core.TokenGrant, error) {
	if strings.TrimSpace(code) == "" {
		return core.TokenGrant{}, fmt.Errorf("providers: authorization code is required")
	}

	conf := p.oauth
	conf.RedirectURL = redirectURI
	token, err := conf.Exchange(p.oauthContext(ctx), code)
	if err != nil {
		return core.TokenGrant{}, p.wrapOAuthError("exchange", err)
	}

	grant := core.TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		grant.ExpiresAt = &expiry
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		grant.IDToken = idToken
	}
	return grant, nil
}

// Refresh exchanges a stored refresh token for a fresh access token.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (core.AccessToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return core.AccessToken{}, fmt.Errorf("providers: refresh token is required")
	}

	source := p.oauth.TokenSource(p.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return core.AccessToken{}, p.wrapOAuthError("refresh", err)
	}
	return core.AccessToken{Token: token.AccessToken, ExpiresAt: token.Expiry}, nil
}

func (p *OAuth2Provider) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(p.cfg.RevokeURL) == "" {
		return fmt.Errorf("providers: %s has no revoke_url configured", p.cfg.ID)
	}

	form := url.Values{"token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("providers: build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("providers: revoke request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode >= 400 {
		return &core.UpstreamStatusError{
			Provider:   p.cfg.ID,
			Operation:  "revoke_refresh_token",
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// IssueServiceAccountKey asks the provider's credentials endpoint for a
// new service-account key on behalf of the bearer.
func (p *OAuth2Provider) IssueServiceAccountKey(ctx context.Context, accessToken string) (core.ServiceAccountKey, error) {
	if strings.TrimSpace(p.cfg.CredentialsURL) == "" {
		return core.ServiceAccountKey{}, fmt.Errorf("providers: %s has no credentials_url configured", p.cfg.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.CredentialsURL, bytes.NewReader(nil))
	if err != nil {
		return core.ServiceAccountKey{}, fmt.Errorf("providers: build credentials request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return core.ServiceAccountKey{}, fmt.Errorf("providers: credentials request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return core.ServiceAccountKey{}, fmt.Errorf("providers: read credentials response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.ServiceAccountKey{}, &core.UpstreamStatusError{
			Provider:   p.cfg.ID,
			Operation:  "issue_service_account_key",
			StatusCode: resp.StatusCode,
		}
	}
	if !json.Valid(body) {
		return core.ServiceAccountKey{}, fmt.Errorf("providers: %s credentials response is not valid JSON", p.cfg.ID)
	}

	return core.ServiceAccountKey{KeyJSON: body, IssuedAt: p.nowFn()}, nil
}

func (p *OAuth2Provider) RevokeServiceAccountKey(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(p.cfg.CredentialsURL) == "" {
		return fmt.Errorf("providers: %s has no credentials_url configured", p.cfg.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.cfg.CredentialsURL, nil)
	if err != nil {
		return fmt.Errorf("providers: build credentials delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("providers: credentials delete request failed: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &core.UpstreamStatusError{
			Provider:   p.cfg.ID,
			Operation:  "revoke_service_account_key",
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// MintServiceAccountToken signs an access token locally from an issued
// key, so repeated token requests never touch the provider's rate-limited
// key endpoint.
func (p *OAuth2Provider) MintServiceAccountToken(ctx context.Context, keyJSON []byte, scopes []string) (core.AccessToken, error) {
	if len(keyJSON) == 0 {
		return core.AccessToken{}, fmt.Errorf("providers: key json is required")
	}
	conf, err := google.JWTConfigFromJSON(keyJSON, scopes...)
	if err != nil {
		return core.AccessToken{}, fmt.Errorf("providers: parse service account key: %w", err)
	}

	token, err := conf.TokenSource(p.oauthContext(ctx)).Token()
	if err != nil {
		return core.AccessToken{}, p.wrapOAuthError("mint_service_account_token", err)
	}
	return core.AccessToken{Token: token.AccessToken, ExpiresAt: token.Expiry}, nil
}

func (p *OAuth2Provider) oauthContext(ctx context.Context) context.Context {
	if p.client == nil || p.client == http.DefaultClient {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

func (p *OAuth2Provider) wrapOAuthError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &core.UpstreamStatusError{
			Provider:   p.cfg.ID,
			Operation:  operation,
			StatusCode: retrieveErr.Response.StatusCode,
		}
	}
	return fmt.Errorf("providers: %s %s failed: %w", p.cfg.ID, operation, err)
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, maxResponseBodyBytes))
	body.Close()
}

var _ core.ProviderAdapter = (*OAuth2Provider)(nil)
