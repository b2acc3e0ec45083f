package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/DataBiosphere/bond/core"
)

const maxRegistryBodyBytes = 1 << 20

// HTTPRegistry resolves subjects against an external user registry over
// HTTP. A 404 means the subject is unknown, not an error.
type HTTPRegistry struct {
	baseURL string
	http    HTTPDoer
	token   func(ctx context.Context) (string, error)
}

type RegistryOption func(*HTTPRegistry)

func WithRegistryHTTPClient(client HTTPDoer) RegistryOption {
	return func(r *HTTPRegistry) {
		if client != nil {
			r.http = client
		}
	}
}

// WithRegistryToken supplies the service credential used to call the
// registry.
func WithRegistryToken(token func(ctx context.Context) (string, error)) RegistryOption {
	return func(r *HTTPRegistry) {
		r.token = token
	}
}

func NewHTTPRegistry(baseURL string, options ...RegistryOption) (*HTTPRegistry, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("auth: registry base url is required")
	}
	registry := &HTTPRegistry{
		baseURL: trimmed,
		http:    http.DefaultClient,
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	return registry, nil
}

type registryUserPayload struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Email    string `json:"email"`
	Enabled  bool   `json:"enabled"`
}

func (r *HTTPRegistry) LookupSubject(ctx context.Context, subject string) (core.RegistryUser, bool, error) {
	if strings.TrimSpace(subject) == "" {
		return core.RegistryUser{}, false, fmt.Errorf("auth: subject is required")
	}

	endpoint := r.baseURL + "/api/users/v1/" + url.PathEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return core.RegistryUser{}, false, fmt.Errorf("auth: build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != nil {
		token, tokenErr := r.token(ctx)
		if tokenErr != nil {
			return core.RegistryUser{}, false, tokenErr
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return core.RegistryUser{}, false, goerrors.Wrap(err, goerrors.CategoryOperation, "auth: registry request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRegistryBodyBytes))
	if err != nil {
		return core.RegistryUser{}, false, goerrors.Wrap(err, goerrors.CategoryOperation, "auth: read registry response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return core.RegistryUser{}, false, nil
	case resp.StatusCode != http.StatusOK:
		return core.RegistryUser{}, false, goerrors.New(
			fmt.Sprintf("auth: registry returned status %d", resp.StatusCode),
			goerrors.CategoryOperation,
		)
	}

	var payload registryUserPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return core.RegistryUser{}, false, goerrors.Wrap(err, goerrors.CategoryOperation, "auth: decode registry response")
	}
	if strings.TrimSpace(payload.ID) == "" {
		return core.RegistryUser{}, false, goerrors.New("auth: registry response has no user id", goerrors.CategoryOperation)
	}

	return core.RegistryUser{
		ID:       payload.ID,
		Username: payload.UserName,
		Email:    payload.Email,
		Enabled:  payload.Enabled,
	}, true, nil
}

var _ core.IdentityRegistry = (*HTTPRegistry)(nil)
