package bond

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"

	bondcommand "github.com/DataBiosphere/bond/command"
	"github.com/DataBiosphere/bond/core"
	bondquery "github.com/DataBiosphere/bond/query"
)

func TestSetup_WiresCommandsAndQueries(t *testing.T) {
	facade := newTestFacade(t)

	commands := facade.Commands()
	if commands.BeginLink == nil || commands.CompleteLink == nil || commands.Unlink == nil {
		t.Fatalf("expected link command handlers to be wired")
	}
	if commands.RemoveServiceAccountKey == nil || commands.SweepExpired == nil {
		t.Fatalf("expected maintenance command handlers to be wired")
	}
	queries := facade.Queries()
	if queries.GetLinkInfo == nil || queries.ListProviders == nil || queries.GetAccessToken == nil {
		t.Fatalf("expected link query handlers to be wired")
	}
	if queries.GetServiceAccountKey == nil || queries.GetServiceAccountToken == nil {
		t.Fatalf("expected service account query handlers to be wired")
	}
}

func TestFacade_CommandAndQueryDelegation(t *testing.T) {
	facade := newTestFacade(t)

	providers, err := facade.Queries().ListProviders.Query(context.Background(), bondquery.ListProvidersMessage{})
	if err != nil {
		t.Fatalf("query providers: %v", err)
	}
	if len(providers) != 1 || providers[0] != "fence" {
		t.Fatalf("unexpected provider list: %v", providers)
	}

	collector := gocmd.NewResult[string]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err = facade.Commands().BeginLink.Execute(ctx, bondcommand.BeginLinkMessage{
		Request: core.AuthorizationRequest{
			Provider:    "fence",
			SubjectID:   "user-1",
			RedirectURI: "https://bond.example.org/oauthcode",
		},
	})
	if err != nil {
		t.Fatalf("execute begin link: %v", err)
	}
	authURL, ok := collector.Load()
	if !ok || authURL == "" {
		t.Fatalf("expected authorization url result, got %q", authURL)
	}

	_, err = facade.Queries().GetLinkInfo.Query(context.Background(), bondquery.GetLinkInfoMessage{
		Provider:  "fence",
		SubjectID: "user-1",
	})
	if !errors.Is(err, core.ErrLinkNotFound) {
		t.Fatalf("expected link-not-found before exchange, got %v", err)
	}
}

func TestNewFacade_RequiresBothServices(t *testing.T) {
	facade, err := NewFacade(nil, nil)
	if err == nil {
		t.Fatalf("expected nil service error")
	}
	if facade != nil {
		t.Fatalf("expected nil facade on error")
	}
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()

	facade, err := Setup(DefaultConfig(), WithProviderAdapters(facadeTestAdapter{}))
	if err != nil {
		t.Fatalf("setup facade: %v", err)
	}
	return facade
}

type facadeTestAdapter struct{}

func (facadeTestAdapter) ID() string { return "fence" }

func (facadeTestAdapter) AuthorizationURL(req core.AuthorizationURLRequest) (string, error) {
	return "https://fence.example.org/authorize?state=" + req.State, nil
}

func (facadeTestAdapter) Exchange(context.Context, string, string) (core.TokenGrant, error) {
	return core.TokenGrant{}, nil
}

func (facadeTestAdapter) Refresh(context.Context, string) (core.AccessToken, error) {
	return core.AccessToken{Token: "access", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (facadeTestAdapter) RevokeRefreshToken(context.Context, string) error { return nil }

func (facadeTestAdapter) IssueServiceAccountKey(context.Context, string) (core.ServiceAccountKey, error) {
	return core.ServiceAccountKey{KeyJSON: []byte(`{"type":"service_account"}`), IssuedAt: time.Now()}, nil
}

func (facadeTestAdapter) RevokeServiceAccountKey(context.Context, string) error { return nil }

func (facadeTestAdapter) MintServiceAccountToken(context.Context, []byte, []string) (core.AccessToken, error) {
	return core.AccessToken{Token: "sa-access", ExpiresAt: time.Now().Add(time.Hour)}, nil
}
