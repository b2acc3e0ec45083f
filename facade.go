package bond

import (
	"fmt"

	"github.com/DataBiosphere/bond/cache"
	bondcommand "github.com/DataBiosphere/bond/command"
	"github.com/DataBiosphere/bond/core"
	bondquery "github.com/DataBiosphere/bond/query"
)

type Commands struct {
	BeginLink               *bondcommand.BeginLinkCommand
	CompleteLink            *bondcommand.CompleteLinkCommand
	Unlink                  *bondcommand.UnlinkCommand
	RemoveServiceAccountKey *bondcommand.RemoveServiceAccountKeyCommand
	SweepExpired            *bondcommand.SweepExpiredCommand
}

type Queries struct {
	GetLinkInfo            *bondquery.GetLinkInfoQuery
	ListProviders          *bondquery.ListProvidersQuery
	GetAccessToken         *bondquery.GetAccessTokenQuery
	GetServiceAccountKey   *bondquery.GetServiceAccountKeyQuery
	GetServiceAccountToken *bondquery.GetServiceAccountTokenQuery
}

// Facade bundles both services with their command and query wrappers so
// callers wire a single value into transports and dispatchers.
type Facade struct {
	links           *core.LinkService
	serviceAccounts *core.ServiceAccountService
	commands        Commands
	queries         Queries
}

func NewFacade(links *core.LinkService, serviceAccounts *core.ServiceAccountService) (*Facade, error) {
	if links == nil {
		return nil, fmt.Errorf("bond: link service is required")
	}
	if serviceAccounts == nil {
		return nil, fmt.Errorf("bond: service account service is required")
	}

	facade := &Facade{links: links, serviceAccounts: serviceAccounts}
	facade.commands = Commands{
		BeginLink:               bondcommand.NewBeginLinkCommand(links),
		CompleteLink:            bondcommand.NewCompleteLinkCommand(links),
		Unlink:                  bondcommand.NewUnlinkCommand(links),
		RemoveServiceAccountKey: bondcommand.NewRemoveServiceAccountKeyCommand(serviceAccounts),
		SweepExpired:            bondcommand.NewSweepExpiredCommand(links),
	}
	facade.queries = Queries{
		GetLinkInfo:            bondquery.NewGetLinkInfoQuery(links),
		ListProviders:          bondquery.NewListProvidersQuery(links),
		GetAccessToken:         bondquery.NewGetAccessTokenQuery(links),
		GetServiceAccountKey:   bondquery.NewGetServiceAccountKeyQuery(serviceAccounts),
		GetServiceAccountToken: bondquery.NewGetServiceAccountTokenQuery(serviceAccounts),
	}
	return facade, nil
}

func (f *Facade) Links() *core.LinkService {
	if f == nil {
		return nil
	}
	return f.links
}

func (f *Facade) ServiceAccounts() *core.ServiceAccountService {
	if f == nil {
		return nil
	}
	return f.serviceAccounts
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

// Setup builds the full runtime: link service, credential vendor,
// service-account service, and the command/query surface. An in-process
// cache is installed when no cache option was supplied.
func Setup(cfg Config, opts ...Option) (*Facade, error) {
	sharedCache := cache.New()
	options := append([]Option{WithCache(sharedCache)}, opts...)

	links, err := core.NewLinkService(cfg, options...)
	if err != nil {
		return nil, err
	}

	vendor, err := core.NewCredentialVendor(
		links.CredentialStore(),
		links.Config().Vendor,
		core.WithVendorLogger(links.Logger()),
	)
	if err != nil {
		return nil, err
	}

	serviceAccounts, err := core.NewServiceAccountService(core.ServiceAccountDeps{
		Catalog:         links.Catalog(),
		Vendor:          vendor,
		Cache:           links.Cache(),
		Registry:        links.IdentityRegistry(),
		Tokens:          links,
		Logger:          links.Logger(),
		MetricsRecorder: links.MetricsRecorder(),
		KeyCacheTTL:     links.Config().Vendor.KeyCacheTTL(),
		TokenMargin:     links.Config().Vendor.TokenMargin(),
	})
	if err != nil {
		return nil, err
	}

	links.SetCredentialRemover(serviceAccounts)
	return NewFacade(links, serviceAccounts)
}
