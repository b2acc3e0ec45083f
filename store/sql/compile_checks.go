package sqlstore

import "github.com/DataBiosphere/bond/core"

var (
	_ core.LinkStore              = (*LinkStore)(nil)
	_ core.LinkStore              = (*CachedLinkStore)(nil)
	_ core.NonceStore             = (*NonceStore)(nil)
	_ core.VendedCredentialStore  = (*VendedCredentialStore)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
)
