package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/DataBiosphere/bond/core"
)

var (
	_ gocmd.Querier[GetLinkInfoMessage, core.LinkInfo]               = (*GetLinkInfoQuery)(nil)
	_ gocmd.Querier[ListProvidersMessage, []string]                  = (*ListProvidersQuery)(nil)
	_ gocmd.Querier[GetAccessTokenMessage, core.AccessToken]         = (*GetAccessTokenQuery)(nil)
	_ gocmd.Querier[GetServiceAccountKeyMessage, []byte]             = (*GetServiceAccountKeyQuery)(nil)
	_ gocmd.Querier[GetServiceAccountTokenMessage, core.AccessToken] = (*GetServiceAccountTokenQuery)(nil)
)
