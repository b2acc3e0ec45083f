package query

import (
	"fmt"
	"strings"
)

const (
	TypeGetLinkInfo            = "bond.query.link.info"
	TypeListProviders          = "bond.query.providers.list"
	TypeGetAccessToken         = "bond.query.link.access_token"
	TypeGetServiceAccountKey   = "bond.query.service_account.key"
	TypeGetServiceAccountToken = "bond.query.service_account.token"
)

type GetLinkInfoMessage struct {
	Provider  string
	SubjectID string
}

func (GetLinkInfoMessage) Type() string { return TypeGetLinkInfo }

func (m GetLinkInfoMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("query: provider is required")
	}
	if strings.TrimSpace(m.SubjectID) == "" {
		return fmt.Errorf("query: subject id is required")
	}
	return nil
}

type ListProvidersMessage struct{}

func (ListProvidersMessage) Type() string { return TypeListProviders }

func (ListProvidersMessage) Validate() error { return nil }

type GetAccessTokenMessage struct {
	Provider  string
	SubjectID string
}

func (GetAccessTokenMessage) Type() string { return TypeGetAccessToken }

func (m GetAccessTokenMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("query: provider is required")
	}
	if strings.TrimSpace(m.SubjectID) == "" {
		return fmt.Errorf("query: subject id is required")
	}
	return nil
}

type GetServiceAccountKeyMessage struct {
	Provider string
	CallerID string
}

func (GetServiceAccountKeyMessage) Type() string { return TypeGetServiceAccountKey }

func (m GetServiceAccountKeyMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("query: provider is required")
	}
	if strings.TrimSpace(m.CallerID) == "" {
		return fmt.Errorf("query: caller id is required")
	}
	return nil
}

type GetServiceAccountTokenMessage struct {
	Provider string
	CallerID string
	Scopes   []string
}

func (GetServiceAccountTokenMessage) Type() string { return TypeGetServiceAccountToken }

func (m GetServiceAccountTokenMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("query: provider is required")
	}
	if strings.TrimSpace(m.CallerID) == "" {
		return fmt.Errorf("query: caller id is required")
	}
	return nil
}
