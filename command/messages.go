package command

import (
	"fmt"
	"strings"

	"github.com/DataBiosphere/bond/core"
)

const (
	TypeBeginLink               = "bond.command.link.begin"
	TypeCompleteLink            = "bond.command.link.complete"
	TypeUnlink                  = "bond.command.link.unlink"
	TypeRemoveServiceAccountKey = "bond.command.service_account.remove"
	TypeSweepExpired            = "bond.command.sweep"
)

type BeginLinkMessage struct {
	Request core.AuthorizationRequest
}

func (BeginLinkMessage) Type() string { return TypeBeginLink }

func (m BeginLinkMessage) Validate() error {
	if strings.TrimSpace(m.Request.Provider) == "" {
		return fmt.Errorf("command: provider is required")
	}
	if strings.TrimSpace(m.Request.SubjectID) == "" {
		return fmt.Errorf("command: subject id is required")
	}
	if strings.TrimSpace(m.Request.RedirectURI) == "" {
		return fmt.Errorf("command: redirect uri is required")
	}
	return nil
}

type CompleteLinkMessage struct {
	Request core.ExchangeRequest
}

func (CompleteLinkMessage) Type() string { return TypeCompleteLink }

func (m CompleteLinkMessage) Validate() error {
	if strings.TrimSpace(m.Request.Provider) == "" {
		return fmt.Errorf("command: provider is required")
	}
	if strings.TrimSpace(m.Request.SubjectID) == "" {
		return fmt.Errorf("command: subject id is required")
	}
	if strings.TrimSpace(m.Request.Code) == "" {
		return fmt.Errorf("command: authorization code is required")
	}
	if strings.TrimSpace(m.Request.State) == "" {
		return fmt.Errorf("command: state is required")
	}
	return nil
}

type UnlinkMessage struct {
	Provider  string
	SubjectID string
}

func (UnlinkMessage) Type() string { return TypeUnlink }

func (m UnlinkMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("command: provider is required")
	}
	if strings.TrimSpace(m.SubjectID) == "" {
		return fmt.Errorf("command: subject id is required")
	}
	return nil
}

type RemoveServiceAccountKeyMessage struct {
	Provider string
	CallerID string
}

func (RemoveServiceAccountKeyMessage) Type() string { return TypeRemoveServiceAccountKey }

func (m RemoveServiceAccountKeyMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return fmt.Errorf("command: provider is required")
	}
	if strings.TrimSpace(m.CallerID) == "" {
		return fmt.Errorf("command: caller id is required")
	}
	return nil
}

type SweepExpiredMessage struct{}

func (SweepExpiredMessage) Type() string { return TypeSweepExpired }

func (SweepExpiredMessage) Validate() error { return nil }
