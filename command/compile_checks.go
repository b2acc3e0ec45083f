package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[BeginLinkMessage]               = (*BeginLinkCommand)(nil)
	_ gocmd.Commander[CompleteLinkMessage]            = (*CompleteLinkCommand)(nil)
	_ gocmd.Commander[UnlinkMessage]                  = (*UnlinkCommand)(nil)
	_ gocmd.Commander[RemoveServiceAccountKeyMessage] = (*RemoveServiceAccountKeyCommand)(nil)
	_ gocmd.Commander[SweepExpiredMessage]            = (*SweepExpiredCommand)(nil)
)
