package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/DataBiosphere/bond/core"
)

type LinkMutatingService interface {
	AuthorizationURL(ctx context.Context, req core.AuthorizationRequest) (string, error)
	ExchangeCode(ctx context.Context, req core.ExchangeRequest) (core.LinkInfo, error)
	Unlink(ctx context.Context, provider, subjectID string) error
	SweepExpired(ctx context.Context) (core.SweepStats, error)
}

type ServiceAccountMutatingService interface {
	Remove(ctx context.Context, provider, callerID string) error
}

type BeginLinkCommand struct {
	service LinkMutatingService
}

func NewBeginLinkCommand(service LinkMutatingService) *BeginLinkCommand {
	return &BeginLinkCommand{service: service}
}

func (c *BeginLinkCommand) Execute(ctx context.Context, msg BeginLinkMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: link service is required")
	}
	out, err := c.service.AuthorizationURL(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteLinkCommand struct {
	service LinkMutatingService
}

func NewCompleteLinkCommand(service LinkMutatingService) *CompleteLinkCommand {
	return &CompleteLinkCommand{service: service}
}

func (c *CompleteLinkCommand) Execute(ctx context.Context, msg CompleteLinkMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: link service is required")
	}
	out, err := c.service.ExchangeCode(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type UnlinkCommand struct {
	service LinkMutatingService
}

func NewUnlinkCommand(service LinkMutatingService) *UnlinkCommand {
	return &UnlinkCommand{service: service}
}

func (c *UnlinkCommand) Execute(ctx context.Context, msg UnlinkMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: link service is required")
	}
	return c.service.Unlink(ctx, msg.Provider, msg.SubjectID)
}

type RemoveServiceAccountKeyCommand struct {
	service ServiceAccountMutatingService
}

func NewRemoveServiceAccountKeyCommand(service ServiceAccountMutatingService) *RemoveServiceAccountKeyCommand {
	return &RemoveServiceAccountKeyCommand{service: service}
}

func (c *RemoveServiceAccountKeyCommand) Execute(ctx context.Context, msg RemoveServiceAccountKeyMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: service account service is required")
	}
	return c.service.Remove(ctx, msg.Provider, msg.CallerID)
}

type SweepExpiredCommand struct {
	service LinkMutatingService
}

func NewSweepExpiredCommand(service LinkMutatingService) *SweepExpiredCommand {
	return &SweepExpiredCommand{service: service}
}

func (c *SweepExpiredCommand) Execute(ctx context.Context, msg SweepExpiredMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: link service is required")
	}
	out, err := c.service.SweepExpired(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
