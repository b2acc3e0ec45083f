package query

import (
	"context"

	"github.com/DataBiosphere/bond/core"
)

type LinkReader interface {
	Info(ctx context.Context, provider, subjectID string) (core.LinkInfo, bool, error)
	Providers() []string
	AccessToken(ctx context.Context, provider, subjectID string) (core.AccessToken, error)
}

type ServiceAccountReader interface {
	KeyJSON(ctx context.Context, provider, callerID string) ([]byte, error)
	AccessToken(ctx context.Context, provider, callerID string, scopes []string) (core.AccessToken, error)
}

type GetLinkInfoQuery struct {
	reader LinkReader
}

func NewGetLinkInfoQuery(reader LinkReader) *GetLinkInfoQuery {
	return &GetLinkInfoQuery{reader: reader}
}

func (q *GetLinkInfoQuery) Query(ctx context.Context, msg GetLinkInfoMessage) (core.LinkInfo, error) {
	if q == nil || q.reader == nil {
		return core.LinkInfo{}, queryDependencyError("query: link reader is required")
	}
	info, found, err := q.reader.Info(ctx, msg.Provider, msg.SubjectID)
	if err != nil {
		return core.LinkInfo{}, err
	}
	if !found {
		return core.LinkInfo{}, queryLinkNotFoundError(msg.Provider, msg.SubjectID)
	}
	return info, nil
}

type ListProvidersQuery struct {
	reader LinkReader
}

func NewListProvidersQuery(reader LinkReader) *ListProvidersQuery {
	return &ListProvidersQuery{reader: reader}
}

func (q *ListProvidersQuery) Query(ctx context.Context, msg ListProvidersMessage) ([]string, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: link reader is required")
	}
	return q.reader.Providers(), nil
}

type GetAccessTokenQuery struct {
	reader LinkReader
}

func NewGetAccessTokenQuery(reader LinkReader) *GetAccessTokenQuery {
	return &GetAccessTokenQuery{reader: reader}
}

func (q *GetAccessTokenQuery) Query(ctx context.Context, msg GetAccessTokenMessage) (core.AccessToken, error) {
	if q == nil || q.reader == nil {
		return core.AccessToken{}, queryDependencyError("query: link reader is required")
	}
	return q.reader.AccessToken(ctx, msg.Provider, msg.SubjectID)
}

type GetServiceAccountKeyQuery struct {
	reader ServiceAccountReader
}

func NewGetServiceAccountKeyQuery(reader ServiceAccountReader) *GetServiceAccountKeyQuery {
	return &GetServiceAccountKeyQuery{reader: reader}
}

func (q *GetServiceAccountKeyQuery) Query(ctx context.Context, msg GetServiceAccountKeyMessage) ([]byte, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: service account reader is required")
	}
	return q.reader.KeyJSON(ctx, msg.Provider, msg.CallerID)
}

type GetServiceAccountTokenQuery struct {
	reader ServiceAccountReader
}

func NewGetServiceAccountTokenQuery(reader ServiceAccountReader) *GetServiceAccountTokenQuery {
	return &GetServiceAccountTokenQuery{reader: reader}
}

func (q *GetServiceAccountTokenQuery) Query(
	ctx context.Context,
	msg GetServiceAccountTokenMessage,
) (core.AccessToken, error) {
	if q == nil || q.reader == nil {
		return core.AccessToken{}, queryDependencyError("query: service account reader is required")
	}
	return q.reader.AccessToken(ctx, msg.Provider, msg.CallerID, msg.Scopes)
}
