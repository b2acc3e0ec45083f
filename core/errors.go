package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	BondErrorBadInput             = "BOND_BAD_INPUT"
	BondErrorProviderNotFound     = "BOND_PROVIDER_NOT_FOUND"
	BondErrorLinkNotFound         = "BOND_LINK_NOT_FOUND"
	BondErrorUnauthorized         = "BOND_UNAUTHORIZED"
	BondErrorStateInvalid         = "BOND_STATE_INVALID"
	BondErrorUpstreamFailed       = "BOND_UPSTREAM_ERROR"
	BondErrorCredentialNotUpdated = "BOND_CREDENTIAL_NOT_UPDATED"
	BondErrorInternal             = "BOND_INTERNAL_ERROR"
)

var (
	ErrProviderNotFound = errors.New("core: provider not registered")
	ErrLinkNotFound     = errors.New("core: link not found")
	ErrStateInvalid     = errors.New("core: authorization state invalid")

	// ErrCredentialNotUpdated means a fetch lock expired without a
	// credential write and the follower's retry did not converge either.
	ErrCredentialNotUpdated = errors.New("core: vended credential was not updated before lock expiry")
)

// UpstreamStatusError carries the HTTP status a provider returned for a
// failed upstream call. Callers use ClientError to decide whether a
// revocation failure is tolerable.
type UpstreamStatusError struct {
	Provider   string
	Operation  string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("core: provider %s %s returned status %d", e.Provider, e.Operation, e.StatusCode)
}

// ClientError reports whether the provider rejected the request outright,
// as opposed to failing on its side.
func (e *UpstreamStatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func bondErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureBondErrorEnvelope(richErr)
	}

	var upstream *UpstreamStatusError
	if errors.As(err, &upstream) {
		return newBondError(err.Error(), goerrors.CategoryOperation, BondErrorUpstreamFailed)
	}

	switch {
	case errors.Is(err, ErrProviderNotFound):
		return newBondError(err.Error(), goerrors.CategoryNotFound, BondErrorProviderNotFound)
	case errors.Is(err, ErrLinkNotFound):
		return newBondError(err.Error(), goerrors.CategoryNotFound, BondErrorLinkNotFound)
	case errors.Is(err, ErrStateInvalid):
		return newBondError(err.Error(), goerrors.CategoryAuth, BondErrorStateInvalid)
	case errors.Is(err, ErrCredentialNotUpdated):
		return newBondError(err.Error(), goerrors.CategoryOperation, BondErrorCredentialNotUpdated)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not a registered user"), strings.Contains(msg, "disabled"):
		return newBondError(err.Error(), goerrors.CategoryAuth, BondErrorUnauthorized)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newBondError(err.Error(), goerrors.CategoryBadInput, BondErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureBondErrorEnvelope(mapped)
}

func newBondError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureBondErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureBondErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = bondHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultBondTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultBondTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return BondErrorBadInput
	case goerrors.CategoryNotFound:
		return BondErrorLinkNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return BondErrorUnauthorized
	case goerrors.CategoryOperation:
		return BondErrorUpstreamFailed
	default:
		return BondErrorInternal
	}
}

func bondHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryOperation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
