package query

import (
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/DataBiosphere/bond/core"
)

func queryDependencyError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.BondErrorInternal)
}

func queryLinkNotFoundError(provider, subjectID string) error {
	message := fmt.Sprintf("query: no link for %s/%s", provider, subjectID)
	return goerrors.Wrap(core.ErrLinkNotFound, goerrors.CategoryNotFound, message).
		WithCode(http.StatusNotFound).
		WithTextCode(core.BondErrorLinkNotFound)
}
