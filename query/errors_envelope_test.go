package query

import (
	"context"
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/DataBiosphere/bond/core"
)

func TestGetLinkInfoQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *GetLinkInfoQuery
	_, err := q.Query(context.Background(), GetLinkInfoMessage{})
	if err == nil {
		t.Fatalf("expected dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
	if rich.TextCode != core.BondErrorInternal {
		t.Fatalf("expected %q text code, got %q", core.BondErrorInternal, rich.TextCode)
	}
	if rich.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d code, got %d", http.StatusInternalServerError, rich.Code)
	}
}

func TestLinkNotFoundError_CarriesSentinelAndStatus(t *testing.T) {
	err := queryLinkNotFoundError("fence", "user-1")

	if !errors.Is(err, core.ErrLinkNotFound) {
		t.Fatalf("expected link-not-found sentinel, got %v", err)
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryNotFound {
		t.Fatalf("expected not-found category, got %q", rich.Category)
	}
	if rich.Code != http.StatusNotFound {
		t.Fatalf("expected %d code, got %d", http.StatusNotFound, rich.Code)
	}
}
