package command

import (
	"context"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/DataBiosphere/bond/core"
)

func TestBeginLinkCommand_NilServiceReturnsRichError(t *testing.T) {
	var cmd *BeginLinkCommand
	err := cmd.Execute(context.Background(), BeginLinkMessage{})
	if err == nil {
		t.Fatalf("expected command dependency error")
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

func TestRemoveServiceAccountKeyCommand_NilServiceReturnsRichError(t *testing.T) {
	var cmd *RemoveServiceAccountKeyCommand
	err := cmd.Execute(context.Background(), RemoveServiceAccountKeyMessage{})
	if err == nil {
		t.Fatalf("expected command dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
}
