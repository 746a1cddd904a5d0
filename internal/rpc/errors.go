package rpc

import (
	"context"
	"errors"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/obsid"
	"github.com/hera-team/librarian/internal/search"
	"github.com/hera-team/librarian/internal/staging"
	"github.com/hera-team/librarian/internal/store"
	"github.com/hera-team/librarian/internal/tasks"
)

// Error kinds reported to callers. Every failed request carries one; clients
// branch on the kind, not the message text.
const (
	kindBadRequest           = "BadRequest"
	kindAuthFailed           = "AuthFailed"
	kindNotFound             = "NotFound"
	kindConflict             = "Conflict"
	kindInsufficientCapacity = "InsufficientCapacity"
	kindStoreUnavailable     = "StoreUnavailable"
	kindTransient            = "Transient"
	kindInternal             = "Internal"
)

// ErrStoreUnavailable marks failures of the underlying store driver, as
// opposed to the catalog not knowing the store at all.
var ErrStoreUnavailable = errors.New("store unavailable")

// classify maps an error to its response kind. Unrecognized errors are
// internal; their details stay in the logs.
func classify(err error) string {
	switch {
	case errors.Is(err, catalog.ErrBadRequest),
		errors.Is(err, search.ErrBadSearch),
		errors.Is(err, obsid.ErrCannotInfer):
		return kindBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return kindNotFound
	case errors.Is(err, catalog.ErrConflict),
		errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, staging.ErrStagingInProgress):
		return kindConflict
	case errors.Is(err, store.ErrInsufficientCapacity):
		return kindInsufficientCapacity
	case errors.Is(err, ErrStoreUnavailable):
		return kindStoreUnavailable
	case errors.Is(err, tasks.ErrShuttingDown),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return kindTransient
	}
	return kindInternal
}
