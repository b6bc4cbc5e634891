package controls

import (
	"fmt"

	"github.com/pkg/errors"
)

// Failure kinds surfaced by the binding manager, state cache and action
// coordinator.  Callers classify with errors.Is.
var (
	ErrBindTimeout          = errors.New("bind timeout")
	ErrBindRefused          = errors.New("bind refused by provider")
	ErrBindingPoolExhausted = errors.New("binding pool exhausted")
	ErrProviderUnresponsive = errors.New("provider unresponsive")
	ErrProviderDisconnected = errors.New("provider disconnected")
	ErrProviderUnknown      = errors.New("provider unknown")
	ErrNotBound             = errors.New("provider not bound")
	ErrActionInFlight       = errors.New("action in flight")
	ErrActionTimeout        = errors.New("action timeout")
	ErrActionRejected       = errors.New("action rejected by provider")
	ErrControlNotFound      = errors.New("control not found")
	ErrRequestNotFound      = errors.New("request not found")
	ErrNotAwaitingConfirm   = errors.New("request is not awaiting confirmation")
	ErrUnknownActionKind    = errors.New("unknown action kind")
	ErrRequestCancelled     = errors.New("request cancelled")
	ErrClosed               = errors.New("closed")
)

// PersistenceWarning accompanies an in-memory change that could not be
// written through to the favorites store.  The change itself was applied.
type PersistenceWarning struct {
	Err error
}

func (w *PersistenceWarning) Error() string {
	return fmt.Sprintf("persistence warning: %v", w.Err)
}

func (w *PersistenceWarning) Unwrap() error {
	return w.Err
}

// IsPersistenceWarning reports whether err is, or wraps, a PersistenceWarning
func IsPersistenceWarning(err error) bool {
	var w *PersistenceWarning
	return errors.As(err, &w)
}
