package provider

import (
	"context"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
)

// Handle is a live connection to one control provider.  Every variant (in
// process, websocket, Nest) implements the same capability set, and the core
// never looks at the concrete type.
//
// Handles are used from a single worker goroutine per provider, so
// implementations need not serialize calls themselves, except that Close may
// race with an in-flight call.
type Handle interface {
	// Load returns the controls the provider exposes
	Load(ctx context.Context) ([]controls.Info, error)

	// Subscribe starts a stream of state updates for the given controls,
	// replacing any previous subscription.  The channel is closed when the
	// subscription ends.
	Subscribe(ctx context.Context, controlIDs []string) (<-chan controls.StateUpdate, error)

	// Unsubscribe ends the current subscription
	Unsubscribe(ctx context.Context) error

	// SendAction delivers an action and waits for the provider's ack or nack
	SendAction(ctx context.Context, controlID string, action controls.Action) (controls.Ack, error)

	// Close releases the connection.  It does not invoke OnDisconnected.
	Close() error
}

// Listener receives connection lifecycle callbacks from a handle
type Listener interface {
	// OnDisconnected reports abnormal termination of the connection
	OnDisconnected(providerID string, err error)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(providerID string, err error)

func (f ListenerFunc) OnDisconnected(providerID string, err error) {
	f(providerID, err)
}

// Dialer connects to a provider described by a registry entry.  Returning
// from Dial successfully is the onConnected event.  A provider that declines
// the connection is reported with controls.ErrBindRefused.
type Dialer interface {
	Dial(ctx context.Context, entry controls.ProviderEntry, l Listener) (Handle, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, entry controls.ProviderEntry, l Listener) (Handle, error)

func (f DialerFunc) Dial(ctx context.Context, entry controls.ProviderEntry, l Listener) (Handle, error) {
	return f(ctx, entry, l)
}

// Lister is the listing collaborator: the read-only set of known providers
type Lister interface {
	ListProviders() ([]controls.ProviderEntry, error)
	Provider(id string) (controls.ProviderEntry, bool)
}

// Connector creates handles by provider ID
type Connector interface {
	Connect(ctx context.Context, providerID string, l Listener) (Handle, error)
}
