package provider

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

// Transports maps a registry entry's transport name to the dialer that
// speaks it, and resolves provider IDs through the listing collaborator.
type Transports struct {
	mu      sync.RWMutex
	lister  Lister
	dialers map[string]Dialer
}

func NewTransports(lister Lister) *Transports {
	return &Transports{
		lister:  lister,
		dialers: make(map[string]Dialer),
	}
}

// Register installs the dialer for a transport name, replacing any previous one
func (t *Transports) Register(transport string, d Dialer) *Transports {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dialers[transport] = d
	return t
}

// Connect looks up the provider's registry entry and dials it
func (t *Transports) Connect(ctx context.Context, providerID string, l Listener) (Handle, error) {
	entry, ok := t.lister.Provider(providerID)
	if !ok {
		return nil, errors.Wrapf(controls.ErrProviderUnknown, "provider %s", providerID)
	}

	t.mu.RLock()
	d, ok := t.dialers[entry.Transport]
	t.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(controls.ErrProviderUnknown, "no dialer for transport `%s` (provider %s)", entry.Transport, providerID)
	}

	logging.Logger(logging.WithProvider(ctx, providerID)).Debugf("dialing provider via %s transport", entry.Transport)

	return d.Dial(ctx, entry, l)
}
