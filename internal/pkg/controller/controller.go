// Package controller assembles the binding manager, state cache and action
// coordinator into the one process-wide container the daemon runs.
package controller

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/actions"
	"github.com/jake-scott/controlsd/internal/pkg/binding"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/favorites"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
	"github.com/jake-scott/controlsd/internal/pkg/statecache"
)

type Options struct {
	Bindings           binding.Config
	Actions            actions.Config
	StartupConcurrency int
}

func OptionsFromViper(v *viper.Viper) Options {
	return Options{
		Bindings:           binding.ConfigFromViper(v),
		Actions:            actions.ConfigFromViper(v),
		StartupConcurrency: v.GetInt("startup.concurrency"),
	}
}

// Controller owns every piece of control state in the process
type Controller struct {
	opts      Options
	providers provider.Lister
	store     favorites.Store

	bindings *binding.Manager
	cache    *statecache.Cache
	actions  *actions.Coordinator
}

func New(opts Options, providers provider.Lister, connector provider.Connector, store favorites.Store) *Controller {
	cache := statecache.New(store)
	bindings := binding.NewManager(opts.Bindings, connector, cache)

	c := &Controller{
		opts:      opts,
		providers: providers,
		store:     store,
		bindings:  bindings,
		cache:     cache,
		actions:   actions.NewCoordinator(opts.Actions, bindings, cache),
	}
	bindings.SetLossHandler(c)

	return c
}

// Start loads the persisted favorites and binds their providers
func (c *Controller) Start(ctx context.Context) error {
	logging.Logger(ctx).Info("starting controller")

	if err := c.cache.LoadFavoritesOnStartup(ctx, c.bindings, c.opts.StartupConcurrency); err != nil {
		return errors.Wrap(err, "starting controller")
	}

	return nil
}

// BindingLost fails the provider's in-flight requests and marks its controls
// stale
func (c *Controller) BindingLost(providerID string, err error) {
	logging.Logger(logging.WithProvider(context.Background(), providerID)).WithError(err).Warn("binding lost")

	c.actions.FailProvider(providerID, err)
	c.cache.MarkProviderStale(providerID)
}

// SetFavorite flips the control's favorite flag and brings the provider's
// subscription in line with its favorites.  A *controls.PersistenceWarning
// means the change was applied but not saved.
func (c *Controller) SetFavorite(ctx context.Context, controlID string, favorite bool) error {
	err := c.cache.SetFavorite(ctx, controlID, favorite)

	var warning *controls.PersistenceWarning
	if err != nil && !errors.As(err, &warning) {
		return err
	}

	ctl, getErr := c.cache.Get(controlID)
	if getErr != nil {
		return getErr
	}

	if subErr := c.resubscribe(ctx, ctl.ProviderID, favorite); subErr != nil {
		logging.Logger(logging.WithControl(ctx, controlID)).WithError(subErr).Warn("updating provider subscription")
		if favorite {
			c.cache.MarkProviderStale(ctl.ProviderID)
		}
	}

	return err
}

// resubscribe subscribes the provider to its favorite controls.  Removing a
// favorite only touches a provider that is already bound.
func (c *Controller) resubscribe(ctx context.Context, providerID string, added bool) error {
	ids := c.cache.ProviderControls(providerID)

	if added {
		ref, err := c.bindings.EnsureBound(ctx, providerID)
		if err != nil {
			return err
		}
		defer ref.Release()

		return c.bindings.Subscribe(ctx, providerID, ids)
	}

	snap, ok := c.bindings.Binding(providerID)
	if !ok || snap.State != binding.StateSubscribed {
		return nil
	}

	if err := c.bindings.Unsubscribe(ctx, providerID); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	return c.bindings.Subscribe(ctx, providerID, ids)
}

// Discover binds the provider long enough to learn its controls
func (c *Controller) Discover(ctx context.Context, providerID string) ([]controls.Control, error) {
	ref, err := c.bindings.EnsureBound(ctx, providerID)
	if err != nil {
		return nil, err
	}
	ref.Release()

	var list []controls.Control
	for _, ctl := range c.cache.List() {
		if ctl.ProviderID == providerID {
			list = append(list, ctl)
		}
	}

	return list, nil
}

func (c *Controller) Providers() ([]controls.ProviderEntry, error) {
	return c.providers.ListProviders()
}

func (c *Controller) Cache() *statecache.Cache {
	return c.cache
}

func (c *Controller) Actions() *actions.Coordinator {
	return c.actions
}

func (c *Controller) Bindings() *binding.Manager {
	return c.bindings
}

// Close cancels outstanding requests, unbinds every provider and closes the
// favorites store
func (c *Controller) Close() error {
	logging.Logger(nil).Info("stopping controller")

	if err := c.actions.Close(); err != nil {
		logging.Logger(nil).WithError(err).Warn("closing action coordinator")
	}
	if err := c.bindings.Close(); err != nil {
		logging.Logger(nil).WithError(err).Warn("closing binding manager")
	}

	if closer, ok := c.store.(io.Closer); ok {
		return errors.Wrap(closer.Close(), "closing favorites store")
	}

	return nil
}
