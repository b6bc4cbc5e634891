package statecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/korovkin/limiter"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/binding"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/favorites"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

/*
 *  The state cache is the single source of truth for presentation: the last
 *  confirmed state of every control we know of, plus its metadata
 */

// Observer is called with a copy of a control after every accepted change
type Observer func(c controls.Control)

// Binder is the part of the binding manager used at startup
type Binder interface {
	EnsureBound(ctx context.Context, providerID string) (*binding.Ref, error)
	Subscribe(ctx context.Context, providerID string, controlIDs []string) error
}

type entry struct {
	mu sync.Mutex
	c  controls.Control
}

// Cache maps control IDs to their last known state
type Cache struct {
	store favorites.Store

	// serializes favorites changes and their write-through
	favMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func init() {
	viper.SetDefault("startup.concurrency", 4)
}

func New(store favorites.Store) *Cache {
	return &Cache{
		store:     store,
		entries:   make(map[string]*entry),
		observers: make(map[int]Observer),
	}
}

func (c *Cache) lookup(controlID string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[controlID]
}

// entryFor returns the control's entry, creating a placeholder if needed
func (c *Cache) entryFor(controlID, providerID string) *entry {
	if e := c.lookup(controlID); e != nil {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[controlID]; ok {
		return e
	}

	e := &entry{c: controls.Control{ID: controlID, ProviderID: providerID}}
	c.entries[controlID] = e
	return e
}

// Merge applies a state update if it is newer than what is cached.  Stale
// updates are dropped silently.  It reports whether the update was applied.
func (c *Cache) Merge(u controls.StateUpdate) bool {
	if u.KeepAlive() {
		return false
	}

	e := c.entryFor(u.ControlID, u.ProviderID)

	e.mu.Lock()
	if u.Sequence <= e.c.Sequence {
		e.mu.Unlock()
		logging.Logger(nil).WithField("control", u.ControlID).Debugf("dropping stale update seq %d <= %d", u.Sequence, e.c.Sequence)
		return false
	}

	e.c.State = u.State.Clone()
	if e.c.State == nil {
		e.c.State = controls.StateBlob{}
	}
	e.c.Sequence = u.Sequence
	e.c.Pending = nil
	e.c.Stale = false
	if e.c.ProviderID == "" {
		e.c.ProviderID = u.ProviderID
	}
	e.c.LastUpdated = u.Timestamp
	if e.c.LastUpdated.IsZero() {
		e.c.LastUpdated = time.Now()
	}
	c.notify(e.copy())
	e.mu.Unlock()

	return true
}

// Discovered records the controls a provider reported on load
func (c *Cache) Discovered(providerID string, infos []controls.Info) {
	for _, info := range infos {
		e := c.entryFor(info.ID, providerID)

		e.mu.Lock()
		changed := e.c.ProviderID != providerID
		e.c.ProviderID = providerID
		if info.Title != "" && info.Title != e.c.Title {
			e.c.Title = info.Title
			changed = true
		}
		if info.DisplayType != "" && info.DisplayType != e.c.DisplayType {
			e.c.DisplayType = info.DisplayType
			changed = true
		}
		if changed {
			c.notify(e.copy())
		}
		e.mu.Unlock()
	}
}

// MarkProviderStale flags every control of the provider as no longer live
func (c *Cache) MarkProviderStale(providerID string) {
	for _, e := range c.snapshotEntries() {
		e.mu.Lock()
		if e.c.ProviderID != providerID || e.c.Stale {
			e.mu.Unlock()
			continue
		}
		e.c.Stale = true
		c.notify(e.copy())
		e.mu.Unlock()
	}
}

// ApplyOptimistic shows state for the control until the provider confirms
// or the action is reverted
func (c *Cache) ApplyOptimistic(controlID string, state controls.StateBlob) error {
	e := c.lookup(controlID)
	if e == nil {
		return errors.Wrapf(controls.ErrControlNotFound, "control %s", controlID)
	}

	e.mu.Lock()
	e.c.Pending = state.Clone()
	c.notify(e.copy())
	e.mu.Unlock()

	return nil
}

// Revert drops any optimistic state, going back to the last confirmed one.
// Observers are told even when there was no optimistic state.
func (c *Cache) Revert(controlID string) {
	e := c.lookup(controlID)
	if e == nil {
		return
	}

	e.mu.Lock()
	e.c.Pending = nil
	c.notify(e.copy())
	e.mu.Unlock()
}

// Get returns a copy of the control
func (c *Cache) Get(controlID string) (controls.Control, error) {
	e := c.lookup(controlID)
	if e == nil {
		return controls.Control{}, errors.Wrapf(controls.ErrControlNotFound, "control %s", controlID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copy(), nil
}

// List returns every control: favorites first in their persisted order, then
// the rest by ID
func (c *Cache) List() []controls.Control {
	c.mu.RLock()
	order := make([]string, len(c.order))
	copy(order, c.order)
	rest := make([]string, 0, len(c.entries))
	favs := make(map[string]bool, len(order))
	for _, id := range order {
		favs[id] = true
	}
	for id := range c.entries {
		if !favs[id] {
			rest = append(rest, id)
		}
	}
	c.mu.RUnlock()

	sort.Strings(rest)

	list := make([]controls.Control, 0, len(order)+len(rest))
	for _, id := range append(order, rest...) {
		if ctl, err := c.Get(id); err == nil {
			list = append(list, ctl)
		}
	}

	return list
}

// ProviderControls returns the IDs of the provider's favorite controls
func (c *Cache) ProviderControls(providerID string) []string {
	var ids []string
	for _, ctl := range c.List() {
		if ctl.ProviderID == providerID && ctl.Favorite {
			ids = append(ids, ctl.ID)
		}
	}

	return ids
}

// Favorites returns the ordered favorites list as persisted
func (c *Cache) Favorites() []controls.Favorite {
	c.mu.RLock()
	order := make([]string, len(c.order))
	copy(order, c.order)
	c.mu.RUnlock()

	list := make([]controls.Favorite, 0, len(order))
	for _, id := range order {
		ctl, err := c.Get(id)
		if err != nil {
			continue
		}
		list = append(list, controls.Favorite{
			ControlID:   ctl.ID,
			ProviderID:  ctl.ProviderID,
			Title:       ctl.Title,
			DisplayType: ctl.DisplayType,
		})
	}

	return list
}

// SetFavorite changes the control's favorite flag and writes the list
// through to the store.  If the store fails the flag is still changed and a
// *controls.PersistenceWarning is returned.
func (c *Cache) SetFavorite(ctx context.Context, controlID string, favorite bool) error {
	c.favMu.Lock()
	defer c.favMu.Unlock()

	e := c.lookup(controlID)
	if e == nil {
		return errors.Wrapf(controls.ErrControlNotFound, "control %s", controlID)
	}

	e.mu.Lock()
	if e.c.Favorite == favorite {
		e.mu.Unlock()
		return nil
	}
	e.c.Favorite = favorite

	c.mu.Lock()
	if favorite {
		c.order = append(c.order, controlID)
	} else {
		for i, id := range c.order {
			if id == controlID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.notify(e.copy())
	e.mu.Unlock()

	if c.store == nil {
		return nil
	}

	if err := c.store.Save(ctx, c.Favorites()); err != nil {
		logging.Logger(logging.WithControl(ctx, controlID)).WithError(err).Warn("favorites not saved")
		return &controls.PersistenceWarning{Err: errors.Wrap(err, "saving favorites")}
	}

	return nil
}

// LoadFavoritesOnStartup reads the persisted favorites, creates placeholder
// controls for them and binds and subscribes each provider, at most
// `concurrency` providers at a time.  Providers that cannot be bound are
// logged and their controls left stale; only a store failure is returned.
func (c *Cache) LoadFavoritesOnStartup(ctx context.Context, binder Binder, concurrency int) error {
	if c.store == nil {
		return nil
	}

	list, err := c.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading favorites")
	}

	logging.Logger(ctx).Infof("loaded %d favorites", len(list))

	var providers []string
	byProvider := make(map[string][]string)

	c.favMu.Lock()
	for _, f := range list {
		e := c.entryFor(f.ControlID, f.ProviderID)

		e.mu.Lock()
		already := e.c.Favorite
		e.c.Favorite = true
		if e.c.Title == "" {
			e.c.Title = f.Title
		}
		if e.c.DisplayType == "" {
			e.c.DisplayType = f.DisplayType
		}
		providerID := e.c.ProviderID

		if already {
			e.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.order = append(c.order, f.ControlID)
		c.mu.Unlock()

		c.notify(e.copy())
		e.mu.Unlock()

		if _, ok := byProvider[providerID]; !ok {
			providers = append(providers, providerID)
		}
		byProvider[providerID] = append(byProvider[providerID], f.ControlID)
	}
	c.favMu.Unlock()

	if binder == nil {
		return nil
	}

	if concurrency <= 0 {
		concurrency = 1
	}
	limit := limiter.NewConcurrencyLimiter(concurrency)

	for _, providerID := range providers {
		providerID := providerID
		ids := byProvider[providerID]

		limit.ExecuteWithTicket(func(ticket int) {
			c.bindFavorites(ctx, binder, providerID, ids)
		})
	}

	limit.Wait()
	return nil
}

func (c *Cache) bindFavorites(ctx context.Context, binder Binder, providerID string, ids []string) {
	ctx = logging.WithProvider(ctx, providerID)
	ctxLogger := logging.Logger(ctx)

	ref, err := binder.EnsureBound(ctx, providerID)
	if err != nil {
		ctxLogger.WithError(err).Warn("binding favorites provider")
		c.MarkProviderStale(providerID)
		return
	}
	defer ref.Release()

	if err := binder.Subscribe(ctx, providerID, ids); err != nil {
		ctxLogger.WithError(err).Warn("subscribing to favorites")
		c.MarkProviderStale(providerID)
		return
	}

	ctxLogger.Debugf("subscribed to %d favorites", len(ids))
}

// Observe registers fn for every accepted change.  The returned function
// removes it.  Observers run on the goroutine that made the change, with the
// control locked, so changes to one control arrive in the order they were
// made.  An observer must not block or call back into the cache.
func (c *Cache) Observe(fn Observer) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Replay calls fn with every control in List order.  Each control is locked
// while fn runs, so an observer registered before Replay never sees a change
// ahead of the copy Replay hands it.
func (c *Cache) Replay(fn Observer) {
	for _, ctl := range c.List() {
		e := c.lookup(ctl.ID)
		if e == nil {
			continue
		}

		e.mu.Lock()
		fn(e.copy())
		e.mu.Unlock()
	}
}

// notify runs the observers; caller holds the control's entry lock
func (c *Cache) notify(ctl controls.Control) {
	c.obsMu.RLock()
	fns := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()

	for _, fn := range fns {
		fn(ctl)
	}
}

func (c *Cache) snapshotEntries() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}

	return list
}

// copy returns the control with its blobs cloned; caller holds e.mu
func (e *entry) copy() controls.Control {
	ctl := e.c
	ctl.State = e.c.State.Clone()
	ctl.Pending = e.c.Pending.Clone()
	return ctl
}
