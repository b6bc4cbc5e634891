package controller

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/controlsd/internal/pkg/actions"
	"github.com/jake-scott/controlsd/internal/pkg/binding"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/favorites"
	"github.com/jake-scott/controlsd/internal/pkg/provider/fake"
	"github.com/jake-scott/controlsd/internal/pkg/registry"
)

type testEnv struct {
	net   *fake.Network
	p1    *fake.Provider
	p2    *fake.Provider
	store *favorites.Memory
	c     *Controller
}

func newTestEnv(t *testing.T, favs ...controls.Favorite) *testEnv {
	net := fake.NewNetwork()
	p1 := net.Add("p1", controls.Info{ID: "c1", Title: "Lamp"}, controls.Info{ID: "c2"})
	p2 := net.Add("p2", controls.Info{ID: "c3"})

	reg, err := registry.New(
		controls.ProviderEntry{ID: "p1", Transport: "fake"},
		controls.ProviderEntry{ID: "p2", Transport: "fake"},
	)
	require.NoError(t, err)

	store := favorites.NewMemory(favs...)
	opts := Options{
		Bindings:           binding.Config{IdleTimeout: time.Minute},
		Actions:            actions.Config{},
		StartupConcurrency: 2,
	}

	c := New(opts, reg, net, store)
	t.Cleanup(func() { c.Close() })

	return &testEnv{net: net, p1: p1, p2: p2, store: store, c: c}
}

func subscriptions(c *Controller, providerID string) []string {
	snap, _ := c.Bindings().Binding(providerID)
	return snap.Subscriptions
}

func TestStartBindsFavorites(t *testing.T) {
	e := newTestEnv(t,
		controls.Favorite{ControlID: "c1", ProviderID: "p1"},
		controls.Favorite{ControlID: "c3", ProviderID: "p2"},
	)

	require.NoError(t, e.c.Start(context.Background()))

	assert.Equal(t, []string{"c1"}, subscriptions(e.c, "p1"))
	assert.Equal(t, []string{"c3"}, subscriptions(e.c, "p2"))

	ctl, err := e.c.Cache().Get("c1")
	require.NoError(t, err)
	assert.True(t, ctl.Favorite)
	assert.Equal(t, "Lamp", ctl.Title)
}

func TestDiscover(t *testing.T) {
	e := newTestEnv(t)

	list, err := e.c.Discover(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "c2", list[1].ID)

	_, err = e.c.Discover(context.Background(), "nobody")
	assert.True(t, errors.Is(err, controls.ErrProviderUnknown))

	providers, err := e.c.Providers()
	require.NoError(t, err)
	assert.Len(t, providers, 2)
}

func TestSetFavoriteFollowsSubscription(t *testing.T) {
	e := newTestEnv(t, controls.Favorite{ControlID: "c1", ProviderID: "p1"})

	// controls are learned when the provider binds
	_, err := e.c.Discover(context.Background(), "p1")
	require.NoError(t, err)
	require.NoError(t, e.c.Start(context.Background()))
	assert.Equal(t, []string{"c1"}, subscriptions(e.c, "p1"))

	require.NoError(t, e.c.SetFavorite(context.Background(), "c2", true))
	assert.Equal(t, []string{"c1", "c2"}, subscriptions(e.c, "p1"))

	saved, err := e.store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "c2", saved[1].ControlID)

	require.NoError(t, e.c.SetFavorite(context.Background(), "c1", false))
	assert.Equal(t, []string{"c2"}, subscriptions(e.c, "p1"))

	require.NoError(t, e.c.SetFavorite(context.Background(), "c2", false))
	snap, _ := e.c.Bindings().Binding("p1")
	assert.Equal(t, binding.StateBound, snap.State)
	assert.Empty(t, snap.Subscriptions)

	assert.True(t, errors.Is(e.c.SetFavorite(context.Background(), "nope", true), controls.ErrControlNotFound))
}

func TestSetFavoritePersistenceWarning(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.c.Discover(context.Background(), "p2")
	require.NoError(t, err)

	e.store.FailSaves(errors.New("disk full"))

	err = e.c.SetFavorite(context.Background(), "c3", true)
	var warning *controls.PersistenceWarning
	require.True(t, errors.As(err, &warning))

	ctl, err := e.c.Cache().Get("c3")
	require.NoError(t, err)
	assert.True(t, ctl.Favorite)
	assert.Equal(t, []string{"c3"}, subscriptions(e.c, "p2"))
}

func TestBindingLostMarksStaleAndFailsRequests(t *testing.T) {
	e := newTestEnv(t, controls.Favorite{ControlID: "c1", ProviderID: "p1"})
	require.NoError(t, e.c.Start(context.Background()))

	e.p1.OnAction(fake.HangUntilDone)
	req, err := e.c.Actions().Submit(context.Background(), "c1", controls.Action{Command: "on"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.p1.Actions() == 1
	}, time.Second, time.Millisecond*10)

	e.p1.Disconnect(errors.New("crashed"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()
	done, err := e.c.Actions().Wait(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, actions.StateFailed, done.State)

	ctl, err := e.c.Cache().Get("c1")
	require.NoError(t, err)
	assert.True(t, ctl.Stale)
}

func TestStartStoreFailure(t *testing.T) {
	net := fake.NewNetwork()
	reg, err := registry.New()
	require.NoError(t, err)

	c := New(Options{}, reg, net, brokenStore{})
	defer c.Close()

	assert.Error(t, c.Start(context.Background()))
}

type brokenStore struct{}

func (brokenStore) Load(ctx context.Context) ([]controls.Favorite, error) {
	return nil, errors.New("unreadable")
}

func (brokenStore) Save(ctx context.Context, list []controls.Favorite) error {
	return errors.New("unwritable")
}
