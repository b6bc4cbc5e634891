package statecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/controlsd/internal/pkg/binding"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/favorites"
	"github.com/jake-scott/controlsd/internal/pkg/provider/fake"
)

type recorder struct {
	mu  sync.Mutex
	got []controls.Control
}

func (r *recorder) observe(c controls.Control) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) last() controls.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func update(id string, seq uint64, status string) controls.StateUpdate {
	return controls.StateUpdate{
		ControlID:  id,
		ProviderID: "p1",
		Sequence:   seq,
		State:      controls.StateBlob{"status": status},
	}
}

func TestMergeMonotonic(t *testing.T) {
	c := New(nil)
	c.Discovered("p1", []controls.Info{{ID: "c1", Title: "Lamp"}})

	rec := &recorder{}
	cancel := c.Observe(rec.observe)
	defer cancel()

	assert.True(t, c.Merge(update("c1", 5, "ON")))
	assert.Equal(t, 1, rec.count())

	// older update is dropped without notification
	assert.False(t, c.Merge(update("c1", 4, "OFF")))
	assert.Equal(t, 1, rec.count())

	ctl, err := c.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ctl.Sequence)
	assert.Equal(t, "ON", ctl.State["status"])

	// equal sequence is not newer
	assert.False(t, c.Merge(update("c1", 5, "OFF")))

	assert.True(t, c.Merge(update("c1", 6, "OFF")))
	assert.Equal(t, 2, rec.count())

	ctl, err = c.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), ctl.Sequence)
	assert.Equal(t, "OFF", ctl.State["status"])
	assert.Equal(t, "Lamp", ctl.Title)
	assert.Equal(t, "OFF", rec.last().State["status"])
}

func TestMergeConcurrent(t *testing.T) {
	c := New(nil)

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			c.Merge(update("c1", seq, "X"))
		}(uint64(i))
	}
	wg.Wait()

	ctl, err := c.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), ctl.Sequence)
}

func TestObserversSeeChangesInOrder(t *testing.T) {
	c := New(nil)

	var mu sync.Mutex
	var seen []uint64
	cancel := c.Observe(func(ctl controls.Control) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ctl.Sequence)
	})
	defer cancel()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			c.Merge(update("c1", seq, "X"))
		}(uint64(i))
	}
	wg.Wait()

	ctl, err := c.Get("c1")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, ctl.Sequence, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestReplayHoldsBackChanges(t *testing.T) {
	c := New(nil)
	c.Merge(update("c1", 1, "OFF"))
	c.Merge(update("c2", 1, "OFF"))

	var mu sync.Mutex
	var seen []string
	record := func(ctl controls.Control) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ctl.ID+":"+ctl.State["status"].(string))
	}
	cancel := c.Observe(record)
	defer cancel()

	merged := make(chan struct{})
	c.Replay(func(ctl controls.Control) {
		record(ctl)
		if ctl.ID == "c1" {
			// c1 is locked until this returns
			go func() {
				c.Merge(update("c1", 2, "ON"))
				close(merged)
			}()
			time.Sleep(time.Millisecond * 20)
		}
	})
	<-merged

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, "c1:OFF", seen[0])
	assert.ElementsMatch(t, []string{"c1:OFF", "c2:OFF", "c1:ON"}, seen)
}

func TestKeepAliveIgnored(t *testing.T) {
	c := New(nil)
	assert.False(t, c.Merge(controls.StateUpdate{Sequence: 10}))
	assert.Empty(t, c.List())
}

func TestGetNotFound(t *testing.T) {
	c := New(nil)
	_, err := c.Get("nope")
	assert.True(t, errors.Is(err, controls.ErrControlNotFound))
}

func TestCopiesAreIndependent(t *testing.T) {
	c := New(nil)
	c.Merge(update("c1", 1, "ON"))

	ctl, err := c.Get("c1")
	require.NoError(t, err)
	ctl.State["status"] = "MUTATED"

	ctl, err = c.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "ON", ctl.State["status"])
}

func TestOptimisticAndRevert(t *testing.T) {
	c := New(nil)
	c.Merge(update("c1", 1, "OFF"))

	require.NoError(t, c.ApplyOptimistic("c1", controls.StateBlob{"status": "ON"}))
	ctl, _ := c.Get("c1")
	assert.Equal(t, "ON", ctl.Displayed()["status"])
	assert.Equal(t, "OFF", ctl.State["status"])

	c.Revert("c1")
	ctl, _ = c.Get("c1")
	assert.Nil(t, ctl.Pending)
	assert.Equal(t, "OFF", ctl.Displayed()["status"])

	// a confirmed update replaces the overlay
	require.NoError(t, c.ApplyOptimistic("c1", controls.StateBlob{"status": "ON"}))
	c.Merge(update("c1", 2, "ON"))
	ctl, _ = c.Get("c1")
	assert.Nil(t, ctl.Pending)
	assert.Equal(t, "ON", ctl.State["status"])

	assert.True(t, errors.Is(c.ApplyOptimistic("nope", nil), controls.ErrControlNotFound))
}

func TestMarkProviderStale(t *testing.T) {
	c := New(nil)
	c.Discovered("p1", []controls.Info{{ID: "a"}, {ID: "b"}})
	c.Discovered("p2", []controls.Info{{ID: "c"}})

	c.MarkProviderStale("p1")

	for id, stale := range map[string]bool{"a": true, "b": true, "c": false} {
		ctl, err := c.Get(id)
		require.NoError(t, err)
		assert.Equal(t, stale, ctl.Stale, id)
	}

	// fresh state clears it
	c.Merge(update("a", 1, "ON"))
	ctl, _ := c.Get("a")
	assert.False(t, ctl.Stale)
}

func TestSetFavoriteOrderAndList(t *testing.T) {
	store := favorites.NewMemory()
	c := New(store)
	c.Discovered("p1", []controls.Info{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}})

	ctx := context.Background()
	require.NoError(t, c.SetFavorite(ctx, "c", true))
	require.NoError(t, c.SetFavorite(ctx, "a", true))

	ids := func() []string {
		var out []string
		for _, ctl := range c.List() {
			out = append(out, ctl.ID)
		}
		return out
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, ids())

	persisted, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "c", persisted[0].ControlID)
	assert.Equal(t, "p1", persisted[0].ProviderID)

	require.NoError(t, c.SetFavorite(ctx, "c", false))
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids())
	require.Len(t, c.Favorites(), 1)
	assert.Equal(t, "a", c.Favorites()[0].ControlID)

	assert.True(t, errors.Is(c.SetFavorite(ctx, "zz", true), controls.ErrControlNotFound))
}

func TestSetFavoritePersistenceWarning(t *testing.T) {
	store := favorites.NewMemory()
	store.FailSaves(errors.New("disk full"))

	c := New(store)
	c.Discovered("p1", []controls.Info{{ID: "a"}})

	err := c.SetFavorite(context.Background(), "a", true)
	require.Error(t, err)
	assert.True(t, controls.IsPersistenceWarning(err))

	// the in-memory change stands
	ctl, _ := c.Get("a")
	assert.True(t, ctl.Favorite)
	assert.Len(t, c.Favorites(), 1)
}

func TestLoadFavoritesOnStartup(t *testing.T) {
	net := fake.NewNetwork()
	p1 := net.Add("p1", controls.Info{ID: "a"}, controls.Info{ID: "b"})
	p2 := net.Add("p2", controls.Info{ID: "c"})
	net.Add("p3").OnDial(func(ctx context.Context) error {
		return controls.ErrBindRefused
	})

	store := favorites.NewMemory(
		controls.Favorite{ControlID: "b", ProviderID: "p1", Title: "B"},
		controls.Favorite{ControlID: "c", ProviderID: "p2"},
		controls.Favorite{ControlID: "a", ProviderID: "p1"},
		controls.Favorite{ControlID: "x", ProviderID: "p3"},
	)

	c := New(store)
	m := binding.NewManager(binding.Config{MaxBound: 4, IdleTimeout: time.Minute}, net, c)
	defer m.Close()

	require.NoError(t, c.LoadFavoritesOnStartup(context.Background(), m, 2))

	list := c.List()
	require.Len(t, list, 4)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "B", list[0].Title)
	assert.Equal(t, "x", list[3].ID)
	for _, ctl := range list {
		assert.True(t, ctl.Favorite)
		assert.False(t, ctl.Known(), "placeholder state is unknown")
	}

	x, _ := c.Get("x")
	assert.True(t, x.Stale)

	assert.Equal(t, 1, p1.Dials())
	assert.Equal(t, 1, p2.Dials())

	snap, ok := m.Binding("p1")
	require.True(t, ok)
	assert.Equal(t, binding.StateSubscribed, snap.State)
	assert.Equal(t, []string{"a", "b"}, snap.Subscriptions)

	_, ok = m.Binding("p3")
	assert.False(t, ok)

	// pushed state lands in the cache
	require.True(t, p2.Push(controls.StateUpdate{ControlID: "c", Sequence: 3, State: controls.StateBlob{"v": 1}}))
	require.Eventually(t, func() bool {
		ctl, _ := c.Get("c")
		return ctl.Sequence == 3 && ctl.ProviderID == "p2"
	}, time.Second, time.Millisecond*10)
}
