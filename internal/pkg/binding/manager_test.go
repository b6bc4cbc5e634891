package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/provider/fake"
)

type testSink struct {
	mu         sync.Mutex
	discovered map[string][]controls.Info
	merged     []controls.StateUpdate
}

func newTestSink() *testSink {
	return &testSink{discovered: make(map[string][]controls.Info)}
}

func (s *testSink) Discovered(providerID string, infos []controls.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered[providerID] = infos
}

func (s *testSink) Merge(u controls.StateUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, u)
	return true
}

func (s *testSink) mergedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.merged)
}

type lossRecorder struct {
	mu   sync.Mutex
	errs map[string]error
}

func (l *lossRecorder) BindingLost(providerID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.errs == nil {
		l.errs = make(map[string]error)
	}
	l.errs[providerID] = err
}

func (l *lossRecorder) get(providerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs[providerID]
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fake.Network, *testSink) {
	net := fake.NewNetwork()
	sink := newTestSink()
	m := NewManager(cfg, net, sink)
	t.Cleanup(func() { m.Close() })

	return m, net, sink
}

func bound(t *testing.T, m *Manager, providerID string) *Ref {
	ref, err := m.EnsureBound(context.Background(), providerID)
	require.NoError(t, err)
	return ref
}

func TestEnsureBoundIsShared(t *testing.T) {
	m, net, sink := newTestManager(t, Config{})
	p := net.Add("p1", controls.Info{ID: "c1"}, controls.Info{ID: "c2"})
	p.OnDial(func(ctx context.Context) error {
		time.Sleep(time.Millisecond * 20)
		return nil
	})

	var wg sync.WaitGroup
	refs := make([]*Ref, 10)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := m.EnsureBound(context.Background(), "p1")
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, p.Dials())
	for _, ref := range refs {
		require.NotNil(t, ref)
		assert.Equal(t, StateBound, ref.State())
		assert.Equal(t, "p1", ref.ProviderID())
	}

	snap, ok := m.Binding("p1")
	require.True(t, ok)
	assert.Equal(t, 10, snap.Interest)
	assert.Len(t, m.Bindings(), 1)

	sink.mu.Lock()
	assert.Len(t, sink.discovered["p1"], 2)
	sink.mu.Unlock()

	for _, ref := range refs {
		ref.Release()
		ref.Release()
	}
	snap, _ = m.Binding("p1")
	assert.Equal(t, 0, snap.Interest)
}

func TestBindTimeout(t *testing.T) {
	m, net, _ := newTestManager(t, Config{BindTimeout: time.Millisecond * 50})
	net.Add("p1").OnDial(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	_, err := m.EnsureBound(context.Background(), "p1")
	assert.True(t, errors.Is(err, controls.ErrBindTimeout), "got %v", err)
	assert.Less(t, int64(time.Since(start)), int64(time.Second))

	require.Eventually(t, func() bool {
		_, ok := m.Binding("p1")
		return !ok
	}, time.Second, time.Millisecond*5)
}

func TestBindRefused(t *testing.T) {
	m, net, _ := newTestManager(t, Config{})
	p := net.Add("p1").OnDial(func(ctx context.Context) error {
		return errors.Wrap(controls.ErrBindRefused, "busy")
	})

	_, err := m.EnsureBound(context.Background(), "p1")
	assert.True(t, errors.Is(err, controls.ErrBindRefused))

	// a later attempt dials again
	p.OnDial(nil)
	ref := bound(t, m, "p1")
	defer ref.Release()
	assert.Equal(t, 2, p.Dials())
}

func TestUnknownProvider(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.EnsureBound(context.Background(), "ghost")
	assert.True(t, errors.Is(err, controls.ErrProviderUnknown))
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m, net, sink := newTestManager(t, Config{})
	p := net.Add("p1", controls.Info{ID: "c1"}, controls.Info{ID: "c2"})

	err := m.Subscribe(context.Background(), "p1", []string{"c1"})
	assert.True(t, errors.Is(err, controls.ErrNotBound))

	ref := bound(t, m, "p1")
	defer ref.Release()

	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c2"}))
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1"}))
	// already covered
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1", "c2"}))
	assert.Equal(t, 2, p.Subscribes())

	snap, _ := m.Binding("p1")
	assert.Equal(t, StateSubscribed, snap.State)
	assert.Equal(t, []string{"c1", "c2"}, snap.Subscriptions)

	require.True(t, p.Push(controls.StateUpdate{ControlID: "c1", Sequence: 1}))
	require.True(t, p.Push(controls.StateUpdate{}))
	require.Eventually(t, func() bool { return sink.mergedCount() == 1 }, time.Second, time.Millisecond*5)

	sink.mu.Lock()
	assert.Equal(t, "p1", sink.merged[0].ProviderID)
	sink.mu.Unlock()

	require.NoError(t, m.Unsubscribe(context.Background(), "p1"))
	snap, _ = m.Binding("p1")
	assert.Equal(t, StateBound, snap.State)
	assert.Empty(t, snap.Subscriptions)
}

func TestEvictsLeastRecentlyActive(t *testing.T) {
	m, net, _ := newTestManager(t, Config{MaxBound: 2, IdleTimeout: time.Minute})
	p1 := net.Add("p1")
	p2 := net.Add("p2")
	p3 := net.Add("p3")

	bound(t, m, "p1").Release()
	time.Sleep(time.Millisecond * 5)
	bound(t, m, "p2").Release()

	ref := bound(t, m, "p3")
	defer ref.Release()

	require.Eventually(t, func() bool { return p1.Closes() == 1 }, time.Second, time.Millisecond*5)
	assert.Equal(t, 0, p2.Closes())
	assert.True(t, p3.Connected())

	var ids []string
	for _, snap := range m.Bindings() {
		ids = append(ids, snap.ProviderID)
	}
	assert.Equal(t, []string{"p2", "p3"}, ids)
}

func TestPoolCapUnderParallelBinds(t *testing.T) {
	const maxBound = 2

	m, net, _ := newTestManager(t, Config{MaxBound: maxBound, BindTimeout: time.Second * 2, IdleTimeout: time.Minute})

	var ids []string
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"} {
		net.Add(id).OnDial(func(ctx context.Context) error {
			time.Sleep(time.Millisecond * 2)
			return nil
		})
		ids = append(ids, id)
	}

	done := make(chan struct{})
	sampled := make(chan int, 1)
	go func() {
		most := 0
		for {
			if n := len(m.Bindings()); n > most {
				most = n
			}
			select {
			case <-done:
				sampled <- most
				return
			default:
			}
		}
	}()

	var mu sync.Mutex
	var succeeded int
	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()

				ref, err := m.EnsureBound(context.Background(), id)
				if err != nil {
					assert.True(t, errors.Is(err, controls.ErrBindingPoolExhausted) || errors.Is(err, controls.ErrBindTimeout), err.Error())
					return
				}

				assert.LessOrEqual(t, len(m.Bindings()), maxBound)
				time.Sleep(time.Millisecond)
				ref.Release()

				mu.Lock()
				succeeded++
				mu.Unlock()
			}(id)
		}
	}
	wg.Wait()
	close(done)

	assert.LessOrEqual(t, <-sampled, maxBound)
	assert.LessOrEqual(t, len(m.Bindings()), maxBound)
	assert.NotZero(t, succeeded)
}

func TestPoolExhausted(t *testing.T) {
	m, net, _ := newTestManager(t, Config{MaxBound: 2})
	net.Add("p1", controls.Info{ID: "c1"})
	net.Add("p2")
	p3 := net.Add("p3")

	// p1 has a subscription, p2 a pending action: neither is idle
	ref1 := bound(t, m, "p1")
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1"}))
	ref1.Release()

	ref2, err := m.AcquireAction(context.Background(), "p2")
	require.NoError(t, err)
	defer ref2.Release()

	start := time.Now()
	_, err = m.EnsureBound(context.Background(), "p3")
	assert.True(t, errors.Is(err, controls.ErrBindingPoolExhausted))
	assert.Less(t, int64(time.Since(start)), int64(time.Millisecond*500))
	assert.Equal(t, 0, p3.Dials())
	assert.Len(t, m.Bindings(), 2)
}

func TestIdleTeardown(t *testing.T) {
	m, net, _ := newTestManager(t, Config{IdleTimeout: time.Millisecond * 50})
	p := net.Add("p1")

	ref, err := m.AcquireAction(context.Background(), "p1")
	require.NoError(t, err)

	// a pending action holds the binding past the idle timeout
	time.Sleep(time.Millisecond * 120)
	snap, ok := m.Binding("p1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.PendingActions)

	ref.Release()
	require.Eventually(t, func() bool {
		_, ok := m.Binding("p1")
		return !ok
	}, time.Second, time.Millisecond*5)
	require.Eventually(t, func() bool { return p.Closes() == 1 }, time.Second, time.Millisecond*5)
}

func TestSubscriptionRenewal(t *testing.T) {
	m, net, _ := newTestManager(t, Config{
		SubscriptionTTL:  time.Millisecond * 50,
		ResubscribeDelay: time.Millisecond * 10,
	})
	loss := &lossRecorder{}
	m.SetLossHandler(loss)

	p := net.Add("p1", controls.Info{ID: "c1"})
	ref := bound(t, m, "p1")
	defer ref.Release()
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1"}))

	// silence renews the subscription
	require.Eventually(t, func() bool { return p.Subscribes() >= 3 }, time.Second, time.Millisecond*5)
	snap, _ := m.Binding("p1")
	assert.Equal(t, StateSubscribed, snap.State)
	assert.Nil(t, loss.get("p1"))

	// two failed renewals in a row make the provider unresponsive
	p.OnSubscribe(func(ids []string) error {
		return errors.New("no answer")
	})

	require.Eventually(t, func() bool { return loss.get("p1") != nil }, time.Second, time.Millisecond*5)
	assert.True(t, errors.Is(loss.get("p1"), controls.ErrProviderUnresponsive))

	_, ok := m.Binding("p1")
	assert.False(t, ok)
}

func TestMessagesKeepSubscriptionAlive(t *testing.T) {
	m, net, _ := newTestManager(t, Config{SubscriptionTTL: time.Millisecond * 100})
	p := net.Add("p1", controls.Info{ID: "c1"})

	ref := bound(t, m, "p1")
	defer ref.Release()
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1"}))

	for i := 0; i < 15; i++ {
		time.Sleep(time.Millisecond * 20)
		require.True(t, p.Push(controls.StateUpdate{}))
	}

	assert.Equal(t, 1, p.Subscribes())
}

func TestCrash(t *testing.T) {
	m, net, _ := newTestManager(t, Config{})
	loss := &lossRecorder{}
	m.SetLossHandler(loss)

	p := net.Add("p1", controls.Info{ID: "c1"})
	ref := bound(t, m, "p1")
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1"}))

	p.Disconnect(errors.New("segfault"))

	require.Eventually(t, func() bool { return loss.get("p1") != nil }, time.Second, time.Millisecond*5)
	assert.True(t, errors.Is(loss.get("p1"), controls.ErrProviderDisconnected))
	assert.Equal(t, StateUnbound, ref.State())
	ref.Release()

	_, err := m.SendAction(context.Background(), "p1", "c1", controls.Action{Command: "on"})
	assert.True(t, errors.Is(err, controls.ErrNotBound))

	// rebinding starts a fresh connection
	ref = bound(t, m, "p1")
	defer ref.Release()
	assert.Equal(t, 2, p.Dials())
}

func TestSendAction(t *testing.T) {
	m, net, _ := newTestManager(t, Config{BindTimeout: time.Millisecond * 100})
	p := net.Add("p1", controls.Info{ID: "c1"})

	ref, err := m.AcquireAction(context.Background(), "p1")
	require.NoError(t, err)
	defer ref.Release()

	ack, err := m.SendAction(context.Background(), "p1", "c1", controls.Action{Command: "on"})
	require.NoError(t, err)
	assert.True(t, ack.OK)

	// without a deadline of its own the call is bounded by the bind timeout
	p.OnAction(fake.HangUntilDone)
	_, err = m.SendAction(context.Background(), "p1", "c1", controls.Action{Command: "on"})
	assert.True(t, errors.Is(err, controls.ErrActionTimeout))
}

func TestClose(t *testing.T) {
	net := fake.NewNetwork()
	m := NewManager(Config{}, net, nil)
	loss := &lossRecorder{}
	m.SetLossHandler(loss)

	p1 := net.Add("p1", controls.Info{ID: "c1"})
	p2 := net.Add("p2")

	bound(t, m, "p1")
	require.NoError(t, m.Subscribe(context.Background(), "p1", []string{"c1"}))
	_, err := m.AcquireAction(context.Background(), "p2")
	require.NoError(t, err)

	require.NoError(t, m.Close())

	assert.Equal(t, 1, p1.Closes())
	assert.Equal(t, 1, p2.Closes())
	assert.Empty(t, m.Bindings())

	// only the binding with in-flight work reports a loss
	assert.Nil(t, loss.get("p1"))
	assert.True(t, errors.Is(loss.get("p2"), controls.ErrClosed))

	_, err = m.EnsureBound(context.Background(), "p1")
	assert.True(t, errors.Is(err, controls.ErrClosed))

	require.NoError(t, m.Close())
}
