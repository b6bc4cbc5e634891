package binding

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

// Sink receives what bound providers report: their control lists and the
// state updates pushed on subscriptions
type Sink interface {
	Discovered(providerID string, infos []controls.Info)
	Merge(u controls.StateUpdate) bool
}

// LossHandler is told when a binding ends abnormally (crash, unresponsive
// subscription, shutdown) so in-flight work against it can be failed
type LossHandler interface {
	BindingLost(providerID string, err error)
}

// Manager owns the live connections to providers
type Manager struct {
	cfg       Config
	connector provider.Connector
	sink      Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lossMu sync.RWMutex
	loss   LossHandler

	mu       sync.Mutex
	bindings map[string]*binding
	closed   bool
}

func NewManager(cfg Config, connector provider.Connector, sink Sink) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg.withDefaults(),
		connector: connector,
		sink:      sink,
		ctx:       ctx,
		cancel:    cancel,
		bindings:  make(map[string]*binding),
	}
}

// SetLossHandler installs the receiver of binding-loss events
func (m *Manager) SetLossHandler(l LossHandler) {
	m.lossMu.Lock()
	defer m.lossMu.Unlock()
	m.loss = l
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// EnsureBound returns a claim on a bound session with the provider,
// connecting first if needed.  Concurrent callers share one connection.
func (m *Manager) EnsureBound(ctx context.Context, providerID string) (*Ref, error) {
	return m.acquire(ctx, providerID, false)
}

// AcquireAction is EnsureBound for a caller about to run an action: until
// the claim is released the binding counts the action as pending and will
// not be torn down or evicted.
func (m *Manager) AcquireAction(ctx context.Context, providerID string) (*Ref, error) {
	return m.acquire(ctx, providerID, true)
}

func (m *Manager) acquire(ctx context.Context, providerID string, action bool) (*Ref, error) {
	ctxLogger := logging.Logger(logging.WithProvider(ctx, providerID))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.BindTimeout)
		defer cancel()
	}

	for {
		b, wait, err := m.claim(providerID, action)
		if err != nil {
			return nil, err
		}

		if wait != nil {
			// a binding is on its way out: wait for it to go, then retry
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, errors.Wrapf(controls.ErrBindTimeout, "waiting for teardown to free a slot for %s", providerID)
			}
		}

		select {
		case <-b.ready:
		case <-ctx.Done():
			m.release(b, action)
			return nil, errors.Wrapf(controls.ErrBindTimeout, "binding %s", providerID)
		}

		b.mu.Lock()
		bindErr := b.bindErr
		usable := b.usable()
		if usable {
			b.lastActivity = time.Now()
		}
		b.mu.Unlock()

		if bindErr != nil {
			return nil, bindErr
		}

		if !usable {
			// torn down between the claim and now: forget our claim and go again
			m.release(b, action)
			select {
			case <-b.lost:
				continue
			case <-ctx.Done():
				return nil, errors.Wrapf(controls.ErrBindTimeout, "binding %s", providerID)
			}
		}

		ctxLogger.Debug("provider bound")
		return &Ref{m: m, b: b, action: action}, nil
	}
}

// claim registers interest in the provider's binding, creating it (and
// making room in the pool) if necessary.  If the caller must wait for a
// teardown to finish first, the returned channel is non-nil and no claim
// was taken.
func (m *Manager) claim(providerID string, action bool) (*binding, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, errors.Wrap(controls.ErrClosed, "binding manager")
	}

	if b, ok := m.bindings[providerID]; ok {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.state == StateUnbinding {
			return nil, b.lost, nil
		}

		b.hold(action)
		return b, nil, nil
	}

	if len(m.bindings) >= m.cfg.MaxBound {
		// prefer waiting for a binding already on its way out
		for _, b := range m.bindings {
			b.mu.Lock()
			unbinding := b.state == StateUnbinding
			b.mu.Unlock()

			if unbinding {
				return nil, b.lost, nil
			}
		}

		victim := m.evictionCandidate()
		if victim == nil {
			return nil, nil, errors.Wrapf(controls.ErrBindingPoolExhausted, "%d providers bound, none idle", len(m.bindings))
		}

		logging.Logger(nil).WithField("provider", victim.id).Infof("evicting idle binding to make room for %s", providerID)
		go m.finishTeardown(victim)
		return nil, victim.lost, nil
	}

	b := newBinding(providerID)
	b.hold(action)
	m.bindings[providerID] = b

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(b)
		b.run()
	}()

	return b, nil, nil
}

// evictionCandidate picks the least recently active idle, unclaimed binding
// and marks it UNBINDING.  Caller holds m.mu.
func (m *Manager) evictionCandidate() *binding {
	var victim *binding
	var oldest time.Time

	for _, b := range m.bindings {
		b.mu.Lock()
		if b.interest == 0 && b.idle() && (victim == nil || b.lastActivity.Before(oldest)) {
			victim = b
			oldest = b.lastActivity
		}
		b.mu.Unlock()
	}

	if victim == nil {
		return nil
	}

	victim.mu.Lock()
	victim.state = StateUnbinding
	victim.stopTimers()
	victim.mu.Unlock()

	return victim
}

// hold takes a claim; caller holds b.mu
func (b *binding) hold(action bool) {
	b.interest++
	if action {
		b.pending++
	}
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
}

func (m *Manager) connect(b *binding) {
	ctx, cancel := context.WithTimeout(logging.WithProvider(m.ctx, b.id), m.cfg.BindTimeout)
	defer cancel()

	ctxLogger := logging.Logger(ctx)

	listener := provider.ListenerFunc(func(providerID string, err error) {
		m.lost(b, err)
	})

	h, err := m.connector.Connect(ctx, b.id, listener)

	var infos []controls.Info
	if err == nil {
		infos, err = h.Load(ctx)
		if err != nil {
			_ = h.Close()
		}
	}

	if err != nil {
		err = classifyBindError(ctx, b.id, err)
		ctxLogger.WithError(err).Warn("bind failed")

		b.mu.Lock()
		b.state = StateUnbound
		b.bindErr = err
		b.mu.Unlock()

		m.forget(b)
		b.markReady()
		b.markLost()
		return
	}

	b.mu.Lock()
	if b.isLost() {
		// disconnected while loading
		b.bindErr = errors.Wrapf(controls.ErrProviderDisconnected, "provider %s dropped during bind", b.id)
		b.mu.Unlock()
		_ = h.Close()
		b.markReady()
		return
	}
	b.handle = h
	b.state = StateBound
	b.lastActivity = time.Now()
	m.maybeIdle(b)
	b.mu.Unlock()

	ctxLogger.Infof("bound, %d controls", len(infos))

	if m.sink != nil {
		m.sink.Discovered(b.id, infos)
	}

	b.markReady()
}

func classifyBindError(ctx context.Context, providerID string, err error) error {
	switch {
	case errors.Is(err, controls.ErrBindRefused), errors.Is(err, controls.ErrProviderUnknown):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errors.Wrapf(controls.ErrBindTimeout, "binding %s: %v", providerID, err)
	case errors.Is(err, context.Canceled):
		return errors.Wrapf(controls.ErrClosed, "binding %s", providerID)
	default:
		return errors.Wrapf(err, "binding %s", providerID)
	}
}

// Subscribe adds controls to the provider's subscription.  The binding must
// already be bound; a subscription that already covers every ID is left
// alone.
func (m *Manager) Subscribe(ctx context.Context, providerID string, controlIDs []string) error {
	b, err := m.usable(providerID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	covered := b.state == StateSubscribed
	for _, id := range controlIDs {
		if _, ok := b.subs[id]; !ok {
			covered = false
			break
		}
	}
	b.mu.Unlock()

	if covered {
		return nil
	}

	return b.do(ctx, m.cfg.BindTimeout, func(opCtx context.Context) error {
		b.mu.Lock()
		ids := make(map[string]struct{}, len(b.subs)+len(controlIDs))
		for id := range b.subs {
			ids[id] = struct{}{}
		}
		for _, id := range controlIDs {
			ids[id] = struct{}{}
		}
		b.mu.Unlock()

		return m.openSubscription(opCtx, b, ids)
	})
}

// openSubscription (re)subscribes on the worker and starts the reader
func (m *Manager) openSubscription(ctx context.Context, b *binding, ids map[string]struct{}) error {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)

	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()

	ch, err := h.Subscribe(ctx, list)
	if err != nil {
		return errors.Wrapf(err, "subscribing to %d controls on %s", len(list), b.id)
	}

	b.mu.Lock()
	b.subs = ids
	b.subGen++
	gen := b.subGen
	b.state = StateSubscribed
	b.resubFailures = 0
	b.lastActivity = time.Now()
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
	m.armExpiry(b, gen, m.cfg.SubscriptionTTL)
	b.mu.Unlock()

	m.wg.Add(1)
	go m.read(b, gen, ch)

	logging.Logger(logging.WithProvider(ctx, b.id)).Debugf("subscribed to %v", list)
	return nil
}

// read merges one subscription stream into the sink
func (m *Manager) read(b *binding, gen int, ch <-chan controls.StateUpdate) {
	defer m.wg.Done()

	for {
		select {
		case <-b.lost:
			return
		case u, ok := <-ch:
			if !ok {
				return
			}

			b.mu.Lock()
			current := b.subGen == gen
			if current {
				b.lastActivity = time.Now()
				m.armExpiry(b, gen, m.cfg.SubscriptionTTL)
			}
			b.mu.Unlock()

			if !current || u.KeepAlive() {
				continue
			}

			u.ProviderID = b.id
			if m.sink != nil {
				m.sink.Merge(u)
			}
		}
	}
}

// armExpiry (re)starts the subscription renewal timer; caller holds b.mu
func (m *Manager) armExpiry(b *binding, gen int, d time.Duration) {
	if b.expiryTimer != nil {
		b.expiryTimer.Stop()
	}

	b.expiryTimer = time.AfterFunc(d, func() {
		m.renew(b, gen)
	})
}

// renew resubscribes after the subscription went quiet for a full TTL.  Two
// failed attempts in a row mark the provider unresponsive.
func (m *Manager) renew(b *binding, gen int) {
	b.mu.Lock()
	if b.subGen != gen || b.state != StateSubscribed {
		b.mu.Unlock()
		return
	}
	ids := make(map[string]struct{}, len(b.subs))
	for id := range b.subs {
		ids[id] = struct{}{}
	}
	b.mu.Unlock()

	ctx := logging.WithProvider(m.ctx, b.id)
	ctxLogger := logging.Logger(ctx)
	ctxLogger.Info("subscription expired, renewing")

	err := b.do(ctx, m.cfg.BindTimeout, func(opCtx context.Context) error {
		return m.openSubscription(opCtx, b, ids)
	})
	if err == nil {
		return
	}

	b.mu.Lock()
	if b.subGen != gen || !b.usable() {
		b.mu.Unlock()
		return
	}
	b.resubFailures++
	failures := b.resubFailures
	if failures < 2 {
		m.armExpiry(b, gen, m.cfg.ResubscribeDelay)
	}
	b.mu.Unlock()

	ctxLogger.WithError(err).Warnf("subscription renewal failed (%d in a row)", failures)

	if failures >= 2 {
		m.lost(b, errors.Wrapf(controls.ErrProviderUnresponsive, "provider %s: %v", b.id, err))
	}
}

// Unsubscribe drops all of the provider's subscriptions
func (m *Manager) Unsubscribe(ctx context.Context, providerID string) error {
	b, err := m.usable(providerID)
	if err != nil {
		return err
	}

	err = b.do(ctx, m.cfg.BindTimeout, func(opCtx context.Context) error {
		b.mu.Lock()
		h := b.handle
		b.mu.Unlock()

		return h.Unsubscribe(opCtx)
	})

	b.mu.Lock()
	b.subs = make(map[string]struct{})
	b.subGen++
	if b.expiryTimer != nil {
		b.expiryTimer.Stop()
		b.expiryTimer = nil
	}
	if b.state == StateSubscribed {
		b.state = StateBound
	}
	m.maybeIdle(b)
	b.mu.Unlock()

	return errors.Wrapf(err, "unsubscribing from %s", providerID)
}

// SendAction delivers an action to the provider on its worker and waits for
// the ack.  The caller should hold a claim from AcquireAction.
func (m *Manager) SendAction(ctx context.Context, providerID string, controlID string, action controls.Action) (controls.Ack, error) {
	b, err := m.usable(providerID)
	if err != nil {
		return controls.Ack{}, err
	}

	var ack controls.Ack
	err = b.do(ctx, m.cfg.BindTimeout, func(opCtx context.Context) error {
		b.mu.Lock()
		h := b.handle
		b.lastActivity = time.Now()
		b.mu.Unlock()

		var sendErr error
		ack, sendErr = h.SendAction(opCtx, controlID, action)
		return sendErr
	})

	b.mu.Lock()
	b.lastActivity = time.Now()
	b.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return controls.Ack{}, errors.Wrapf(controls.ErrActionTimeout, "control %s on %s", controlID, providerID)
		}
		return controls.Ack{}, err
	}

	return ack, nil
}

// Release drops one claim on the provider's current binding.  Prefer
// Ref.Release, which is tied to the exact binding the claim was taken on.
func (m *Manager) Release(providerID string) {
	m.mu.Lock()
	b := m.bindings[providerID]
	m.mu.Unlock()

	if b != nil {
		m.release(b, false)
	}
}

func (m *Manager) release(b *binding, action bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interest > 0 {
		b.interest--
	}
	if action && b.pending > 0 {
		b.pending--
	}
	m.maybeIdle(b)
}

// maybeIdle arms the idle teardown timer when nothing uses the binding;
// caller holds b.mu
func (m *Manager) maybeIdle(b *binding) {
	if b.interest > 0 || !b.idle() || b.idleTimer != nil {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(m.cfg.IdleTimeout, func() {
		b.mu.Lock()
		fire := b.idleTimer == t && b.interest == 0 && b.idle()
		if fire {
			b.idleTimer = nil
			b.state = StateUnbinding
			b.stopTimers()
		}
		b.mu.Unlock()

		if fire {
			logging.Logger(logging.WithProvider(m.ctx, b.id)).Info("idle, unbinding")
			m.finishTeardown(b)
		}
	})
	b.idleTimer = t
}

// finishTeardown completes a graceful teardown of a binding already marked
// UNBINDING: drop subscriptions, close the connection, leave the pool
func (m *Manager) finishTeardown(b *binding) {
	b.mu.Lock()
	hadSubs := len(b.subs) > 0
	h := b.handle
	b.mu.Unlock()

	if h != nil && hadSubs {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.TeardownTimeout)
		err := b.do(ctx, m.cfg.TeardownTimeout, func(opCtx context.Context) error {
			return h.Unsubscribe(opCtx)
		})
		cancel()

		if err != nil {
			logging.Logger(logging.WithProvider(m.ctx, b.id)).WithError(err).Debug("unsubscribe during teardown")
		}
	}

	m.gone(b, nil)
}

// lost handles abnormal termination of a binding
func (m *Manager) lost(b *binding, err error) {
	if err == nil {
		err = errors.Wrapf(controls.ErrProviderDisconnected, "provider %s", b.id)
	} else if !errors.Is(err, controls.ErrProviderUnresponsive) && !errors.Is(err, controls.ErrClosed) {
		err = errors.Wrapf(controls.ErrProviderDisconnected, "provider %s: %v", b.id, err)
	}

	if !m.gone(b, err) {
		return
	}

	logging.Logger(logging.WithProvider(m.ctx, b.id)).WithError(err).Warn("binding lost")
	m.notifyLoss(b.id, err)
}

func (m *Manager) notifyLoss(providerID string, err error) {
	m.lossMu.RLock()
	l := m.loss
	m.lossMu.RUnlock()

	if l != nil {
		l.BindingLost(providerID, err)
	}
}

// gone moves a binding to UNBOUND and out of the pool.  It reports false if
// the binding was already gone.
func (m *Manager) gone(b *binding, err error) bool {
	b.mu.Lock()
	if b.state == StateUnbound {
		b.mu.Unlock()
		return false
	}
	b.state = StateUnbound
	b.lostErr = err
	b.subs = make(map[string]struct{})
	b.subGen++
	b.stopTimers()
	b.mu.Unlock()

	m.forget(b)
	b.markLost()

	return true
}

func (m *Manager) forget(b *binding) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bindings[b.id] == b {
		delete(m.bindings, b.id)
	}
}

func (m *Manager) usable(providerID string) (*binding, error) {
	m.mu.Lock()
	b := m.bindings[providerID]
	m.mu.Unlock()

	if b == nil {
		return nil, errors.Wrapf(controls.ErrNotBound, "provider %s", providerID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.usable() {
		return nil, errors.Wrapf(controls.ErrNotBound, "provider %s is %s", providerID, b.state)
	}

	return b, nil
}

// Bindings returns a snapshot of every binding in the pool
func (m *Manager) Bindings() []Snapshot {
	m.mu.Lock()
	list := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		list = append(list, b)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(list))
	for _, b := range list {
		snaps = append(snaps, b.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ProviderID < snaps[j].ProviderID })

	return snaps
}

// Binding returns a snapshot of one provider's binding
func (m *Manager) Binding(providerID string) (Snapshot, bool) {
	m.mu.Lock()
	b := m.bindings[providerID]
	m.mu.Unlock()

	if b == nil {
		return Snapshot{ProviderID: providerID, State: StateUnbound}, false
	}

	return b.snapshot(), true
}

// Close fails in-flight work, tears every binding down and waits for the
// workers to exit
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	list := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		list = append(list, b)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range list {
		b.mu.Lock()
		busy := b.pending > 0
		teardown := b.usable()
		if teardown {
			b.state = StateUnbinding
			b.stopTimers()
		}
		b.mu.Unlock()

		if busy {
			// in-flight actions are failed before the binding goes
			err := errors.Wrapf(controls.ErrClosed, "provider %s: shutting down", b.id)
			m.notifyLoss(b.id, err)
			m.gone(b, err)
			continue
		}

		if teardown {
			wg.Add(1)
			go func(b *binding) {
				defer wg.Done()
				m.finishTeardown(b)
			}(b)
		}
	}
	wg.Wait()

	// aborts binds still connecting
	m.cancel()
	m.wg.Wait()

	return nil
}
