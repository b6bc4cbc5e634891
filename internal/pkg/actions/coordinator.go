package actions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/binding"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

// Bindings is the part of the binding manager the coordinator drives
type Bindings interface {
	AcquireAction(ctx context.Context, providerID string) (*binding.Ref, error)
	Subscribe(ctx context.Context, providerID string, controlIDs []string) error
	SendAction(ctx context.Context, providerID string, controlID string, action controls.Action) (controls.Ack, error)
}

// Cache is the part of the state cache the coordinator updates
type Cache interface {
	Get(controlID string) (controls.Control, error)
	ApplyOptimistic(controlID string, state controls.StateBlob) error
	Revert(controlID string)
	Merge(u controls.StateUpdate) bool
}

// Observer is called with a snapshot after every request state change
type Observer func(r Request)

type request struct {
	Request
	action controls.Action

	ref        *binding.Ref
	timer      *time.Timer
	cancelSend context.CancelFunc
	optimistic bool
	err        error
	done       chan struct{}
}

// Coordinator sequences user actions against the cache and the providers.
// There is at most one unfinished request per control.
type Coordinator struct {
	cfg      Config
	bindings Bindings
	cache    Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	live      map[string]*request
	byControl map[string]*request
	history   map[string]*request
	histOrder []string
	closed    bool

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func NewCoordinator(cfg Config, bindings Bindings, cache Cache) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:       cfg.withDefaults(),
		bindings:  bindings,
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
		live:      make(map[string]*request),
		byControl: make(map[string]*request),
		history:   make(map[string]*request),
		observers: make(map[int]Observer),
	}
}

// Submit starts an action against a control.  A second submit while a
// request for the control is unfinished fails with ErrActionInFlight, unless
// that request is still awaiting confirmation, in which case it is cancelled
// and the new one takes its place.
//
// The provider's binding is acquired before Submit returns, so pool and bind
// failures are reported here.
func (c *Coordinator) Submit(ctx context.Context, controlID string, action controls.Action) (Request, error) {
	ctl, err := c.cache.Get(controlID)
	if err != nil {
		return Request{}, err
	}

	ctx = logging.WithControl(logging.WithProvider(ctx, ctl.ProviderID), controlID)
	ctxLogger := logging.Logger(ctx)

	r := &request{
		Request: Request{
			ID:          uuid.New().String(),
			ControlID:   controlID,
			ProviderID:  ctl.ProviderID,
			Kind:        action.Kind,
			Command:     action.Command,
			SubmittedAt: time.Now(),
			State:       StatePending,
		},
		action: action,
		done:   make(chan struct{}),
	}

	var afters []func()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Request{}, errors.Wrap(controls.ErrClosed, "action coordinator")
	}

	if prev, ok := c.byControl[controlID]; ok {
		if prev.State != StateAwaitingConfirmation {
			c.mu.Unlock()
			return Request{}, errors.Wrapf(controls.ErrActionInFlight, "control %s has request %s %s", controlID, prev.ID, prev.State)
		}

		ctxLogger.Infof("request %s superseded by %s", prev.ID, r.ID)
		afters = append(afters, c.finishLocked(prev, StateCancelled, errors.New("superseded by a newer request")))
	}

	c.live[r.ID] = r
	c.byControl[controlID] = r
	snap := r.Request
	c.mu.Unlock()

	runAll(afters)
	c.notify(snap)

	ref, err := c.bindings.AcquireAction(ctx, ctl.ProviderID)
	if err != nil {
		ctxLogger.WithError(err).Warnf("request %s: acquiring binding", r.ID)

		c.mu.Lock()
		after := c.finishLocked(r, StateFailed, err)
		c.mu.Unlock()
		after()

		return Request{}, err
	}

	c.mu.Lock()
	if r.State.Terminal() {
		// cancelled, failed or the coordinator closed while we were binding
		snap = r.Request
		err = r.err
		c.mu.Unlock()
		ref.Release()

		if err == nil || (snap.State == StateCancelled && !errors.Is(err, controls.ErrClosed)) {
			err = controls.ErrRequestCancelled
		}
		return snap, errors.Wrapf(err, "request %s %s while binding", r.ID, snap.State)
	}
	r.ref = ref

	if action.Kind == controls.ActionConfirmRequired {
		r.State = StateAwaitingConfirmation
		r.timer = time.AfterFunc(c.cfg.ConfirmWindow, func() {
			c.expire(r)
		})
		snap = r.Request
		c.mu.Unlock()

		ctxLogger.Infof("request %s awaiting confirmation", r.ID)
		c.notify(snap)
		return snap, nil
	}

	snap = r.Request
	c.startLocked(r)
	c.mu.Unlock()

	ctxLogger.Debugf("request %s accepted", r.ID)
	return snap, nil
}

// Confirm releases a request that is awaiting confirmation
func (c *Coordinator) Confirm(requestID string) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.live[requestID]
	if !ok {
		return Request{}, errors.Wrapf(controls.ErrRequestNotFound, "request %s", requestID)
	}
	if r.State != StateAwaitingConfirmation {
		return Request{}, errors.Wrapf(controls.ErrNotAwaitingConfirm, "request %s is %s", requestID, r.State)
	}

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	snap := r.Request
	c.startLocked(r)

	return snap, nil
}

// Cancel abandons an unfinished request.  A request already sent to the
// provider stops waiting for the ack and its optimistic state is reverted.
func (c *Coordinator) Cancel(requestID string) (Request, error) {
	c.mu.Lock()
	r, ok := c.live[requestID]
	if !ok {
		c.mu.Unlock()
		return Request{}, errors.Wrapf(controls.ErrRequestNotFound, "request %s", requestID)
	}

	after := c.finishLocked(r, StateCancelled, errors.New("cancelled"))
	snap := r.Request
	c.mu.Unlock()

	after()
	return snap, nil
}

// FailProvider fails every unfinished request against the provider, eg.
// because its binding was lost
func (c *Coordinator) FailProvider(providerID string, err error) {
	var afters []func()

	c.mu.Lock()
	for _, r := range c.live {
		if r.ProviderID == providerID {
			afters = append(afters, c.finishLocked(r, StateFailed, err))
		}
	}
	c.mu.Unlock()

	if len(afters) > 0 {
		logging.Logger(nil).WithField("provider", providerID).WithError(err).Warnf("failed %d requests", len(afters))
	}

	runAll(afters)
}

// Get returns an unfinished or recently finished request
func (c *Coordinator) Get(requestID string) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.live[requestID]; ok {
		return r.Request, nil
	}
	if r, ok := c.history[requestID]; ok {
		return r.Request, nil
	}

	return Request{}, errors.Wrapf(controls.ErrRequestNotFound, "request %s", requestID)
}

// Pending returns the unfinished request for a control, if there is one
func (c *Coordinator) Pending(controlID string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.byControl[controlID]; ok {
		return r.Request, true
	}

	return Request{}, false
}

// Wait blocks until the request finishes or ctx ends
func (c *Coordinator) Wait(ctx context.Context, requestID string) (Request, error) {
	c.mu.Lock()
	r, ok := c.live[requestID]
	if !ok {
		r, ok = c.history[requestID]
	}
	c.mu.Unlock()

	if !ok {
		return Request{}, errors.Wrapf(controls.ErrRequestNotFound, "request %s", requestID)
	}

	select {
	case <-r.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return r.Request, nil
	case <-ctx.Done():
		return Request{}, ctx.Err()
	}
}

// Observe registers fn for request state changes; the returned function
// removes it
func (c *Coordinator) Observe(fn Observer) (cancel func()) {
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

// Close cancels every unfinished request and waits for dispatches to exit
func (c *Coordinator) Close() error {
	var afters []func()

	c.mu.Lock()
	c.closed = true
	for _, r := range c.live {
		afters = append(afters, c.finishLocked(r, StateCancelled, errors.Wrap(controls.ErrClosed, "shutting down")))
	}
	c.mu.Unlock()

	runAll(afters)

	c.cancel()
	c.wg.Wait()
	return nil
}

// startLocked moves the request to the provider on its own goroutine;
// caller holds c.mu
func (c *Coordinator) startLocked(r *request) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(r)
	}()
}

func (c *Coordinator) dispatch(r *request) {
	ctx := logging.WithControl(logging.WithProvider(c.ctx, r.ProviderID), r.ControlID)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctxLogger := logging.Logger(ctx)

	c.mu.Lock()
	if r.State.Terminal() {
		c.mu.Unlock()
		return
	}
	r.State = StateSentToProvider
	r.cancelSend = cancel
	snap := r.Request
	c.mu.Unlock()

	c.notify(snap)

	if err := c.bindings.Subscribe(ctx, r.ProviderID, []string{r.ControlID}); err != nil {
		ctxLogger.WithError(err).Warn("subscribing before action")
	}

	if r.action.Optimistic != nil {
		if err := c.cache.ApplyOptimistic(r.ControlID, r.action.Optimistic); err == nil {
			c.mu.Lock()
			r.optimistic = true
			terminal := r.State.Terminal()
			c.mu.Unlock()

			if terminal {
				// finished while we applied it
				c.cache.Revert(r.ControlID)
				return
			}
		}
	}

	ctxLogger.Debugf("request %s: sending %s", r.ID, r.action.Command)
	ack, err := c.bindings.SendAction(ctx, r.ProviderID, r.ControlID, r.action)

	state := StateSucceeded
	switch {
	case err != nil && (errors.Is(err, controls.ErrActionTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		state = StateTimedOut
		err = errors.Wrapf(controls.ErrActionTimeout, "no answer within %s", c.cfg.Timeout)
	case err != nil:
		state = StateFailed
	case !ack.OK:
		state = StateFailed
		err = errors.Wrapf(controls.ErrActionRejected, "%s", ack.Reason)
	}

	if state == StateSucceeded && ack.Update != nil {
		u := *ack.Update
		if u.ControlID == "" {
			u.ControlID = r.ControlID
		}
		u.ProviderID = r.ProviderID
		c.cache.Merge(u)
	}

	c.mu.Lock()
	if r.State.Terminal() {
		// cancelled or failed elsewhere while we waited
		c.mu.Unlock()
		return
	}
	after := c.finishLocked(r, state, err)
	c.mu.Unlock()

	if err != nil {
		ctxLogger.WithError(err).Warnf("request %s %s", r.ID, state)
	} else {
		ctxLogger.Infof("request %s %s", r.ID, state)
	}

	after()
}

// expire cancels a request whose confirmation window ran out.  The provider
// never sees it.
func (c *Coordinator) expire(r *request) {
	c.mu.Lock()
	if r.State != StateAwaitingConfirmation {
		c.mu.Unlock()
		return
	}
	after := c.finishLocked(r, StateCancelled, errors.New("not confirmed in time"))
	c.mu.Unlock()

	logging.Logger(nil).WithField("control", r.ControlID).Infof("request %s expired unconfirmed", r.ID)
	after()
}

// finishLocked moves a request to a terminal state and removes it from the
// live index.  Caller holds c.mu, and must run the returned function once
// the lock is released: it reverts the control in the cache, drops the
// binding claim, notifies observers and wakes waiters.
func (c *Coordinator) finishLocked(r *request, state RequestState, err error) func() {
	if r.State.Terminal() {
		return func() {}
	}

	r.State = state
	r.FinishedAt = time.Now()
	r.err = err
	if err != nil {
		r.Error = err.Error()
	}

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancelSend != nil {
		r.cancelSend()
	}

	delete(c.live, r.ID)
	if c.byControl[r.ControlID] == r {
		delete(c.byControl, r.ControlID)
	}
	c.remember(r)

	// observers hear about a timeout or failure even without an overlay
	revert := (r.optimistic && state != StateSucceeded) || state == StateTimedOut || state == StateFailed
	ref := r.ref
	r.ref = nil
	snap := r.Request

	return func() {
		if revert {
			c.cache.Revert(r.ControlID)
		}
		if ref != nil {
			ref.Release()
		}
		c.notify(snap)
		close(r.done)
	}
}

// remember adds a finished request to the history ring; caller holds c.mu
func (c *Coordinator) remember(r *request) {
	c.history[r.ID] = r
	c.histOrder = append(c.histOrder, r.ID)

	for len(c.histOrder) > c.cfg.History {
		delete(c.history, c.histOrder[0])
		c.histOrder = c.histOrder[1:]
	}
}

func (c *Coordinator) notify(r Request) {
	c.obsMu.RLock()
	fns := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.RUnlock()

	for _, fn := range fns {
		fn(r)
	}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
