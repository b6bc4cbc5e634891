package binding

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

// binding is the session with one provider.  All remote calls against the
// provider run on the binding's worker goroutine, one at a time.
type binding struct {
	id string

	mu            sync.Mutex
	state         State
	handle        provider.Handle
	handleClosed  bool
	subs          map[string]struct{}
	subGen        int
	lastActivity  time.Time
	pending       int
	interest      int
	resubFailures int
	idleTimer     *time.Timer
	expiryTimer   *time.Timer
	bindErr       error
	lostErr       error

	ready     chan struct{}
	readyOnce sync.Once
	lost      chan struct{}
	lostOnce  sync.Once
	ops       chan func()
}

func newBinding(id string) *binding {
	return &binding{
		id:           id,
		state:        StateBinding,
		subs:         make(map[string]struct{}),
		lastActivity: time.Now(),
		ready:        make(chan struct{}),
		lost:         make(chan struct{}),
		ops:          make(chan func()),
	}
}

// run is the worker loop; it exits once the binding leaves service
func (b *binding) run() {
	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.lost:
			b.closeHandle()
			return
		}
	}
}

// do runs fn on the worker and waits for it.  It gives up when the caller's
// context ends or the binding is lost, whichever happens first.
func (b *binding) do(ctx context.Context, defaultTimeout time.Duration, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := make(chan error, 1)
	op := func() {
		if b.isLost() {
			res <- b.lossError()
			return
		}
		if err := opCtx.Err(); err != nil {
			res <- err
			return
		}
		res <- fn(opCtx)
	}

	select {
	case b.ops <- op:
	case <-b.lost:
		return b.lossError()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-res:
		return err
	case <-b.lost:
		return b.lossError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *binding) isLost() bool {
	select {
	case <-b.lost:
		return true
	default:
		return false
	}
}

func (b *binding) lossError() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lostErr != nil {
		return b.lostErr
	}
	if b.bindErr != nil {
		return b.bindErr
	}

	return errors.Wrapf(controls.ErrNotBound, "provider %s", b.id)
}

func (b *binding) markReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

func (b *binding) markLost() {
	b.lostOnce.Do(func() { close(b.lost) })
}

func (b *binding) closeHandle() {
	b.mu.Lock()
	h := b.handle
	already := b.handleClosed
	b.handleClosed = true
	b.mu.Unlock()

	if h != nil && !already {
		_ = h.Close()
	}
}

// usable reports whether remote calls may be made; caller holds b.mu
func (b *binding) usable() bool {
	return b.state == StateBound || b.state == StateSubscribed
}

// idle reports whether the binding may be evicted or torn down; caller holds b.mu
func (b *binding) idle() bool {
	return b.usable() && b.pending == 0 && len(b.subs) == 0
}

func (b *binding) stopTimers() {
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
	if b.expiryTimer != nil {
		b.expiryTimer.Stop()
		b.expiryTimer = nil
	}
}

func (b *binding) subscriptionIDs() []string {
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

func (b *binding) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		ProviderID:     b.id,
		State:          b.state,
		Subscriptions:  b.subscriptionIDs(),
		LastActivity:   b.lastActivity,
		PendingActions: b.pending,
		Interest:       b.interest,
	}
}

// Ref is a caller's claim on a binding, returned by EnsureBound and
// AcquireAction.  While any claim is held the binding is not torn down for
// idleness.
type Ref struct {
	m      *Manager
	b      *binding
	action bool
	once   sync.Once
}

// ProviderID returns the provider the claim is held on
func (r *Ref) ProviderID() string {
	return r.b.id
}

// State returns the current state of the underlying binding
func (r *Ref) State() State {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.state
}

// Release drops the claim.  Calling it more than once has no effect.
func (r *Ref) Release() {
	r.once.Do(func() {
		r.m.release(r.b, r.action)
	})
}
