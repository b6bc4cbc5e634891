// Package fake provides an in-memory provider network for tests.  Each fake
// provider can be told to delay or refuse binds, fail subscriptions, answer
// actions in a scripted way, push updates and drop its connection.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

// Network is a set of fake providers, usable as a provider.Connector
type Network struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

func NewNetwork() *Network {
	return &Network{providers: make(map[string]*Provider)}
}

// Add creates (or replaces) a fake provider exposing the given controls
func (n *Network) Add(id string, infos ...controls.Info) *Provider {
	p := &Provider{id: id, controls: infos}

	n.mu.Lock()
	n.providers[id] = p
	n.mu.Unlock()

	return p
}

// Provider returns the fake provider with the given ID
func (n *Network) Provider(id string) *Provider {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.providers[id]
}

func (n *Network) Connect(ctx context.Context, providerID string, l provider.Listener) (provider.Handle, error) {
	p := n.Provider(providerID)
	if p == nil {
		return nil, errors.Wrapf(controls.ErrProviderUnknown, "provider %s", providerID)
	}

	return p.dial(ctx, l)
}

// Provider is one fake control provider
type Provider struct {
	id       string
	controls []controls.Info

	mu          sync.Mutex
	dialFn      func(ctx context.Context) error
	subscribeFn func(ids []string) error
	actionFn    func(ctx context.Context, controlID string, a controls.Action) (controls.Ack, error)
	current     *Handle
	dials       int
	closes      int
	subscribes  int
	actions     int
}

// OnDial installs a hook run on every connection attempt.  A non-nil error
// fails the dial.
func (p *Provider) OnDial(fn func(ctx context.Context) error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialFn = fn
	return p
}

// OnSubscribe installs a hook run on every subscribe call
func (p *Provider) OnSubscribe(fn func(ids []string) error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeFn = fn
	return p
}

// OnAction installs the action handler.  Without one every action is acked.
func (p *Provider) OnAction(fn func(ctx context.Context, controlID string, a controls.Action) (controls.Ack, error)) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actionFn = fn
	return p
}

func (p *Provider) dial(ctx context.Context, l provider.Listener) (provider.Handle, error) {
	p.mu.Lock()
	p.dials++
	dialFn := p.dialFn
	p.mu.Unlock()

	if dialFn != nil {
		if err := dialFn(ctx); err != nil {
			return nil, err
		}
	}

	h := &Handle{provider: p, listener: l}

	p.mu.Lock()
	p.current = h
	p.mu.Unlock()

	return h, nil
}

// Push delivers an update on the current subscription.  It reports false if
// there is no live subscription.
func (p *Provider) Push(u controls.StateUpdate) bool {
	p.mu.Lock()
	h := p.current
	p.mu.Unlock()

	if h == nil {
		return false
	}

	return h.push(u)
}

// Disconnect drops the current connection abnormally
func (p *Provider) Disconnect(err error) {
	p.mu.Lock()
	h := p.current
	p.current = nil
	p.mu.Unlock()

	if h == nil {
		return
	}

	h.shutdown()
	h.listener.OnDisconnected(p.id, err)
}

// Dials returns the number of connection attempts
func (p *Provider) Dials() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Closes returns the number of handles closed by the client
func (p *Provider) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Subscribes returns the number of subscribe calls
func (p *Provider) Subscribes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes
}

// Actions returns the number of actions received
func (p *Provider) Actions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.actions
}

// Connected reports whether a handle is currently open
func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Handle is the client side of a fake connection
type Handle struct {
	provider *Provider
	listener provider.Listener

	mu     sync.Mutex
	sub    chan controls.StateUpdate
	closed bool
}

func (h *Handle) Load(ctx context.Context) ([]controls.Info, error) {
	if h.isClosed() {
		return nil, controls.ErrProviderDisconnected
	}

	infos := make([]controls.Info, len(h.provider.controls))
	copy(infos, h.provider.controls)
	return infos, nil
}

func (h *Handle) Subscribe(ctx context.Context, ids []string) (<-chan controls.StateUpdate, error) {
	p := h.provider
	p.mu.Lock()
	p.subscribes++
	fn := p.subscribeFn
	p.mu.Unlock()

	if fn != nil {
		if err := fn(ids); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, controls.ErrProviderDisconnected
	}

	if h.sub != nil {
		close(h.sub)
	}
	h.sub = make(chan controls.StateUpdate, 64)
	return h.sub, nil
}

func (h *Handle) Unsubscribe(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sub != nil {
		close(h.sub)
		h.sub = nil
	}

	return nil
}

func (h *Handle) SendAction(ctx context.Context, controlID string, a controls.Action) (controls.Ack, error) {
	if h.isClosed() {
		return controls.Ack{}, controls.ErrProviderDisconnected
	}

	p := h.provider
	p.mu.Lock()
	p.actions++
	fn := p.actionFn
	p.mu.Unlock()

	if fn == nil {
		return controls.Ack{OK: true}, nil
	}

	return fn(ctx, controlID, a)
}

func (h *Handle) Close() error {
	p := h.provider
	p.mu.Lock()
	p.closes++
	if p.current == h {
		p.current = nil
	}
	p.mu.Unlock()

	h.shutdown()
	return nil
}

func (h *Handle) push(u controls.StateUpdate) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sub == nil {
		return false
	}

	h.sub <- u
	return true
}

func (h *Handle) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true
	if h.sub != nil {
		close(h.sub)
		h.sub = nil
	}
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// HangUntilDone is an action handler that never answers
func HangUntilDone(ctx context.Context, controlID string, a controls.Action) (controls.Ack, error) {
	<-ctx.Done()
	return controls.Ack{}, ctx.Err()
}
