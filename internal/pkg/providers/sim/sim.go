// Package sim implements control providers that live inside the process.
// They keep their device state across reconnects, push updates to
// subscribers and send keep-alives on quiet subscriptions.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

const defaultKeepAlive = time.Second * 20

// Device is one simulated control and its current state
type Device struct {
	Info  controls.Info
	State controls.StateBlob
}

// Provider is a simulated control provider
type Provider struct {
	id        string
	keepAlive time.Duration
	latency   time.Duration
	refuse    bool

	mu      sync.Mutex
	devices map[string]*Device
	order   []string
	seq     uint64
	handles map[*Handle]struct{}
}

func New(id string, devices ...Device) *Provider {
	p := &Provider{
		id:        id,
		keepAlive: defaultKeepAlive,
		seq:       1,
		devices:   make(map[string]*Device),
		handles:   make(map[*Handle]struct{}),
	}

	for _, d := range devices {
		d := d
		if d.State == nil {
			d.State = initialState(d.Info.DisplayType)
		}
		p.devices[d.Info.ID] = &d
		p.order = append(p.order, d.Info.ID)
	}

	return p
}

// FromEntry builds a provider from registry entry options:
//
//	controls:  id:displayType[:title],...   eg. "lamp:toggle:Desk lamp,heat:range"
//	keepalive: duration between keep-alives on a quiet subscription
//	latency:   delay added to every call
//	refuse:    "true" to decline every connection
func FromEntry(entry controls.ProviderEntry) (*Provider, error) {
	var devices []Device
	for _, spec := range strings.Split(entry.Options["controls"], ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}

		parts := strings.SplitN(spec, ":", 3)
		info := controls.Info{ID: parts[0]}
		if len(parts) > 1 {
			info.DisplayType = parts[1]
		}
		if len(parts) > 2 {
			info.Title = parts[2]
		}
		devices = append(devices, Device{Info: info})
	}

	p := New(entry.ID, devices...)

	if v, ok := entry.Options["keepalive"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "provider %s: bad keepalive", entry.ID)
		}
		p.keepAlive = d
	}
	if v, ok := entry.Options["latency"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrapf(err, "provider %s: bad latency", entry.ID)
		}
		p.latency = d
	}
	if v, ok := entry.Options["refuse"]; ok {
		refuse, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "provider %s: bad refuse flag", entry.ID)
		}
		p.refuse = refuse
	}

	return p, nil
}

func initialState(displayType string) controls.StateBlob {
	switch displayType {
	case "toggle":
		return controls.StateBlob{"status": "OFF"}
	case "range", "thermostat":
		return controls.StateBlob{"value": 20.0}
	case "lock":
		return controls.StateBlob{"locked": true}
	default:
		return controls.StateBlob{}
	}
}

// ID returns the provider's ID
func (p *Provider) ID() string {
	return p.id
}

// Connect opens a handle on the provider
func (p *Provider) Connect(ctx context.Context, l provider.Listener) (provider.Handle, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	if p.refuse {
		return nil, errors.Wrapf(controls.ErrBindRefused, "simulated provider %s", p.id)
	}

	h := &Handle{p: p, listener: l}

	p.mu.Lock()
	p.handles[h] = struct{}{}
	p.mu.Unlock()

	logging.Logger(ctx).Debugf("simulated provider %s: connected", p.id)
	return h, nil
}

// Crash drops every open handle abnormally
func (p *Provider) Crash() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.shutdown()
		if h.listener != nil {
			h.listener.OnDisconnected(p.id, errors.Errorf("simulated provider %s crashed", p.id))
		}
	}
}

// Set changes a device's state from the provider side and pushes it
func (p *Provider) Set(controlID string, state controls.StateBlob) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.devices[controlID]
	if !ok {
		return errors.Wrapf(controls.ErrControlNotFound, "simulated provider %s: control %s", p.id, controlID)
	}

	for k, v := range state {
		d.State[k] = v
	}
	p.publishLocked(controlID)

	return nil
}

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return nil
	}

	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) infos() []controls.Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]controls.Info, 0, len(p.order))
	for _, id := range p.order {
		infos = append(infos, p.devices[id].Info)
	}

	return infos
}

// apply runs a command against a device
func (p *Provider) apply(controlID string, a controls.Action) controls.Ack {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.devices[controlID]
	if !ok {
		return controls.Ack{Reason: fmt.Sprintf("unknown control %s", controlID)}
	}

	switch a.Command {
	case "on":
		d.State["status"] = "ON"
	case "off":
		d.State["status"] = "OFF"
	case "toggle":
		if d.State["status"] == "ON" {
			d.State["status"] = "OFF"
		} else {
			d.State["status"] = "ON"
		}
	case "set":
		v, ok := a.Params["value"]
		if !ok {
			return controls.Ack{Reason: "set needs a value"}
		}
		d.State["value"] = v
	case "lock":
		d.State["locked"] = true
	case "unlock":
		d.State["locked"] = false
	default:
		return controls.Ack{Reason: fmt.Sprintf("unsupported command %q", a.Command)}
	}

	u := p.publishLocked(controlID)
	return controls.Ack{OK: true, Update: &u}
}

// publishLocked stamps a new sequence on the device's state and sends it to
// every subscriber; caller holds p.mu
func (p *Provider) publishLocked(controlID string) controls.StateUpdate {
	p.seq++
	u := controls.StateUpdate{
		ControlID:  controlID,
		ProviderID: p.id,
		Sequence:   p.seq,
		State:      p.devices[controlID].State.Clone(),
		Timestamp:  time.Now(),
	}

	for h := range p.handles {
		if _, ok := h.subs[controlID]; ok {
			h.sendLocked(u)
		}
	}

	return u
}

// Handle is a connection to a simulated provider.  Its subscription state is
// guarded by the provider's lock.
type Handle struct {
	p        *Provider
	listener provider.Listener

	sub    chan controls.StateUpdate
	subs   map[string]struct{}
	stop   chan struct{}
	closed bool
}

func (h *Handle) Load(ctx context.Context) ([]controls.Info, error) {
	if err := h.p.wait(ctx); err != nil {
		return nil, err
	}
	if h.isClosed() {
		return nil, controls.ErrProviderDisconnected
	}

	return h.p.infos(), nil
}

func (h *Handle) Subscribe(ctx context.Context, controlIDs []string) (<-chan controls.StateUpdate, error) {
	if err := h.p.wait(ctx); err != nil {
		return nil, err
	}

	p := h.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.closed {
		return nil, controls.ErrProviderDisconnected
	}

	h.endLocked()

	ch := make(chan controls.StateUpdate, 64)
	stop := make(chan struct{})
	h.sub = ch
	h.stop = stop
	h.subs = make(map[string]struct{}, len(controlIDs))

	ids := make([]string, 0, len(controlIDs))
	for _, id := range controlIDs {
		if _, ok := p.devices[id]; ok {
			h.subs[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	// subscribers start with the current state
	for _, id := range ids {
		h.sendLocked(controls.StateUpdate{
			ControlID:  id,
			ProviderID: p.id,
			Sequence:   p.seq,
			State:      p.devices[id].State.Clone(),
			Timestamp:  time.Now(),
		})
	}

	if p.keepAlive > 0 {
		go h.keepAliveLoop(ch, stop, p.keepAlive)
	}

	return ch, nil
}

func (h *Handle) keepAliveLoop(ch chan controls.StateUpdate, stop chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.p.mu.Lock()
			if h.sub == ch {
				h.sendLocked(controls.StateUpdate{Timestamp: time.Now()})
			}
			h.p.mu.Unlock()
		}
	}
}

func (h *Handle) Unsubscribe(ctx context.Context) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()

	h.endLocked()
	return nil
}

func (h *Handle) SendAction(ctx context.Context, controlID string, action controls.Action) (controls.Ack, error) {
	if err := h.p.wait(ctx); err != nil {
		return controls.Ack{}, err
	}
	if h.isClosed() {
		return controls.Ack{}, controls.ErrProviderDisconnected
	}

	return h.p.apply(controlID, action), nil
}

func (h *Handle) Close() error {
	h.shutdown()
	return nil
}

func (h *Handle) shutdown() {
	p := h.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.endLocked()
	delete(p.handles, h)
}

func (h *Handle) isClosed() bool {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.closed
}

// endLocked ends the current subscription; caller holds p.mu
func (h *Handle) endLocked() {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	if h.sub != nil {
		close(h.sub)
		h.sub = nil
	}
	h.subs = nil
}

// sendLocked queues an update without blocking the provider; a subscriber
// that falls 64 updates behind misses some.  Caller holds p.mu.
func (h *Handle) sendLocked(u controls.StateUpdate) {
	if h.sub == nil {
		return
	}

	select {
	case h.sub <- u:
	default:
		logging.Logger(nil).WithField("provider", h.p.id).Warn("subscriber is not keeping up, dropping update")
	}
}

// Dialer hands out connections to simulated providers, creating each one
// from its registry entry on first use
type Dialer struct {
	mu        sync.Mutex
	providers map[string]*Provider
}

func NewDialer() *Dialer {
	return &Dialer{providers: make(map[string]*Provider)}
}

// Provider returns the simulated provider for the entry
func (d *Dialer) Provider(entry controls.ProviderEntry) (*Provider, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.providers[entry.ID]; ok {
		return p, nil
	}

	p, err := FromEntry(entry)
	if err != nil {
		return nil, err
	}
	d.providers[entry.ID] = p

	return p, nil
}

func (d *Dialer) Dial(ctx context.Context, entry controls.ProviderEntry, l provider.Listener) (provider.Handle, error) {
	p, err := d.Provider(entry)
	if err != nil {
		return nil, err
	}

	return p.Connect(ctx, l)
}

// DemoEntries describes a small simulated household
func DemoEntries() []controls.ProviderEntry {
	return []controls.ProviderEntry{
		{
			ID:              "lights",
			PackageIdentity: "sim.lights",
			Transport:       "sim",
			Options:         map[string]string{"controls": "desk-lamp:toggle:Desk lamp,porch:toggle:Porch light"},
		},
		{
			ID:              "climate",
			PackageIdentity: "sim.climate",
			Transport:       "sim",
			Options:         map[string]string{"controls": "hallway:thermostat:Hallway", "latency": "200ms"},
		},
		{
			ID:              "security",
			PackageIdentity: "sim.security",
			Transport:       "sim",
			Options:         map[string]string{"controls": "front-door:lock:Front door"},
		},
	}
}
