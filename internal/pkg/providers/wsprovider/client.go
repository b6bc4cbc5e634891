package wsprovider

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

// Dialer connects to providers whose registry entry has a ws:// address
type Dialer struct {
	dialer *websocket.Dialer
}

func NewDialer() *Dialer {
	return &Dialer{dialer: websocket.DefaultDialer}
}

func (d *Dialer) Dial(ctx context.Context, entry controls.ProviderEntry, l provider.Listener) (provider.Handle, error) {
	if entry.Address == "" {
		return nil, errors.Errorf("provider %s has no websocket address", entry.ID)
	}

	conn, _, err := d.dialer.DialContext(ctx, entry.Address, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", entry.Address)
	}
	conn.SetReadLimit(maxMessageSize)

	h := &Handle{
		providerID: entry.ID,
		conn:       conn,
		listener:   l,
		pending:    make(map[uint64]chan message),
		done:       make(chan struct{}),
	}
	go h.readLoop()

	resp, err := h.call(ctx, message{Op: opHello, Provider: entry.ID})
	if err != nil {
		h.Close()
		if resp.Refused {
			return nil, errors.Wrapf(controls.ErrBindRefused, "provider %s: %s", entry.ID, resp.Error)
		}
		return nil, err
	}

	logging.Logger(ctx).Debugf("connected to %s", entry.Address)
	return h, nil
}

// Handle is the client end of a provider websocket
type Handle struct {
	providerID string
	conn       *websocket.Conn
	listener   provider.Listener

	nextID  uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan message
	sub     chan controls.StateUpdate
	closing bool
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

func (h *Handle) Load(ctx context.Context) ([]controls.Info, error) {
	resp, err := h.call(ctx, message{Op: opLoad})
	if err != nil {
		return nil, err
	}

	return resp.Infos, nil
}

func (h *Handle) Subscribe(ctx context.Context, controlIDs []string) (<-chan controls.StateUpdate, error) {
	// the new channel is installed before asking, so no update is lost between
	// the server's answer and our return
	ch := make(chan controls.StateUpdate, 64)

	h.mu.Lock()
	if h.err != nil {
		h.mu.Unlock()
		return nil, h.err
	}
	old := h.sub
	h.sub = ch
	h.mu.Unlock()

	if old != nil {
		close(old)
	}

	if _, err := h.call(ctx, message{Op: opSubscribe, Controls: controlIDs}); err != nil {
		h.endSubscription(ch)
		return nil, err
	}

	return ch, nil
}

func (h *Handle) Unsubscribe(ctx context.Context) error {
	h.mu.Lock()
	ch := h.sub
	h.mu.Unlock()

	if ch != nil {
		h.endSubscription(ch)
	}

	_, err := h.call(ctx, message{Op: opUnsubscribe})
	return err
}

func (h *Handle) SendAction(ctx context.Context, controlID string, action controls.Action) (controls.Ack, error) {
	resp, err := h.call(ctx, message{Op: opAction, Control: controlID, Action: &action})
	if err != nil {
		return controls.Ack{}, err
	}
	if resp.Ack == nil {
		return controls.Ack{}, errors.Errorf("provider %s sent no ack", h.providerID)
	}

	return *resp.Ack, nil
}

// Close shuts the connection without reporting a disconnect
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.writeMu.Lock()
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	h.writeMu.Unlock()

	err := h.conn.Close()
	h.fail(errors.Wrapf(controls.ErrProviderDisconnected, "provider %s: closed", h.providerID))

	return err
}

// call sends a request and waits for its result
func (h *Handle) call(ctx context.Context, req message) (message, error) {
	req.ID = atomic.AddUint64(&h.nextID, 1)
	ch := make(chan message, 1)

	h.mu.Lock()
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		return message{}, err
	}
	h.pending[req.ID] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
	}()

	if err := h.write(ctx, req); err != nil {
		return message{}, err
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, errors.Errorf("provider %s: %s failed: %s", h.providerID, req.Op, resp.Error)
		}
		return resp, nil
	case <-h.done:
		return message{}, h.closedErr()
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

func (h *Handle) write(ctx context.Context, m message) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	_ = h.conn.SetWriteDeadline(deadline)
	if err := h.conn.WriteJSON(m); err != nil {
		return errors.Wrapf(err, "writing %s to provider %s", m.Op, h.providerID)
	}

	return nil
}

func (h *Handle) readLoop() {
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			h.fail(err)
			return
		}

		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			logging.Logger(nil).WithField("provider", h.providerID).WithError(err).Warn("ignoring malformed message")
			continue
		}

		switch m.Op {
		case opResult:
			h.mu.Lock()
			ch := h.pending[m.ID]
			h.mu.Unlock()

			if ch != nil {
				ch <- m
			}
		case opUpdate:
			if m.Update != nil {
				h.push(*m.Update)
			}
		case opKeepAlive:
			h.push(controls.StateUpdate{Timestamp: time.Now()})
		default:
			logging.Logger(nil).WithField("provider", h.providerID).Debugf("ignoring %q message", m.Op)
		}
	}
}

// push hands an update to the current subscriber.  A subscriber that has
// fallen a whole buffer behind loses the update.
func (h *Handle) push(u controls.StateUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sub == nil {
		return
	}

	select {
	case h.sub <- u:
	default:
		logging.Logger(nil).WithField("provider", h.providerID).Warnf("subscriber behind, dropped update for %s", u.ControlID)
	}
}

func (h *Handle) endSubscription(ch chan controls.StateUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sub == ch {
		close(ch)
		h.sub = nil
	}
}

// fail ends the handle.  Unless we closed it ourselves the listener hears
// about it.
func (h *Handle) fail(err error) {
	first := false
	h.doneOnce.Do(func() {
		first = true
		close(h.done)
	})
	if !first {
		return
	}

	h.mu.Lock()
	closing := h.closing
	if !closing {
		err = errors.Wrapf(controls.ErrProviderDisconnected, "provider %s: %v", h.providerID, err)
	}
	h.err = err
	if h.sub != nil {
		close(h.sub)
		h.sub = nil
	}
	h.mu.Unlock()

	if !closing {
		_ = h.conn.Close()
		if h.listener != nil {
			h.listener.OnDisconnected(h.providerID, err)
		}
	}
}

func (h *Handle) closedErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err != nil {
		return h.err
	}
	return errors.Wrapf(controls.ErrProviderDisconnected, "provider %s", h.providerID)
}
