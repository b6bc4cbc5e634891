package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jake-scott/controlsd/internal/pkg/actions"
	"github.com/jake-scott/controlsd/internal/pkg/controller"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames
	maxMessageSize = 4096

	clientQueueSize = 256
)

// Event is one message on the /events stream
type Event struct {
	Type    string            `json:"type"`
	Control *controls.Control `json:"control,omitempty"`
	Request *actions.Request  `json:"request,omitempty"`
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub pushes state cache and action request changes to websocket
// clients.  A client that falls a full queue behind is disconnected.
type EventHub struct {
	ctl      *controller.Controller
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool

	cancelCache   func()
	cancelActions func()
}

func NewEventHub(ctl *controller.Controller) *EventHub {
	h := &EventHub{
		ctl:     ctl,
		clients: make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are policed by the CORS middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	h.cancelCache = ctl.Cache().Observe(func(c controls.Control) {
		h.broadcast(Event{Type: "control", Control: &c})
	})
	h.cancelActions = ctl.Actions().Observe(func(r actions.Request) {
		h.broadcast(Event{Type: "request", Request: &r})
	})

	return h
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ctxLogger.WithError(err).Warn("upgrading event stream")
		return
	}

	c := &eventClient{
		conn: conn,
		send: make(chan []byte, clientQueueSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	// the current state goes out ahead of any later change to each control;
	// cache observers run under the control's lock, so h.mu is only ever
	// taken inside it
	h.ctl.Cache().Replay(func(ctl controls.Control) {
		data, ok := encodeEvent(Event{Type: "control", Control: &ctl})
		if !ok {
			return
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[c]; ok {
			h.queueLocked(c, data)
		}
	})

	ctxLogger.Debugf("event client %s connected", conn.RemoteAddr())

	go h.writePump(c)
	h.readPump(c)
}

// Clients returns the number of connected clients
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// Close stops observing the controller and disconnects every client
func (h *EventHub) Close() {
	h.cancelCache()
	h.cancelActions()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *EventHub) broadcast(e Event) {
	data, ok := encodeEvent(e)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		h.queueLocked(c, data)
	}
}

func encodeEvent(e Event) ([]byte, bool) {
	data, err := json.Marshal(e)
	if err != nil {
		logging.Logger(nil).WithError(err).Error("encoding event")
		return nil, false
	}

	return data, true
}

func (h *EventHub) queueLocked(c *eventClient, data []byte) {
	select {
	case c.send <- data:
	default:
		logging.Logger(nil).Warnf("event client %s is too slow, disconnecting", c.conn.RemoteAddr())
		h.dropLocked(c)
	}
}

func (h *EventHub) dropLocked(c *eventClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	close(c.send)
}

func (h *EventHub) drop(c *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropLocked(c)
}

// readPump only handles control frames; it notices the client going away
func (h *EventHub) readPump(c *eventClient) {
	defer func() {
		h.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Logger(nil).WithError(err).Debug("event client read")
			}
			return
		}
	}
}

func (h *EventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
