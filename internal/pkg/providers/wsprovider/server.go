package wsprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
)

// Server exposes providers reachable through a local dialer (usually the
// simulator) to remote clients over the websocket protocol
type Server struct {
	lister   provider.Lister
	dialer   provider.Dialer
	upgrader websocket.Upgrader
}

func NewServer(lister provider.Lister, dialer provider.Dialer) *Server {
	return &Server{
		lister: lister,
		dialer: dialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sc := &serverConn{
		s:    s,
		conn: conn,
		ctx:  r.Context(),
	}
	sc.serve()
}

// serverConn is one client connection, proxying to one backend handle
type serverConn struct {
	s       *Server
	conn    *websocket.Conn
	ctx     context.Context
	writeMu sync.Mutex

	providerID string
	backend    provider.Handle
	fwd        sync.WaitGroup
}

func (sc *serverConn) serve() {
	defer func() {
		if sc.backend != nil {
			sc.backend.Close()
		}
		sc.conn.Close()
		sc.fwd.Wait()
	}()

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Logger(sc.ctx).WithError(err).Info("provider client went away")
			}
			return
		}

		var req message
		if err := json.Unmarshal(data, &req); err != nil {
			logging.Logger(sc.ctx).WithError(err).Warn("ignoring malformed request")
			continue
		}

		resp := sc.handle(req)
		resp.ID = req.ID
		resp.Op = opResult

		if err := sc.write(resp); err != nil {
			logging.Logger(sc.ctx).WithError(err).Warn("writing result")
			return
		}
	}
}

func (sc *serverConn) handle(req message) message {
	ctx := sc.ctx
	if sc.providerID != "" {
		ctx = logging.WithProvider(ctx, sc.providerID)
	}

	if req.Op == opHello {
		return sc.hello(ctx, req.Provider)
	}

	if sc.backend == nil {
		return failed(errors.New("no hello yet"))
	}

	switch req.Op {
	case opLoad:
		infos, err := sc.backend.Load(ctx)
		if err != nil {
			return failed(err)
		}
		return message{OK: true, Infos: infos}

	case opSubscribe:
		ch, err := sc.backend.Subscribe(ctx, req.Controls)
		if err != nil {
			return failed(err)
		}
		sc.fwd.Add(1)
		go sc.forward(ch)
		return message{OK: true}

	case opUnsubscribe:
		if err := sc.backend.Unsubscribe(ctx); err != nil {
			return failed(err)
		}
		return message{OK: true}

	case opAction:
		if req.Action == nil {
			return failed(errors.New("action request without an action"))
		}
		ack, err := sc.backend.SendAction(ctx, req.Control, *req.Action)
		if err != nil {
			return failed(err)
		}
		return message{OK: true, Ack: &ack}
	}

	return failed(errors.Errorf("unknown op %q", req.Op))
}

func (sc *serverConn) hello(ctx context.Context, providerID string) message {
	if sc.backend != nil {
		return failed(errors.Errorf("already connected to %s", sc.providerID))
	}

	entry, ok := sc.s.lister.Provider(providerID)
	if !ok {
		return message{Refused: true, Error: "unknown provider " + providerID}
	}

	// a backend that goes away takes the client connection with it
	l := provider.ListenerFunc(func(id string, err error) {
		logging.Logger(ctx).WithError(err).Warn("backend provider disconnected")
		sc.conn.Close()
	})

	h, err := sc.s.dialer.Dial(ctx, entry, l)
	if err != nil {
		if errors.Is(err, controls.ErrBindRefused) {
			return message{Refused: true, Error: err.Error()}
		}
		return failed(err)
	}

	sc.providerID = providerID
	sc.backend = h
	logging.Logger(logging.WithProvider(ctx, providerID)).Info("serving provider to remote client")

	return message{OK: true}
}

// forward relays one subscription stream to the client until it ends
func (sc *serverConn) forward(ch <-chan controls.StateUpdate) {
	defer sc.fwd.Done()

	for u := range ch {
		m := message{Op: opUpdate}
		if u.KeepAlive() {
			m = message{Op: opKeepAlive}
		} else {
			u := u
			m.Update = &u
		}

		if err := sc.write(m); err != nil {
			logging.Logger(sc.ctx).WithError(err).Debug("dropping subscription stream")
			return
		}
	}
}

func (sc *serverConn) write(m message) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteJSON(m)
}

func failed(err error) message {
	return message{Error: err.Error()}
}
