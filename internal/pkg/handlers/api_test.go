package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/controlsd/internal/pkg/actions"
	"github.com/jake-scott/controlsd/internal/pkg/binding"
	"github.com/jake-scott/controlsd/internal/pkg/controller"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/favorites"
	"github.com/jake-scott/controlsd/internal/pkg/provider/fake"
	"github.com/jake-scott/controlsd/internal/pkg/registry"
)

type testEnv struct {
	p1    *fake.Provider
	store *favorites.Memory
	ctl   *controller.Controller
	api   *API
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	net := fake.NewNetwork()
	p1 := net.Add("p1", controls.Info{ID: "c1", Title: "Lamp"}, controls.Info{ID: "c2", Title: "Door"})
	net.Add("p2", controls.Info{ID: "c3"})

	reg, err := registry.New(
		controls.ProviderEntry{ID: "p1", Transport: "fake"},
		controls.ProviderEntry{ID: "p2", Transport: "fake"},
	)
	require.NoError(t, err)

	store := favorites.NewMemory()
	ctl := controller.New(controller.Options{
		Bindings: binding.Config{IdleTimeout: time.Minute},
		Actions:  actions.Config{Timeout: time.Second, ConfirmWindow: time.Second * 5},
	}, reg, net, store)

	_, err = ctl.Discover(context.Background(), "p1")
	require.NoError(t, err)

	api := NewAPI(ctl)
	r := mux.NewRouter()
	api.Register(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		api.Close()
		srv.Close()
		ctl.Close()
	})

	return &testEnv{p1: p1, store: store, ctl: ctl, api: api, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body string, out interface{}) int {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

type apiRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Error string `json:"error"`
}

func TestControls(t *testing.T) {
	e := newTestEnv(t)

	var list []controls.Control
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/controls", "", &list))
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ID)

	var ctl controls.Control
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/controls/c1", "", &ctl))
	assert.Equal(t, "Lamp", ctl.Title)
	assert.Equal(t, "p1", ctl.ProviderID)

	var resp errorResponse
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/controls/nope", "", &resp))
	assert.Contains(t, resp.Error, "nope")
}

func TestFavorite(t *testing.T) {
	e := newTestEnv(t)

	var resp favoriteResponse
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/controls/c1/favorite", `{"favorite": true}`, &resp))
	assert.True(t, resp.Control.Favorite)
	assert.Empty(t, resp.Warning)

	saved, err := e.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []controls.Favorite{{ControlID: "c1", ProviderID: "p1", Title: "Lamp"}}, saved)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/controls/c1/favorite", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPut, "/controls/c1/favorite", `{"favorite": true} {}`, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPut, "/controls/nope/favorite", `{"favorite": true}`, nil))

	e.store.FailSaves(errors.New("disk full"))
	resp = favoriteResponse{}
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/controls/c2/favorite", `{"favorite": true}`, &resp))
	assert.True(t, resp.Control.Favorite)
	assert.Contains(t, resp.Warning, "disk full")
}

func TestFavoriteContentType(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPut, e.srv.URL+"/controls/c1/favorite", strings.NewReader(`{"favorite": true}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitAction(t *testing.T) {
	e := newTestEnv(t)

	var req apiRequest
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/controls/c1/actions", `{"command": "on"}`, &req))
	require.NotEmpty(t, req.ID)

	require.Eventually(t, func() bool {
		var got apiRequest
		e.do(t, http.MethodGet, "/requests/"+req.ID, "", &got)
		return got.State == "succeeded"
	}, time.Second*2, time.Millisecond*20)

	e.p1.OnAction(fake.HangUntilDone)

	var hung apiRequest
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/controls/c2/actions", `{"command": "unlock"}`, &hung))
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/controls/c2/actions", `{"command": "lock"}`, nil))

	var cancelled apiRequest
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/requests/"+hung.ID+"/cancel", "", &cancelled))
	assert.Equal(t, "cancelled", cancelled.State)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/controls/nope/actions", `{"command": "on"}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/controls/c1/actions", `{"kind": "eventually", "command": "on"}`, nil))
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/controls/c1/actions", `{"params": {}}`, nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/requests/unknown", "", nil))
}

func TestConfirmRequired(t *testing.T) {
	e := newTestEnv(t)

	var req apiRequest
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/controls/c2/actions", `{"kind": "confirmRequired", "command": "unlock"}`, &req))
	assert.Equal(t, "awaitingConfirmation", req.State)
	assert.Equal(t, 0, e.p1.Actions())

	var confirmed apiRequest
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/requests/"+req.ID+"/confirm", "", &confirmed))
	assert.Equal(t, req.ID, confirmed.ID)

	require.Eventually(t, func() bool {
		return e.p1.Actions() == 1
	}, time.Second, time.Millisecond*10)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/requests/unknown/confirm", "", nil))
}

func TestProvidersAndBindings(t *testing.T) {
	e := newTestEnv(t)

	var providers []controls.ProviderEntry
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/providers", "", &providers))
	assert.Len(t, providers, 2)

	var found []controls.Control
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/providers/p2/discover", "", &found))
	require.Len(t, found, 1)
	assert.Equal(t, "c3", found[0].ID)

	var bindings []struct {
		ProviderID string `json:"provider_id"`
		State      string `json:"state"`
	}
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/bindings", "", &bindings))
	require.Len(t, bindings, 2)
	assert.Equal(t, "p1", bindings[0].ProviderID)
	assert.Equal(t, "BOUND", bindings[0].State)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/providers/nobody/discover", "", nil))

	var v versionResponse
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/version", "", &v))
	assert.Equal(t, "controlsd", v.Name)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{controls.ErrControlNotFound, http.StatusNotFound},
		{controls.ErrRequestNotFound, http.StatusNotFound},
		{controls.ErrActionInFlight, http.StatusConflict},
		{controls.ErrNotAwaitingConfirm, http.StatusConflict},
		{controls.ErrRequestCancelled, http.StatusConflict},
		{controls.ErrClosed, http.StatusServiceUnavailable},
		{controls.ErrBindingPoolExhausted, http.StatusServiceUnavailable},
		{controls.ErrBindTimeout, http.StatusGatewayTimeout},
		{controls.ErrBindRefused, http.StatusBadGateway},
		{controls.ErrProviderUnresponsive, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(errors.Wrap(tt.err, "wrapped")), tt.err.Error())
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second*2)))

	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestEvents(t *testing.T) {
	e := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// current state first
	first := readEvent(t, conn)
	require.Equal(t, "control", first.Type)
	assert.Equal(t, "c1", first.Control.ID)
	assert.Equal(t, "c2", readEvent(t, conn).Control.ID)
	assert.Equal(t, 1, e.api.events.Clients())

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/controls/c1/favorite", `{"favorite": true}`, nil))

	var ev Event
	for {
		ev = readEvent(t, conn)
		if ev.Type == "control" && ev.Control.ID == "c1" && ev.Control.Favorite {
			break
		}
	}

	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/controls/c2/actions", `{"command": "unlock"}`, nil))

	for {
		ev = readEvent(t, conn)
		if ev.Type == "request" {
			break
		}
	}
	require.NotNil(t, ev.Request)
	assert.Equal(t, "c2", ev.Request.ControlID)

	e.api.Close()
	require.Eventually(t, func() bool {
		return e.api.events.Clients() == 0
	}, time.Second, time.Millisecond*10)
}
