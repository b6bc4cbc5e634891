package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controller"
	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/version"
)

// API is the presentation side of the controller over HTTP
type API struct {
	ctl    *controller.Controller
	events *EventHub
}

func NewAPI(ctl *controller.Controller) *API {
	return &API{
		ctl:    ctl,
		events: NewEventHub(ctl),
	}
}

// Register adds the API routes to r
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/controls", a.listControls).Methods(http.MethodGet)
	r.HandleFunc("/controls/{id}", a.getControl).Methods(http.MethodGet)
	r.HandleFunc("/controls/{id}/favorite", a.setFavorite).Methods(http.MethodPut)
	r.HandleFunc("/controls/{id}/actions", a.submitAction).Methods(http.MethodPost)

	r.HandleFunc("/requests/{id}", a.getRequest).Methods(http.MethodGet)
	r.HandleFunc("/requests/{id}/confirm", a.confirmRequest).Methods(http.MethodPost)
	r.HandleFunc("/requests/{id}/cancel", a.cancelRequest).Methods(http.MethodPost)

	r.HandleFunc("/providers", a.listProviders).Methods(http.MethodGet)
	r.HandleFunc("/providers/{id}/discover", a.discover).Methods(http.MethodPost)
	r.HandleFunc("/bindings", a.listBindings).Methods(http.MethodGet)

	r.HandleFunc("/version", a.version).Methods(http.MethodGet)
	r.Handle("/events", a.events).Methods(http.MethodGet)
}

// Close disconnects the event stream clients
func (a *API) Close() {
	a.events.Close()
}

func (a *API) listControls(w http.ResponseWriter, r *http.Request) {
	list := a.ctl.Cache().List()
	if list == nil {
		list = []controls.Control{}
	}

	sendJSONResponse(w, r, http.StatusOK, list)
}

func (a *API) getControl(w http.ResponseWriter, r *http.Request) {
	ctl, err := a.ctl.Cache().Get(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, ctl)
}

type favoriteRequest struct {
	Favorite *bool `json:"favorite"`
}

type favoriteResponse struct {
	Control controls.Control `json:"control"`
	Warning string           `json:"warning,omitempty"`
}

func (a *API) setFavorite(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := logging.WithControl(r.Context(), id)

	var req favoriteRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		sendBadRequest(w, r, err)
		return
	}
	if req.Favorite == nil {
		sendBadRequest(w, r, errors.New("missing favorite field"))
		return
	}

	var resp favoriteResponse

	err := a.ctl.SetFavorite(ctx, id, *req.Favorite)
	var warning *controls.PersistenceWarning
	switch {
	case errors.As(err, &warning):
		logging.Logger(ctx).WithError(err).Warn("favorite not saved")
		resp.Warning = warning.Error()
	case err != nil:
		sendError(w, r, err)
		return
	}

	ctl, err := a.ctl.Cache().Get(id)
	if err != nil {
		sendError(w, r, err)
		return
	}
	resp.Control = ctl

	sendJSONResponse(w, r, http.StatusOK, resp)
}

func (a *API) submitAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var action controls.Action
	if err := decodeJSONBody(w, r, &action); err != nil {
		if errors.Is(err, controls.ErrUnknownActionKind) {
			sendError(w, r, err)
			return
		}
		sendBadRequest(w, r, err)
		return
	}
	if action.Command == "" {
		sendBadRequest(w, r, errors.New("missing command"))
		return
	}

	req, err := a.ctl.Actions().Submit(logging.WithControl(r.Context(), id), id, action)
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusAccepted, req)
}

func (a *API) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.ctl.Actions().Get(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, req)
}

func (a *API) confirmRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.ctl.Actions().Confirm(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, req)
}

func (a *API) cancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.ctl.Actions().Cancel(mux.Vars(r)["id"])
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, req)
}

func (a *API) listProviders(w http.ResponseWriter, r *http.Request) {
	list, err := a.ctl.Providers()
	if err != nil {
		sendError(w, r, err)
		return
	}

	sendJSONResponse(w, r, http.StatusOK, list)
}

func (a *API) discover(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	list, err := a.ctl.Discover(logging.WithProvider(r.Context(), id), id)
	if err != nil {
		sendError(w, r, err)
		return
	}
	if list == nil {
		list = []controls.Control{}
	}

	sendJSONResponse(w, r, http.StatusOK, list)
}

func (a *API) listBindings(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, r, http.StatusOK, a.ctl.Bindings().Bindings())
}

type versionResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (a *API) version(w http.ResponseWriter, r *http.Request) {
	sendJSONResponse(w, r, http.StatusOK, versionResponse{Name: version.Name, Version: version.Version})
}
