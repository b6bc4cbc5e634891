package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/pkg/errors"

	"github.com/jake-scott/controlsd/internal/pkg/controls"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

// 100kb max body
const maxBodySize = 100 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		value, _, err := mime.ParseMediaType(ct)
		if err != nil || value != "application/json" {
			return errors.Errorf("expected JSON request, got %s", ct)
		}
	}

	reader := http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, "decoding request body")
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}

	return nil
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, status int, d interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

// statusFor maps a controller error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, controls.ErrControlNotFound),
		errors.Is(err, controls.ErrRequestNotFound),
		errors.Is(err, controls.ErrProviderUnknown):
		return http.StatusNotFound
	case errors.Is(err, controls.ErrActionInFlight),
		errors.Is(err, controls.ErrNotAwaitingConfirm),
		errors.Is(err, controls.ErrRequestCancelled):
		return http.StatusConflict
	case errors.Is(err, controls.ErrUnknownActionKind):
		return http.StatusBadRequest
	case errors.Is(err, controls.ErrBindingPoolExhausted),
		errors.Is(err, controls.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, controls.ErrBindTimeout),
		errors.Is(err, controls.ErrActionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, controls.ErrBindRefused),
		errors.Is(err, controls.ErrProviderUnresponsive),
		errors.Is(err, controls.ErrProviderDisconnected),
		errors.Is(err, controls.ErrNotBound):
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

func sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	ctxLogger := logging.Logger(r.Context()).WithError(err)
	if status >= http.StatusInternalServerError {
		ctxLogger.Errorf("%s %s", r.Method, r.URL.Path)
	} else {
		ctxLogger.Debugf("%s %s", r.Method, r.URL.Path)
	}

	sendJSONResponse(w, r, status, errorResponse{Error: err.Error()})
}

func sendBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	logging.Logger(r.Context()).WithError(err).Info("bad request")
	sendJSONResponse(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
}
