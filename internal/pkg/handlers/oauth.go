package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/jake-scott/controlsd/internal/pkg/logging"
)

const (
	sdmScope        = "https://www.googleapis.com/auth/sdm.service"
	oauthStateName  = "controlsd_oauth_state"
	oauthStateValid = time.Minute * 10
)

/*
 * NestOauth walks an administrator through the Nest Services partner
 * connection for the Smart Device Management project, adding the
 * access_type and prompt values SDM needs to hand out a refresh token.
 * The callback shows the refresh token for the nest.refresh-token setting.
 */
type NestOauth struct {
	config *oauth2.Config
}

func NewNestOauth(sdmProjectID, clientID, clientSecret, redirectURL string) *NestOauth {
	return &NestOauth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{sdmScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://nestservices.google.com/partnerconnections/" + sdmProjectID + "/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
	}
}

// Register adds the authorization start and callback routes
func (h *NestOauth) Register(r *mux.Router) {
	r.HandleFunc("/oauth/nest", h.start).Methods(http.MethodGet)
	r.HandleFunc("/oauth/nest/callback", h.callback).Methods(http.MethodGet)
}

func (h *NestOauth) start(w http.ResponseWriter, r *http.Request) {
	state := uuid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateName,
		Value:    state,
		Path:     "/oauth/nest",
		Expires:  time.Now().Add(oauthStateValid),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	u := h.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	http.Redirect(w, r, u, http.StatusFound)
}

type tokenResponse struct {
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (h *NestOauth) callback(w http.ResponseWriter, r *http.Request) {
	ctxLogger := logging.Logger(r.Context())

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		ctxLogger.Warnf("authorization declined: %s", e)
		sendJSONResponse(w, r, http.StatusForbidden, errorResponse{Error: e})
		return
	}

	cookie, err := r.Cookie(oauthStateName)
	if err != nil || cookie.Value == "" || cookie.Value != q.Get("state") {
		ctxLogger.Warn("oauth callback with a bad state")
		sendJSONResponse(w, r, http.StatusBadRequest, errorResponse{Error: "bad state"})
		return
	}

	token, err := h.config.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		ctxLogger.WithError(err).Error("exchanging authorization code")
		sendJSONResponse(w, r, http.StatusBadGateway, errorResponse{Error: "token exchange failed"})
		return
	}
	if token.RefreshToken == "" {
		sendJSONResponse(w, r, http.StatusBadGateway, errorResponse{Error: "no refresh token issued"})
		return
	}

	ctxLogger.Info("issued Nest refresh token")
	sendJSONResponse(w, r, http.StatusOK, tokenResponse{RefreshToken: token.RefreshToken, Expiry: token.Expiry})
}
