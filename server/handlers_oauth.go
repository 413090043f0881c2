package server

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/duclems/pointsbot/telemetry"
)

// HandleAuthStart initiates the Twitch OAuth flow by redirecting to Twitch.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Login == nil || h.deps.Installer == nil {
		writeError(w, http.StatusServiceUnavailable, "Authentification non disponible", "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)")
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st) {
		writeError(w, http.StatusServiceUnavailable, "Trop de connexions en attente", "too many pending oauth states")
		return
	}
	authURL, err := h.deps.Login.AuthorizeURL(st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Erreur interne", err.Error())
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleAuthCallback exchanges the authorization code and stores the resulting credential.
func (h *Handlers) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Login == nil || h.deps.Installer == nil {
		writeError(w, http.StatusServiceUnavailable, "Authentification non disponible", "oauth not configured")
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "Autorisation refusée", e+": "+q.Get("error_description"))
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "Requête invalide", "missing code/state")
		return
	}
	if !h.consumeOAuthState(st) {
		writeError(w, http.StatusBadRequest, "Requête invalide", "invalid state")
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
	tok, err := h.deps.Login.Exchange(r.Context(), code)
	if err != nil {
		log.Error("oauth code exchange failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "Échange du code impossible", err.Error())
		return
	}
	creds, err := h.deps.Installer.Install(r.Context(), tok)
	if err != nil {
		log.Error("credential install failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "Enregistrement impossible", err.Error())
		return
	}
	h.ok(w, map[string]any{
		"login":     creds.Login,
		"userId":    creds.UserID,
		"scopes":    creds.Scopes,
		"expiresAt": creds.EstimatedExpiry,
	})
}
