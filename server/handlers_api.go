package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/duclems/pointsbot/pool"
	"github.com/duclems/pointsbot/telemetry"
	"github.com/duclems/pointsbot/twitchapi"
)

// announcements returns the pool, picking up edits made by another process first.
func (h *Handlers) announcements(r *http.Request) *pool.Pool {
	p := h.deps.Announcements
	p.CheckAndReloadIfModified(r.Context())
	return p
}

// HandleAvailableAnnouncements lists the questions not used yet.
func (h *Handlers) HandleAvailableAnnouncements(w http.ResponseWriter, r *http.Request) {
	h.okList(w, h.announcements(r).Available(), nil)
}

// HandleQuestions lists every question, or only available ones with ?available=true.
func (h *Handlers) HandleQuestions(w http.ResponseWriter, r *http.Request) {
	p := h.announcements(r)
	filtered := r.URL.Query().Get("available") == "true"
	items := p.Items()
	if filtered {
		items = p.Available()
	}
	h.okList(w, items, &filtered)
}

// HandleQuestion finds one question by its exact text, or by 0-based index.
func (h *Handlers) HandleQuestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p := h.announcements(r)
	if it, ok := p.Find(id); ok {
		h.ok(w, it)
		return
	}
	if i, err := strconv.Atoi(id); err == nil {
		if items := p.Items(); i >= 0 && i < len(items) {
			h.ok(w, items[i])
			return
		}
	}
	writeError(w, http.StatusNotFound, "Question non trouvée", "Aucune question trouvée avec l'ID: "+id)
}

// HandleRandomQuestion returns a random available question without consuming it.
func (h *Handlers) HandleRandomQuestion(w http.ResponseWriter, r *http.Request) {
	it, err := h.announcements(r).PickRandom()
	if errors.Is(err, pool.ErrEmptyPool) {
		writeError(w, http.StatusNotFound, "Aucune question disponible", "Toutes les questions d'annonce ont été utilisées")
		return
	}
	h.ok(w, it)
}

// HandleCurrentAnnouncement returns the question pinned in chat right now.
func (h *Handlers) HandleCurrentAnnouncement(w http.ResponseWriter, r *http.Request) {
	h.current(w, r, h.deps.CurrentAnnouncement, "Aucune question d'annonce en cours")
}

// HandleCurrentShoutout returns the channel being shouted out right now.
func (h *Handlers) HandleCurrentShoutout(w http.ResponseWriter, r *http.Request) {
	h.current(w, r, h.deps.CurrentShoutout, "Aucun shoutout en cours")
}

func (h *Handlers) current(w http.ResponseWriter, r *http.Request, cr CurrentReader, none string) {
	if cr == nil {
		writeError(w, http.StatusNotFound, none, "")
		return
	}
	snap, ok, err := cr.Get(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("read current state failed", slog.String("field", cr.Field()), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "Erreur interne", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, none, "")
		return
	}
	h.ok(w, map[string]any{
		cr.Field():  snap.Subject,
		"startTime": snap.StartTime,
		"duration":  snap.Elapsed,
		"expiresAt": snap.ExpiresAt,
		"isActive":  true,
	})
}

type channelInfo struct {
	*twitchapi.Channel
	// Helix no longer returns a description; kept for overlay compatibility.
	Description string `json:"description"`
	IsLive      bool   `json:"isLive"`
}

// HandleChannel returns channel information plus live status for a user id.
func (h *Handlers) HandleChannel(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if h.deps.Channels == nil {
		writeError(w, http.StatusServiceUnavailable, "Authentification non disponible", "twitch client not configured")
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("user_id", userID), slog.String("component", "http"))
	ch, err := h.deps.Channels.GetChannel(r.Context(), userID)
	if err != nil {
		var apiErr *twitchapi.APIError
		switch {
		case errors.Is(err, twitchapi.ErrAuthRequired):
			writeError(w, http.StatusServiceUnavailable, "Authentification non disponible", err.Error())
		case errors.Is(err, twitchapi.ErrNotFound):
			writeError(w, http.StatusNotFound, "Canal non trouvé", "Aucun canal trouvé pour l'utilisateur ID: "+userID)
		case errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest:
			writeError(w, http.StatusNotFound, "Canal non trouvé", apiErr.Body)
		default:
			log.Error("channel lookup failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "Erreur lors de la récupération des infos du canal", err.Error())
		}
		return
	}
	live, err := h.deps.Channels.IsLive(r.Context(), userID)
	if err != nil {
		// channel info is still useful without live status
		log.Warn("live status lookup failed", slog.Any("err", err))
	}
	h.ok(w, channelInfo{Channel: ch, IsLive: live})
}
