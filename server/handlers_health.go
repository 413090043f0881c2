package server

import (
	"net/http"
)

// HandleHealth responds to liveness probes. It never touches Twitch or the store.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{
		Success:   true,
		Data:      map[string]string{"status": "ok", "service": h.deps.Service},
		Timestamp: h.now(),
	})
}

// endpoints is listed in 404 responses.
var endpoints = []string{
	"GET /health",
	"GET /api/announcements",
	"GET /api/announcements/questions",
	"GET /api/announcements/questions/:questionId",
	"GET /api/announcements/random",
	"GET /api/announcements/current",
	"GET /api/shoutout/current",
	"GET /api/twitch/channel/:userId",
}

// HandleNotFound answers unknown routes with the list of endpoints.
func (h *Handlers) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, envelope{
		Error:     "Endpoint non trouvé",
		Message:   "L'endpoint " + r.Method + " " + r.URL.RequestURI() + " n'existe pas",
		Endpoints: endpoints,
		Timestamp: h.now(),
	})
}
