package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mapmeet/presence-relay/internal/presence"
)

// UserAPI is the REST view of the presence registry. It operates on the same
// registry instance as the signaling relay, with the same full-replace upsert
// semantics, so the two surfaces never disagree about who is where.
type UserAPI struct {
	log      *slog.Logger
	registry *presence.Registry
}

func NewUserAPI(logger *slog.Logger, registry *presence.Registry) *UserAPI {
	return &UserAPI{
		log:      logger,
		registry: registry,
	}
}

func (a *UserAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users", a.handleList)
	mux.HandleFunc("GET /api/users/{username}", a.handleGet)
	mux.HandleFunc("PUT /api/users/{username}/position", a.handleUpdatePosition)
	mux.HandleFunc("DELETE /api/users/{username}", a.handleDelete)
}

func (a *UserAPI) handleList(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, a.registry.List())
}

func (a *UserAPI) handleGet(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	rec, ok := a.registry.Get(username)
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (a *UserAPI) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	var body struct {
		Position *presence.Position `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if body.Position == nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "position required"})
		return
	}

	// Same full-replace contract as a signaling position update: fields the
	// caller omitted decode as zero and overwrite the stored values.
	rec := a.registry.Upsert(username, *body.Position)
	a.log.Debug("position updated via api", "username", username)
	WriteJSON(w, http.StatusOK, rec)
}

func (a *UserAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if !a.registry.Remove(username) {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
