package hlsmon

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// API is the thin HTTP status surface next to the socket channel.
type API struct {
	registry  *Registry
	startedAt time.Time
}

func NewAPI(registry *Registry) *API {
	return &API{
		registry:  registry,
		startedAt: time.Now(),
	}
}

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", a.status)
	r.Get("/streams", a.streams)
	r.Get("/streams/{id}", a.stream)
	r.Get("/health", a.health)
	return r
}

func (a *API) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"uptimeSeconds":      int64(time.Since(a.startedAt).Seconds()),
		"activeSessionCount": a.registry.ActiveCount(),
	})
}

func (a *API) streams(w http.ResponseWriter, _ *http.Request) {
	ids := a.registry.ActiveIDs()
	writeJSON(w, http.StatusOK, map[string]any{
		"activeSessionIds": ids,
		"count":            len(ids),
	})
}

// stream serves one session's state and retained histories, enough for
// a dashboard to repopulate its tables after a reconnect.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
	m := a.registry.Monitor(chi.URLParam(r, "id"))
	if m == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no active session"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        m.ID(),
		"sourceUrl": m.SourceURL(),
		"state":     m.State().String(),
		"profiles":  m.Profiles(),
		"manifests": m.Ledger().ManifestHistory(),
		"segments":  m.Ledger().SegmentHistory(),
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
