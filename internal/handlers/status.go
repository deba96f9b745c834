package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetServerStatus collects a fresh snapshot for the session's host.
func GetServerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := Status.Fetch(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("interface"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetCachedStatus returns the last snapshot, or null when none was taken.
func GetCachedStatus(w http.ResponseWriter, r *http.Request) {
	st, err := Status.Cached(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
