package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type openSessionRequest struct {
	TargetID string `json:"targetId"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type execRequest struct {
	Command string `json:"command"`
}

func ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Sessions.List())
}

// OpenSession connects to a target and starts its interactive shell.
func OpenSession(w http.ResponseWriter, r *http.Request) {
	var body openSessionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.TargetID == "" {
		writeError(w, http.StatusBadRequest, "targetId is required")
		return
	}

	s, err := Sessions.Open(r.Context(), body.TargetID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.Close(chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func WriteSessionInput(w http.ResponseWriter, r *http.Request) {
	var body inputRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := Sessions.WriteInput(chi.URLParam(r, "id"), []byte(body.Data)); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ResizeSession(w http.ResponseWriter, r *http.Request) {
	var body resizeRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := Sessions.Resize(chi.URLParam(r, "id"), body.Cols, body.Rows); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecCommand runs a one-shot command in the session's working directory.
// A non-zero exit is a successful response carrying the exit code.
func ExecCommand(w http.ResponseWriter, r *http.Request) {
	var body execRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := Exec.Execute(r.Context(), chi.URLParam(r, "id"), body.Command)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func RunScript(w http.ResponseWriter, r *http.Request) {
	res, err := Exec.RunScript(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "scriptId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
