package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mahoushoujyo-eee/eshell/internal/agent"
)

type createConversationRequest struct {
	Title     string `json:"title"`
	SessionID string `json:"sessionId"`
}

type resolveActionRequest struct {
	Approve bool `json:"approve"`
}

func ListConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations":        Agent.Store().ListConversations(),
		"activeConversationId": Agent.Store().Active(),
	})
}

func CreateConversation(w http.ResponseWriter, r *http.Request) {
	var body createConversationRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	c, err := Agent.Store().CreateConversation(body.Title, body.SessionID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func GetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := Agent.Store().GetConversation(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := Agent.Store().DeleteConversation(chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func SetActiveConversation(w http.ResponseWriter, r *http.Request) {
	if err := Agent.Store().SetActive(chi.URLParam(r, "id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartChat accepts a question and returns immediately. The answer is
// delivered as ops-agent-stream events on the event stream.
func StartChat(w http.ResponseWriter, r *http.Request) {
	var body agent.ChatInput
	if !decodeJSON(w, r, &body) {
		return
	}
	accepted, err := Agent.StartChat(r.Context(), body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

func ListPendingActions(w http.ResponseWriter, r *http.Request) {
	onlyPending := false
	if v := r.URL.Query().Get("onlyPending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid onlyPending")
			return
		}
		onlyPending = b
	}
	writeJSON(w, http.StatusOK, Agent.ListPendingActions(r.URL.Query().Get("sessionId"), onlyPending))
}

func ResolveAction(w http.ResponseWriter, r *http.Request) {
	var body resolveActionRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := Agent.ResolveAction(r.Context(), chi.URLParam(r, "id"), body.Approve)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
