package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
)

// GetAuditLogs returns paginated audit entries.
//
// Query parameters:
//
//	session_id - filter by session
//	target_id  - filter by target
//	event_type - filter by event type
//	since      - RFC3339 timestamp, only entries after this time
//	limit      - max entries to return (default 50, max 1000)
//	offset     - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		SessionID: q.Get("session_id"),
		TargetID:  q.Get("target_id"),
		EventType: q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
