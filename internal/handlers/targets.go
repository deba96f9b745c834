package handlers

import (
	"net/http"

	"github.com/mahoushoujyo-eee/eshell/internal/database"
)

func ListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := Inventory.ListTargets()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func ListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := database.ListScripts()
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scripts)
}
