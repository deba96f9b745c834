package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type uploadRequest struct {
	RemotePath    string `json:"remotePath"`
	ContentBase64 string `json:"contentBase64"`
}

func ListFiles(w http.ResponseWriter, r *http.Request) {
	listing, err := Files.List(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func ReadFile(w http.ResponseWriter, r *http.Request) {
	content, err := Files.Read(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, content)
}

func WriteFile(w http.ResponseWriter, r *http.Request) {
	var body writeFileRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := Files.Write(r.Context(), chi.URLParam(r, "id"), body.Path, body.Content); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": body.Path})
}

func UploadFile(w http.ResponseWriter, r *http.Request) {
	var body uploadRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := Files.Upload(r.Context(), chi.URLParam(r, "id"), body.RemotePath, body.ContentBase64); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": body.RemotePath})
}

func DownloadFile(w http.ResponseWriter, r *http.Request) {
	dl, err := Files.Download(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("path"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}
