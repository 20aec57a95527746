package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	middleware "github.com/feuille-app/feuille/internal/api/middlewares"
	"github.com/feuille-app/feuille/internal/core"
	"github.com/feuille-app/feuille/internal/models"
	"github.com/feuille-app/feuille/internal/services"
)

const maxUploadBytes = 52 << 20 // 52 MB

// IngestTrigger lets the handler nudge the worker pool after an enqueue.
type IngestTrigger interface {
	Wake()
}

type DocumentHandler struct {
	docs    *services.DocumentService
	trigger IngestTrigger
	logger  *slog.Logger
}

func NewDocumentHandler(docs *services.DocumentService, trigger IngestTrigger, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, trigger: trigger, logger: logger}
}

// Upload stores the file, records the document as pending, and queues the
// ingestion pipeline. The response carries the document for status polling.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "could not read file", http.StatusBadRequest)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// Strip any path components from the client-provided name.
	cleanName := filepath.Base(header.Filename)

	doc, err := h.docs.UploadAndCreate(r.Context(), userID, cleanName, contentType, data)
	if err != nil {
		h.logger.Error("upload failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	if err := h.docs.StartIngestion(r.Context(), doc.ID); err != nil {
		http.Error(w, fmt.Sprintf("could not queue ingestion: %v", err), http.StatusInternalServerError)
		return
	}
	h.trigger.Wake()

	writeJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	documents, err := h.docs.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if documents == nil {
		documents = []models.Document{}
	}

	writeJSON(w, http.StatusOK, documents)
}

// Get returns one document, status and status_message included. This is
// the endpoint the UI polls during ingestion.
func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Reingest queues a fresh ingestion run for a terminal document.
func (h *DocumentHandler) Reingest(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	if err := h.docs.StartIngestion(r.Context(), doc.ID); err != nil {
		if errors.Is(err, core.ErrPipelineActive) {
			http.Error(w, "ingestion already in progress", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.trigger.Wake()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.ownedDocument(w, r)
	if !ok {
		return
	}

	if err := h.docs.Delete(r.Context(), doc); err != nil {
		h.logger.Error("delete failed",
			slog.String("document_id", doc.ID),
			slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedDocument loads the {id} document and enforces ownership.
func (h *DocumentHandler) ownedDocument(w http.ResponseWriter, r *http.Request) (*models.Document, bool) {
	userID, authed := middleware.UserIDFromContext(r.Context())
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	d, err := h.docs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if d == nil || d.UserID != userID {
		http.Error(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	return d, true
}
