package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	middleware "github.com/feuille-app/feuille/internal/api/middlewares"
	"github.com/feuille-app/feuille/internal/models"
	"github.com/feuille-app/feuille/internal/services"
)

type SearchHandler struct {
	search *services.SearchService
}

func NewSearchHandler(search *services.SearchService) *SearchHandler {
	return &SearchHandler{search: search}
}

type searchRequest struct {
	Query        string `json:"query"`
	DocumentPath string `json:"document_path,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type searchResponse struct {
	Matches []models.SectionMatch `json:"matches"`
}

// Query embeds the request text and returns the caller's closest sections.
func (h *SearchHandler) Query(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query required", http.StatusBadRequest)
		return
	}

	matches, err := h.search.Search(r.Context(), userID, req.Query, req.DocumentPath, req.Limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("search failed: %v", err), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []models.SectionMatch{}
	}

	writeJSON(w, http.StatusOK, searchResponse{Matches: matches})
}
