package api

import (
	"net/http"

	"github.com/claimlens/claimlens/internal/apperr"
)

type hospitalInfo struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	TotalItems int    `json:"total_items"`
	Categories int    `json:"categories"`
}

func (s *Server) listHospitals(w http.ResponseWriter, r *http.Request) {
	cat := s.catalog.Current()
	if cat == nil {
		s.writeError(w, r, apperr.New(apperr.CodeCatalogLoad, "api.hospitals", "catalog not loaded"))
		return
	}

	hospitals := make([]hospitalInfo, 0, cat.Len())
	for _, h := range cat.Hospitals() {
		hospitals = append(hospitals, hospitalInfo{
			Name:       h.Name,
			Slug:       h.Slug,
			TotalItems: len(h.Items),
			Categories: len(h.Categories),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hospitals": hospitals,
		"count":     len(hospitals),
	})
}

func (s *Server) reloadCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := s.catalog.Reload(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Catalog reloaded",
		"hospital_count": cat.Len(),
		"item_count":     cat.ItemCount(),
	})
}
