package api

import (
	"net/http"
	"time"

	"github.com/claimlens/claimlens/internal/buildinfo"
)

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`

	Store   string `json:"store"`
	Catalog struct {
		Loaded    bool   `json:"loaded"`
		Hospitals int    `json:"hospitals"`
		BuiltAt   string `json:"built_at,omitempty"`
	} `json:"catalog"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: buildinfo.Version(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Store:   "ok",
	}

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
	}
	if cat := s.catalog.Current(); cat != nil {
		resp.Catalog.Loaded = true
		resp.Catalog.Hospitals = cat.Len()
		resp.Catalog.BuiltAt = cat.BuiltAt().UTC().Format(time.RFC3339)
	} else {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
