// Package api exposes the HTTP surface: upload intake, status polling,
// bill details, verification, lifecycle operations, and catalog
// administration, all under /api/v1.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/pipeline"
	"github.com/claimlens/claimlens/internal/store"
)

// maxUploadBytes caps one multipart upload.
const maxUploadBytes = 10 << 20

// Options wires a Server.
type Options struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Catalog  *catalog.Service

	// AllowedOrigins configures CORS; empty disables cross-origin use.
	AllowedOrigins []string

	Logger log.Logger
}

// Server holds the handler dependencies.
type Server struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	catalog  *catalog.Service
	origins  []string
	logger   log.Logger
	validate *validator.Validate
	started  time.Time
}

// New builds a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		store:    opts.Store,
		pipeline: opts.Pipeline,
		catalog:  opts.Catalog,
		origins:  opts.AllowedOrigins,
		logger:   logger.With("component", "api"),
		validate: validator.New(),
		started:  time.Now(),
	}
}

// Router assembles the chi mux with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.origins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/bills", func(r chi.Router) {
			r.Post("/upload", s.uploadBill)
			r.Get("/", s.listBills)
			r.Route("/{upload_id}", func(r chi.Router) {
				r.Use(s.validUploadID)
				r.Get("/status", s.getStatus)
				r.Get("/", s.getBillDetails)
				r.Patch("/line-items", s.patchLineItems)
				r.Post("/verify", s.verifyBill)
				r.Delete("/", s.deleteBill)
				r.Post("/restore", s.restoreBill)
			})
		})
		r.Get("/hospitals", s.listHospitals)
		r.Post("/catalog/reload", s.reloadCatalog)
	})

	return r
}
