package http

import (
	"net/http"

	"vigil/internal/assessment"
	"vigil/internal/audit"
	"vigil/internal/auth"
	"vigil/internal/config"
	"vigil/internal/http/handler"
	mw "vigil/internal/http/middleware"
	"vigil/internal/stats"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

func NewRouter(cfg config.Config, db *gorm.DB, store *assessment.Store, rec *audit.Recorder, jwtSvc *auth.JWT) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ah := &handler.AssessmentHandler{Store: store, Recorder: rec}
	sh := &handler.StatsHandler{Svc: &stats.Service{DB: db, Now: store.Now}, Recorder: rec}

	r.Route("/assessments", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Get("/", ah.List)
		r.Get("/{id}", ah.Get)
		r.Get("/{id}/audit", ah.Trail)
	})

	r.Route("/stats", func(r chi.Router) {
		r.Use(auth.RequireAuth(jwtSvc))

		r.Get("/", sh.Overview)
		r.Get("/changes/actors", sh.ByActor)
		r.Get("/changes/states", sh.ByState)
	})

	return r
}
