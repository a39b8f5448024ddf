// Package server is the HTTP front door: uploads, polling, re-runs and
// cancellation over the batch engine.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/batch"
	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/docstore"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/progress"
	"github.com/sells-group/risk-analyzer/internal/store"
	"github.com/sells-group/risk-analyzer/internal/task"
)

// Task kinds as reported by the task manager.
const (
	kindRun          = "analisis"
	kindRerunSingle  = "reanalisis_individual"
	kindRerunGlobal  = "reanalisis_global"
	defaultUploadMB  = 50
	multipartMemory  = 32 << 20
	defaultListLimit = 100
)

// Deps are the collaborators the handlers need.
type Deps struct {
	Config   *config.Config
	Progress progress.Store
	Docs     *docstore.Store
	Index    store.Index
	Runner   *batch.Runner
	Tasks    *task.Manager
	// Questions loads the default battery.
	Questions func() ([]model.Question, error)
	// Providers lists the LLM providers that resolved at startup.
	Providers []string
	Now       func() time.Time
}

// Server routes HTTP requests to the batch engine.
type Server struct {
	Deps
}

// New returns a Server. Nil Index and Now get working defaults.
func New(d Deps) *Server {
	if d.Index == nil {
		d.Index = store.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{Deps: d}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/analizar", s.handleAnalyze)
	r.Get("/procesos", s.handleList)
	r.Get("/estado/{id}", s.handleStatus)
	r.Get("/progreso/{id}", s.handleStatus)
	r.Post("/reanalisar_pregunta/{id}/{index}", s.handleRerunSingle)
	r.Post("/reanalisar_global/{id}", s.handleRerunAll)
	r.Delete("/proceso/{id}", s.handleCancel)
	return r
}

func (s *Server) allowedOrigins() []string {
	if s.Config == nil || len(s.Config.Server.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.Config.Server.AllowedOrigins
}

func (s *Server) maxUploadBytes() int64 {
	mb := defaultUploadMB
	if s.Config != nil && s.Config.Server.MaxUploadMB > 0 {
		mb = s.Config.Server.MaxUploadMB
	}
	return int64(mb) << 20
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
