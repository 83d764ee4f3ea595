package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oapi-codegen/runtime"

	"harvestd/internal/domain"
	"harvestd/internal/ports"
)

const maxBodyBytes = 1 << 20

// Options configure the HTTP surface.
type Options struct {
	// AllowedOrigins lists browser origins allowed to call the API with
	// credentials. Empty disables CORS.
	AllowedOrigins []string
}

// Server exposes the scan API over HTTP.
type Server struct {
	scanner ports.Scanner
	opts    Options
	logger  *slog.Logger
}

func New(scanner ports.Scanner, opts Options, logger *slog.Logger) *Server {
	return &Server{scanner: scanner, opts: opts, logger: logger}
}

// Routes returns a chi.Router serving the API.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	// An empty origin list means "allow all" to cors, so skip it entirely.
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.getHealthz)
	r.Post("/scans", s.postScan)
	r.Get("/scans", s.listScans)
	r.Get("/scans/", s.missingID)
	r.Get("/scans/{id}", s.getScan)
	return r
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type postScanRequest struct {
	Domain *string `json:"domain"`
}

func (s *Server) postScan(w http.ResponseWriter, r *http.Request) {
	var req postScanRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object with a domain field")
		return
	}
	if req.Domain == nil {
		writeError(w, http.StatusBadRequest, "domain is required")
		return
	}

	scan, err := s.scanner.Submit(r.Context(), *req.Domain)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil || id == "" {
		writeError(w, http.StatusBadRequest, "scan id is required")
		return
	}

	scan, err := s.scanner.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) missingID(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusBadRequest, "scan id is required")
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	var statusParam, domainParam *string
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "status", query, &statusParam); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status parameter")
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "domain", query, &domainParam); err != nil {
		writeError(w, http.StatusBadRequest, "invalid domain parameter")
		return
	}

	var filter ports.ListFilter
	if statusParam != nil {
		st, err := domain.ParseStatus(*statusParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	if domainParam != nil {
		filter.Domain = *domainParam
	}

	scans, err := s.scanner.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

// writeServiceError maps domain errors to status codes. Anything unexpected
// is logged and reported without detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "scan not found")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
