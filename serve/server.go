// Package serve exposes the search engine over HTTP: a synchronous JSON
// endpoint, a streaming endpoint framing progress events as SSE, and small
// operational endpoints for health and domain inspection.
package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/domain"
	"github.com/lexgraph/lexgraph/engine"
)

// Server is the HTTP surface over the engine.
type Server struct {
	engine   *engine.Engine
	registry *domain.Registry
	log      *zap.Logger
	validate *validator.Validate
}

// New creates a Server.
func New(eng *engine.Engine, registry *domain.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:   eng,
		registry: registry,
		log:      log,
		validate: validator.New(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/search", s.handleSearch)
	r.Post("/search/stream", s.handleSearchStream)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/domains", s.handleDomains)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// searchRequest is the wire form of both search endpoints.
type searchRequest struct {
	Query      string `json:"query" validate:"required"`
	Limit      int    `json:"limit" validate:"gte=0,lte=50"`
	Synthesize bool   `json:"synthesize"`
	TimeoutMS  int    `json:"timeout_ms" validate:"gte=0"`
}

func (s *Server) decodeSearch(r *http.Request) (engine.Request, error) {
	var req searchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return engine.Request{}, lexgraph.E("serve.decodeSearch", lexgraph.KindBadRequest, err)
	}
	if err := s.validate.Struct(&req); err != nil {
		return engine.Request{}, lexgraph.E("serve.decodeSearch", lexgraph.KindBadRequest, err)
	}
	return engine.Request{
		Query:      req.Query,
		Limit:      req.Limit,
		Synthesize: req.Synthesize,
		Timeout:    time.Duration(req.TimeoutMS) * time.Millisecond,
	}, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeSearch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.engine.Search(r.Context(), req, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSearchStream frames each progress event as one SSE data record. The
// terminal event is always the last frame; transport errors after the
// stream has started cannot change the status line, so the error travels in
// the terminal frame instead.
func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeSearch(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, lexgraph.E("serve.stream", lexgraph.KindBadRequest,
			errors.New("streaming unsupported by connection")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	em := engine.NewEmitter(func(ev engine.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	})

	// The engine emits the terminal frame itself; the return values are
	// already on the wire.
	_, _ = s.engine.Search(r.Context(), req, em)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"domains": s.registry.Len(),
	})
}

// domainView is the wire form of one domain; centroids stay internal.
type domainView struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	Size      int      `json:"size"`
	Neighbors []string `json:"neighbors,omitempty"`
}

func (s *Server) handleDomains(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.registry.Snapshot()
	views := make([]domainView, 0, len(snapshot))
	for _, d := range snapshot {
		views = append(views, domainView{
			ID: d.ID, Label: d.Label, Size: d.Size, Neighbors: d.Neighbors,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"domains": views})
}

// errorFrame is the user-visible error body: a stable kind and a short
// message, nothing internal.
type errorFrame struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := lexgraph.KindOf(err)
	s.log.Warn("request failed", zap.String("kind", kind), zap.Error(err))
	s.writeJSON(w, statusOf(kind), errorFrame{Kind: kind, Message: messageOf(kind)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("response write failed", zap.Error(err))
	}
}

func statusOf(kind string) int {
	switch kind {
	case lexgraph.KindBadRequest:
		return http.StatusBadRequest
	case lexgraph.KindNotFound, lexgraph.KindNoResults:
		return http.StatusNotFound
	case lexgraph.KindNotInitialized:
		return http.StatusServiceUnavailable
	case lexgraph.KindDeadline:
		return http.StatusGatewayTimeout
	case lexgraph.KindCancelled:
		return http.StatusRequestTimeout
	case lexgraph.KindTransient, lexgraph.KindEmbedding, lexgraph.KindLLM, lexgraph.KindSearch:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageOf(kind string) string {
	switch kind {
	case lexgraph.KindBadRequest:
		return "invalid request"
	case lexgraph.KindNoResults:
		return "no results found"
	case lexgraph.KindNotInitialized:
		return "no domains exist yet"
	case lexgraph.KindDeadline:
		return "request deadline exceeded"
	case lexgraph.KindCancelled:
		return "request cancelled"
	case lexgraph.KindInternal:
		return "internal error"
	default:
		return "service unavailable"
	}
}
