package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/connwatch/internal/domain"
	apimw "github.com/hamed0406/connwatch/internal/httpapi/middleware"
	"github.com/hamed0406/connwatch/internal/statusapi"
)

type Server struct {
	Logger  *zap.Logger
	Service *statusapi.Service
	// Refresh is how often /api/stream pushes a snapshot.
	Refresh time.Duration
	// Grace is added to a connection's timeout to bound ?wait=true checks.
	Grace time.Duration

	origins []string
}

func NewServer(l *zap.Logger, svc *statusapi.Service, refresh, grace time.Duration) *Server {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Server{Logger: l, Service: svc, Refresh: refresh, Grace: grace}
}

// Router wires the API. Reads need a public or admin key, writes an admin
// key; each group has its own per-IP rate limit.
func (s *Server) Router(keys apimw.Keys, origins []string, pubRPM, pubBurst, admRPM, admBurst int) http.Handler {
	s.origins = origins

	r := chi.NewRouter()
	if len(origins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apimw.RateLimit(pubRPM, pubBurst), apimw.RequireAny(keys))
			r.Get("/status", s.handleSummary)
			r.Get("/stream", s.handleStream)
			r.Get("/connections", s.handleListConnections)
			r.Get("/connections/{id}", s.handleGetConnection)
			r.Get("/connections/{id}/status", s.handleConnectionStatus)
			r.Get("/connections/{id}/history", s.handleHistory)
			r.Get("/connections/{id}/chart.png", s.handleChart)
		})
		r.Group(func(r chi.Router) {
			r.Use(apimw.RateLimit(admRPM, admBurst), apimw.RequireAdmin(keys))
			r.Post("/connections", s.handleCreateConnection)
			r.Put("/connections/{id}", s.handleUpdateConnection)
			r.Delete("/connections/{id}", s.handleDeleteConnection)
			r.Post("/connections/{id}/check", s.handleCheck)
		})
	})

	return r
}

func connID(r *http.Request) domain.ConnectionID {
	return domain.ConnectionID(chi.URLParam(r, "id"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid connection", "problems": cfgErr.Problems()})
	case errors.Is(err, statusapi.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, statusapi.ErrBusy), errors.Is(err, statusapi.ErrConflict):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, statusapi.ErrDisabled):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, statusapi.ErrUnavailable), errors.Is(err, statusapi.ErrDropped):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.Logger.Error("request_failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

// ---- reads ----

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.Summary())
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Service.List())
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	v, err := s.Service.Get(connID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type statusPayload struct {
	ConnectionID domain.ConnectionID   `json:"connection_id"`
	Status       domain.CachedStatus   `json:"status"`
	Counts       map[domain.Status]int `json:"counts_24h"`
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	id := connID(r)
	st, err := s.Service.Status(id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	counts, err := s.Service.StatusCounts(r.Context(), id, statusapi.CountsWindow)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusPayload{ConnectionID: id, Status: st, Counts: counts})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTime(q.Get("since"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad since: "+err.Error())
		return
	}
	until, err := parseTime(q.Get("until"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad until: "+err.Error())
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeErr(w, http.StatusBadRequest, "bad limit")
			return
		}
	}

	recs, err := s.Service.History(r.Context(), connID(r), since, until, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.Outcome{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// parseTime accepts RFC3339 or unix seconds; empty means unbounded.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// ---- writes ----

func (s *Server) decodeInput(w http.ResponseWriter, r *http.Request) (statusapi.Input, bool) {
	var in statusapi.Input
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeErr(w, http.StatusBadRequest, "bad payload")
		return in, false
	}
	return in, true
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeInput(w, r)
	if !ok {
		return
	}
	v, err := s.Service.Create(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeInput(w, r)
	if !ok {
		return
	}
	v, err := s.Service.Update(r.Context(), connID(r), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.Delete(r.Context(), connID(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheck triggers a manual probe: 200 with the outcome when ?wait=true
// and it finishes in time, 202 when accepted, 409 when one is in flight.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	id := connID(r)
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Service.WaitBudget(id, s.Grace))
		defer cancel()
	}
	res, err := s.Service.TriggerCheck(ctx, id, wait)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if res.Outcome != nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
