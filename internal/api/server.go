// Package api exposes the datastore over HTTP: a write endpoint into the
// consistency core, JSON-RPC style read endpoints, a long-poll change
// feed, health and metrics.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"modelstore/internal/cache"
	"modelstore/internal/engine"
	"modelstore/internal/model"
	"modelstore/internal/reader"
)

// maxWaitTimeout caps long-poll waits; no external wait may be unbounded.
const (
	defaultWaitTimeout = 10 * time.Second
	maxWaitTimeout     = 30 * time.Second
)

type Server struct {
	writer  *engine.Writer
	reader  *reader.Reader
	cache   *cache.Cache
	logger  *zap.Logger
	devMode bool
}

func NewServer(w *engine.Writer, r *reader.Reader, c *cache.Cache, logger *zap.Logger,
	reg *prometheus.Registry, devMode bool) http.Handler {

	s := &Server{writer: w, reader: r, cache: c, logger: logger, devMode: devMode}

	router := chi.NewRouter()
	router.Use(s.requestID)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	router.Route("/v1", func(v1 chi.Router) {
		v1.Post("/write", s.handleWrite)
		v1.Post("/reserve_ids", s.handleReserveIDs)
		v1.Get("/changes", s.handleChanges)
		v1.Route("/read", func(rd chi.Router) {
			rd.Post("/get", s.handleGet)
			rd.Post("/get_many", s.handleGetMany)
			rd.Post("/filter", s.handleFilter)
			rd.Post("/get_everything", s.handleGetEverything)
		})
		if devMode {
			v1.Post("/truncate", s.handleTruncate)
		}
	})
	return router
}

// requestID tags every request so commits can be traced through the logs.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req model.WriteRequest
	if !s.decode(w, r, &req) {
		return
	}
	pos, err := s.writer.Commit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, writeResponse{Position: pos})
}

func (s *Server) handleReserveIDs(w http.ResponseWriter, r *http.Request) {
	var req reserveIDsRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.writer.ReserveIDs(req.Collection, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reserveIDsResponse{IDs: ids})
}

func (s *Server) handleTruncate(w http.ResponseWriter, r *http.Request) {
	if err := s.writer.Truncate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if !s.decode(w, r, &req) {
		return
	}
	var (
		rec model.Record
		err error
	)
	if req.Position > 0 {
		rec, err = s.reader.GetAtPosition(req.Fqid, req.Position)
	} else {
		rec, err = s.reader.Get(req.Fqid)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetMany(w http.ResponseWriter, r *http.Request) {
	var req getManyRequest
	if !s.decode(w, r, &req) {
		return
	}
	records, err := s.reader.GetMany(req.Fqids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Collection == "" || req.Field == "" {
		s.writeError(w, r, &model.Error{Code: model.EValidation, Msg: "filter needs collection and field"})
		return
	}
	records, err := s.reader.Filter(req.Collection, fieldEquals(req.Field, req.Value))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, filterResponse{Records: records})
}

func (s *Server) handleGetEverything(w http.ResponseWriter, r *http.Request) {
	var req getEverythingRequest
	if !s.decode(w, r, &req) {
		return
	}
	everything, err := s.reader.Everything(req.behaviour())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, everything)
}

// handleChanges long-polls for the next change event past ?since=N.
// 200 carries the event, 204 means the window elapsed with no change,
// 410 means the position left the retained window and the caller should
// re-read current state.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil || since < 0 {
		s.writeError(w, r, &model.Error{Code: model.EValidation, Msg: "changes needs a non-negative ?since"})
		return
	}
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil || timeout <= 0 {
			s.writeError(w, r, &model.Error{Code: model.EValidation, Msg: "invalid ?timeout"})
			return
		}
	}
	if timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}

	ev, err := s.cache.WaitForChange(r.Context(), model.Position(since), timeout)
	switch err {
	case nil:
		s.writeJSON(w, http.StatusOK, ev)
	case cache.ErrTimeout:
		w.WriteHeader(http.StatusNoContent)
	case cache.ErrTooOld:
		s.writeError(w, r, &model.Error{Code: model.EGone,
			Msg: "requested change left the retained window, re-read current state"})
	default:
		s.writeError(w, r, err)
	}
}
