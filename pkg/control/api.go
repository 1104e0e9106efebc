package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"github.com/sirupsen/logrus"
)

var apiLog = logging.Component("api")

const defaultResultsLimit = 50

// TestRequest is the body of POST /v1/tests.
type TestRequest struct {
	Peer       core.Addr `json:"peer"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// TestResponse is the outcome of a test started through the API.
type TestResponse struct {
	tp.Result
	Throughput float64 `json:"throughput_bps"`
	Error      string  `json:"error,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Clients  int    `json:"clients"`
}

// Server is the HTTP control API of a node.
type Server struct {
	hub     *Hub
	history *History
	router  chi.Router
}

// NewServer creates the API. history and metrics may be nil.
func NewServer(hub *Hub, history *History, metrics http.Handler) *Server {
	s := &Server{hub: hub, history: history}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tests", s.postTest())
		r.Delete("/tests/{peer}", s.deleteTest())
		r.Get("/sessions", s.getSessions())
		r.Get("/results", s.getResults())
	})
	r.Get("/health", s.getHealth())
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve serves the API on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	apiLog.Infof("Control API listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		apiLog.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debugf("%s %s", r.Method, r.URL.Path)
	})
}

// writeJSON writes v with the given code. An error value is written as
// {"error": ...}.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err, ok := v.(error); ok {
		v = map[string]string{"error": err.Error()}
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		apiLog.Debugf("Failed to write response: %v", err)
	}
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// httpStatus maps a start or stop failure to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, tp.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, tp.ErrAlreadyOngoing), errors.Is(err, tp.ErrTooManySessions), errors.Is(err, ErrNoFreeUID):
		return http.StatusConflict
	case errors.Is(err, tp.ErrDestinationUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, tp.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) postTest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TestRequest
		if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
			return
		}
		if req.Peer.IsZero() {
			writeJSON(w, http.StatusBadRequest, errors.New("peer is required"))
			return
		}
		if req.DurationMS < 0 {
			writeJSON(w, http.StatusBadRequest, errors.New("duration_ms must not be negative"))
			return
		}

		c, err := s.hub.Register()
		if err != nil {
			writeJSON(w, httpStatus(err), err)
			return
		}
		defer c.Close()

		if err := c.Start(req.Peer, time.Duration(req.DurationMS)*time.Millisecond); err != nil {
			res := <-c.Results()
			writeJSON(w, httpStatus(err), TestResponse{Result: res, Error: err.Error()})
			return
		}

		select {
		case res := <-c.Results():
			writeJSON(w, http.StatusOK, TestResponse{Result: res, Throughput: res.Throughput()})
		case <-r.Context().Done():
			apiLog.Infof("Client of test towards %s went away, stopping it", req.Peer)
			s.hub.Stop(req.Peer, tp.StatusStopped)
		}
	}
}

func (s *Server) deleteTest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peer, err := core.ParseAddr(chi.URLParam(r, "peer"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, err)
			return
		}
		if err := s.hub.Stop(peer, tp.StatusStopped); err != nil {
			writeJSON(w, httpStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) getSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := s.hub.Sessions()
		if sessions == nil {
			sessions = []tp.SessionInfo{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

func (s *Server) getResults() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultResultsLimit
		if q := r.URL.Query().Get("limit"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", q))
				return
			}
			limit = n
		}
		if s.history == nil {
			writeJSON(w, http.StatusOK, []Record{})
			return
		}
		records, err := s.history.List(limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func (s *Server) getHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Health{
			Status:   "ok",
			Sessions: len(s.hub.Sessions()),
			Clients:  s.hub.Clients(),
		})
	}
}
