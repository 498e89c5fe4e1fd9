// Package api serves the broker's REST diagnostics surface and Prometheus
// /metrics endpoint: a Go 1.22+ method-pattern http.ServeMux, writeJSON/
// writeError helpers, and a corsMiddleware wrapper, answering from
// session/stream snapshots read live off internal/session.Registry.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glasshub/broker/internal/brokererr"
	"github.com/glasshub/broker/internal/session"
)

// httpShutdownGrace bounds how long Start waits for in-flight requests to
// drain once its context is canceled.
const httpShutdownGrace = 5 * time.Second

// Server is the REST/metrics HTTP server. It holds no state of its own —
// every response is read live from the Registry.
type Server struct {
	addr     string
	registry *session.Registry
	log      *slog.Logger

	httpSrv *http.Server
}

// New creates a Server bound to addr, answering from registry.
func New(addr string, registry *session.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, registry: registry, log: log}
}

// Handler builds the mux this Server answers with: the REST routes, the
// Prometheus handler, and the cross-origin wrapping needed for a
// browser-based viewer to read either.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{userId}", s.handleGetSession)
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/sessions/{userId}/photos/{requestId}", s.handleResolvePhoto)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Start listens and serves until ctx is canceled, then shuts down
// gracefully via context.AfterFunc and http.Server.Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.Handler()}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("api server listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.Snapshot()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	sess, ok := s.registry.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for user "+userID)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.registry.AllStreams()
	if streams == nil {
		streams = []session.StreamInfo{}
	}
	writeJSON(w, http.StatusOK, streams)
}

// resolvePhotoRequest is the body the image/CDN pipeline POSTs once a
// requested photo has finished uploading.
type resolvePhotoRequest struct {
	ImageRef string `json:"imageRef"`
}

func (s *Server) handleResolvePhoto(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	requestID := r.PathValue("requestId")

	sess, ok := s.registry.Get(userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no session for user "+userID)
		return
	}

	var body resolvePhotoRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ImageRef == "" {
		writeError(w, http.StatusBadRequest, "imageRef is required")
		return
	}

	if err := sess.ResolvePhoto(requestID, body.ImageRef); err != nil {
		if brokererr.KindOf(err) == brokererr.KindNotFound {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
