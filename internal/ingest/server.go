// Package ingest exposes the loopback HTTP surface: POST /events into the
// bus, plus /health and /stats.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/bus"
	"github.com/chronicl/collector/internal/metrics"
	"github.com/chronicl/collector/internal/store"
)

const tokenHeader = "X-Collector-Token"

// maxBodyBytes bounds a single POST. Sensors batch at most a few hundred
// events; anything bigger is malformed.
const maxBodyBytes = 4 << 20

type Options struct {
	Host  string
	Port  int
	Token string
}

type Server struct {
	bus     *bus.Bus
	store   *store.Store
	metrics *metrics.Registry
	logger  *zap.Logger
	opts    Options
	http    *http.Server
}

func NewServer(b *bus.Bus, st *store.Store, reg *metrics.Registry, logger *zap.Logger, opts Options) *Server {
	s := &Server{bus: b, store: st, metrics: reg, logger: logger, opts: opts}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.handleOptions).Methods(http.MethodOptions)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	// The catch-all OPTIONS route makes every method mismatch land here.
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleNotFound)

	s.http = &http.Server{
		Addr:              net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine. Listen errors other than
// a clean shutdown are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	s.logger.Info("ingest listening", zap.String("addr", s.http.Addr))
	return errc
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(s.store.DBSize()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" {
		provided := r.Header.Get(tokenHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.opts.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
	}
	if r.ContentLength < 0 {
		writeJSON(w, http.StatusLengthRequired, map[string]any{"error": "length required"})
		return
	}

	var body any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	events, ok := asEventList(body)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "event must be an object"})
		return
	}

	s.metrics.RecordIngestReceived(int64(len(events)))
	for i, event := range events {
		if !s.bus.Enqueue(event) {
			s.logger.Warn("queue full", zap.Int("accepted", i), zap.Int("total", len(events)))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "queue full"})
			return
		}
	}
	s.metrics.RecordIngestOK(int64(len(events)))
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "count": len(events)})
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.handleOptions(w, r)
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
}

// asEventList accepts a single object or an array of objects; anything else
// (including an array with a non-object element) is rejected.
func asEventList(body any) ([]map[string]any, bool) {
	switch v := body.(type) {
	case map[string]any:
		return []map[string]any{v}, true
	case []any:
		events := make([]map[string]any, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			events = append(events, obj)
		}
		return events, true
	}
	return nil, false
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+tokenHeader)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
