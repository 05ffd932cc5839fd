package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"vclocknet/internal/clock"
	"vclocknet/internal/membership"
	"vclocknet/internal/node"
)

// Source is the read-only view of a node the admin surface needs.
type Source interface {
	ID() string
	Index() int
	State() node.State
	Snapshot() clock.VectorClock
}

type clockView struct {
	NodeID string            `json:"node_id"`
	Index  int               `json:"index"`
	State  string            `json:"state"`
	Clock  clock.VectorClock `json:"clock"`
}

// HTTPServer serves the admin HTTP API.
type HTTPServer struct {
	src     Source
	hub     *Hub
	metrics http.Handler
	logger  *zap.Logger
	router  *mux.Router
	srv     *http.Server
	lis     net.Listener
}

// NewHTTPServer builds the router. hub and metrics may be nil, in which
// case /watch and /metrics are not registered.
func NewHTTPServer(src Source, hub *Hub, metrics http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPServer{src: src, hub: hub, metrics: metrics, logger: logger, router: mux.NewRouter()}

	s.router.HandleFunc("/clock", s.handleClock).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	if hub != nil {
		s.router.HandleFunc("/watch", hub.ServeWS).Methods(http.MethodGet)
	}
	return s
}

// PeerSource lists the other group members and their status.
type PeerSource interface {
	Snapshot() []membership.Member
}

// WithPeers registers GET /peers backed by p.
func (s *HTTPServer) WithPeers(p PeerSource) *HTTPServer {
	s.router.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Snapshot())
	}).Methods(http.MethodGet)
	return s
}

// Handler returns the router.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) handleClock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, clockView{
		NodeID: s.src.ID(),
		Index:  s.src.Index(),
		State:  s.src.State().String(),
		Clock:  s.src.Snapshot(),
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.src.State()
	status := http.StatusOK
	if state != node.Running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"state": state.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start binds addr and serves in the background.
func (s *HTTPServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin http listen on %s: %w", addr, err)
	}
	s.lis = lis
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin http server", zap.Error(err))
		}
	}()
	s.logger.Info("admin http listening", zap.Stringer("addr", lis.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *HTTPServer) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop disconnects watchers and shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
