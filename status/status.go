// Package status serves a read-only view of the launcher's state for
// operators, alongside a liveness endpoint.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/drover-io/drover/cluster"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// ClusterInfo is the read-only slice of the launcher the server exposes.
type ClusterInfo interface {
	State() cluster.State
	Identity() cluster.Identity
	MasterAddress() string
}

// Server is an auxiliary service exposing the launcher's state over HTTP.
type Server struct {
	log        *zap.SugaredLogger
	info       ClusterInfo
	listenAddr string

	mut        sync.Mutex
	httpServer *http.Server
}

// NewServer builds a status server for the given launcher view.
func NewServer(log *zap.SugaredLogger, info ClusterInfo, listenAddr string) *Server {
	if listenAddr == "" {
		listenAddr = "127.0.0.1:7070"
	}
	return &Server{
		log:        log.Named("status_server"),
		info:       info,
		listenAddr: listenAddr,
	}
}

func (s *Server) Name() string { return "status-server" }

func (s *Server) handler() http.Handler {
	router := httprouter.New()
	router.GET("/status", s.status)
	router.GET("/healthz", s.healthz)
	return router
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ident := s.info.Identity()
	response := struct {
		State         string `json:"state"`
		ClusterName   string `json:"clusterName"`
		ClusterID     string `json:"clusterId,omitempty"`
		MasterAddress string `json:"masterAddress,omitempty"`
	}{
		State:         s.info.State().String(),
		ClusterName:   ident.Name,
		ClusterID:     ident.ID,
		MasterAddress: s.info.MasterAddress(),
	}
	b, err := json.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

// Start binds the listener synchronously so bind errors surface at launch,
// then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
	}

	server := &http.Server{Handler: s.handler()}
	s.mut.Lock()
	s.httpServer = server
	s.mut.Unlock()

	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("status server failed", "error", err)
		}
	}()

	s.log.Infow("status server listening", "addr", listener.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mut.Lock()
	server := s.httpServer
	s.mut.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
