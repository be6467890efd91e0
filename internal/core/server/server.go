// Package server provides the daemon's control API: a REST interface over
// a local unix socket, a websocket notification stream, and the prometheus
// metrics endpoint. Access control is filesystem permissions on the socket
// plus SO_PEERCRED verification of the connecting process.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solatis/usbwarden/internal/audit"
	"github.com/solatis/usbwarden/internal/core/config"
	"github.com/solatis/usbwarden/internal/engine"
)

// Server manages the control API lifecycle.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	cfg        *config.DaemonConfig
	iface      engine.Interface
	audit      *audit.Recorder
	log        *slog.Logger
	upgrader   websocket.Upgrader

	// socketGID is the resolved daemon.socket_group gid, -1 when no group
	// is configured. Used for both socket ownership and peer authorization.
	socketGID int
}

// NewServer creates the control API server. auditRec may be nil when the
// audit trail is disabled; registry may be nil to disable /metrics.
func NewServer(cfg *config.DaemonConfig, iface engine.Interface, auditRec *audit.Recorder, registry *prometheus.Registry, log *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cfg cannot be nil")
	}
	if iface == nil {
		return nil, fmt.Errorf("iface cannot be nil")
	}

	socketGID := -1
	if cfg.SocketGroup != "" {
		grp, err := user.LookupGroup(cfg.SocketGroup)
		if err != nil {
			return nil, fmt.Errorf("unknown socket group %q: %w", cfg.SocketGroup, err)
		}
		socketGID, err = strconv.Atoi(grp.Gid)
		if err != nil {
			return nil, fmt.Errorf("invalid gid for group %q: %w", cfg.SocketGroup, err)
		}
	}

	s := &Server{
		cfg:       cfg,
		iface:     iface,
		audit:     auditRec,
		log:       log,
		socketGID: socketGID,
		upgrader: websocket.Upgrader{
			// Local unix socket, not a browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(s.peerCredMiddleware)

	r.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/rules", s.handleListRules).Methods(http.MethodGet)
	r.HandleFunc("/v1/rules", s.handleAppendRule).Methods(http.MethodPost)
	r.HandleFunc("/v1/rules/{id:[0-9]+}", s.handleRemoveRule).Methods(http.MethodDelete)
	r.HandleFunc("/v1/devices", s.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{id:[0-9]+}/policy", s.handleApplyDevicePolicy).Methods(http.MethodPost)
	r.HandleFunc("/v1/notifications", s.handleNotifications).Methods(http.MethodGet)
	if auditRec != nil {
		r.HandleFunc("/v1/audit", s.handleAuditEvents).Methods(http.MethodGet)
	}
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Handler:     r,
		ConnContext: peerCredConnContext,
	}
	return s, nil
}

// Start binds the unix socket and serves requests. Blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	// A stale socket from an unclean shutdown blocks the bind.
	if err := removeStaleSocket(s.cfg.IPCSocket); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.IPCSocket)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.IPCSocket, err)
	}
	s.listener = listener

	if err := s.applySocketPermissions(); err != nil {
		listener.Close()
		return err
	}

	s.log.Info("control API listening", "socket", s.cfg.IPCSocket)
	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server with a 30-second ceiling.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan error, 1)
	go func() {
		stopped <- s.httpServer.Shutdown(context.Background())
	}()

	select {
	case err := <-stopped:
		return err
	case <-ctx.Done():
		s.httpServer.Close()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		s.httpServer.Close()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

// applySocketPermissions restricts the socket to root, or to root plus the
// configured socket group.
func (s *Server) applySocketPermissions() error {
	mode := os.FileMode(0o600)
	if s.socketGID >= 0 {
		if err := os.Chown(s.cfg.IPCSocket, -1, s.socketGID); err != nil {
			return fmt.Errorf("failed to chown socket: %w", err)
		}
		mode = 0o660
	}
	if err := os.Chmod(s.cfg.IPCSocket, mode); err != nil {
		return fmt.Errorf("failed to chmod socket: %w", err)
	}
	return nil
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
