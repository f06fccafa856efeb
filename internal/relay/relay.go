package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/crab-desk/internal/orchestrator"
)

const (
	maxRequestBodyBytes = 1 << 20
	deliverTimeout      = 30 * time.Second
)

// Deliverer posts text into the thread that owns a backing session.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID, text string) error
}

type messageRequest struct {
	Text string `json:"text"`
}

// Server accepts messages a running agent wants to send into its own thread.
type Server struct {
	addr      string
	deliverer Deliverer
	logger    *log.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewServer(addr string, deliverer Deliverer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{addr: addr, deliverer: deliverer, logger: logger}
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	addr := strings.TrimSpace(s.addr)
	if addr == "" {
		return fmt.Errorf("relay address is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("relay already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = server
	s.listener = ln

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("relay server error: %v", err)
		}
	}()

	s.logger.Printf("relay started addr=%s", ln.Addr().String())
	return nil
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown relay server: %w", err)
	}
	s.logger.Printf("relay stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/sessions/{session_id}/messages", s.handleMessage)
	return mux
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deliverTimeout)
	defer cancel()
	if err := s.deliverer.Deliver(ctx, sessionID, req.Text); err != nil {
		if errors.Is(err, orchestrator.ErrUnknownSession) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		s.logger.Printf("relay delivery failed session_id=%s err=%v", sessionID, err)
		http.Error(w, "delivery failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
