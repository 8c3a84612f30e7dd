// Package gateway implements the WebSocket gateway for real-time event dispatch.
// It handles client connections, heartbeats, authentication, presence updates,
// and event broadcasting via NATS subscriptions. See docs/architecture.md Section 8
// for the full protocol specification.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/amityvox/amityvox/internal/codec"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/registry"
	"github.com/amityvox/amityvox/internal/session"
	"github.com/amityvox/amityvox/internal/store"
	"github.com/amityvox/amityvox/internal/workerpool"
)

// acceptedVersions lists the `v` query parameter values this gateway
// will complete a handshake for.
var acceptedVersions = map[string]bool{"1": true}

// ServerConfig configures a Server.
type ServerConfig struct {
	EventBus    *events.Bus
	Cache       *presence.Cache
	Store       store.Adapter
	Registry    *registry.Registry

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PendingQueueMax   int
	WorkerPoolSize    int
	ListenAddr        string
	Logger            *slog.Logger
}

// Server accepts gateway WebSocket connections and fans bus events out
// to them through its Registry.
type Server struct {
	cfg      ServerConfig
	pool     *workerpool.Pool
	httpSrv  *http.Server
	consumer *events.Consumer

	wg sync.WaitGroup

	mu       sync.Mutex
	sessions map[*session.Session]context.CancelFunc
}

// registryDispatcher adapts *registry.Registry to events.dispatcher,
// translating the bus consumer's addressing shape into registry.Event.
type registryDispatcher struct {
	reg *registry.Registry
}

func (d registryDispatcher) Dispatch(ctx context.Context, ev events.DispatchEvent) {
	d.reg.Dispatch(ctx, registry.Event{
		Name:    ev.Name,
		Data:    ev.Data,
		GuildID: ev.GuildID,
		UserID:  ev.UserID,
	})
}

// NewServer builds a Server from cfg. It does not start listening; call
// Start for that.
func NewServer(cfg ServerConfig) *Server {
	if cfg.PendingQueueMax <= 0 {
		cfg.PendingQueueMax = 1024
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 32
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(60*time.Second, cfg.Logger)
	}

	s := &Server{
		cfg:      cfg,
		pool:     workerpool.New(cfg.WorkerPoolSize),
		sessions: make(map[*session.Session]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	if cfg.EventBus != nil {
		s.consumer = events.NewConsumer(cfg.EventBus, registryDispatcher{reg: cfg.Registry}, cfg.Logger)
	}

	return s
}

// Start begins consuming the event bus (if configured) and accepting
// connections. It blocks until the listener stops.
func (s *Server) Start() error {
	if s.consumer != nil {
		if err := s.consumer.Start(context.Background()); err != nil {
			return fmt.Errorf("gateway: starting bus consumer: %w", err)
		}
	}

	s.cfg.Logger.Info("gateway: listening", slog.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serving: %w", err)
	}
	return nil
}

// Shutdown sends every live session a RECONNECT frame, then stops the
// listener and waits for in-flight connections to finish or ctx to expire.
// Clients that receive RECONNECT are expected to reconnect and RESUME
// rather than treat the disconnect as a failure.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcastReconnect(ctx)

	if s.consumer != nil {
		s.consumer.Stop()
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutting down listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) broadcastReconnect(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Reconnect(ctx); err != nil {
			s.cfg.Logger.Debug("gateway: reconnect notice failed", slog.String("session_id", sess.SessionID()), slog.String("error", err.Error()))
		}
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	v := q.Get("v")
	if !acceptedVersions[v] {
		http.Error(w, "unsupported gateway version", http.StatusBadRequest)
		return
	}

	enc, err := codec.ParseEncoding(q.Get("encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	compress := false
	if raw := q.Get("compress"); raw != "" {
		compress, err = strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid compress parameter", http.StatusBadRequest)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.cfg.Logger.Warn("gateway: accept failed", slog.String("error", err.Error()))
		return
	}

	var compressor *codec.Compressor
	if compress {
		compressor = codec.NewCompressor()
	}

	sess := session.New(session.Config{
		Socket:            &wsSocket{conn: conn},
		Encoding:          enc,
		Compressor:        compressor,
		Registry:          s.cfg.Registry,
		Store:             s.cfg.Store,
		Pool:              s.pool,
		TokenLookup:       s.tokenLookup,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		PendingQueueMax:   s.cfg.PendingQueueMax,
		Logger:            s.cfg.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sessions[sess] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
		defer conn.CloseNow()

		if err := sess.Run(ctx); err != nil {
			s.cfg.Logger.Debug("gateway: session ended", slog.String("session_id", sess.SessionID()), slog.String("error", err.Error()))
		}
	}()
}

// tokenLookup resolves a user's password hash through the gateway's own
// store projection: IDENTIFY validates the same itsdangerous-style token
// the REST login response handed the client, and the hash it was signed
// with lives in the same wide-column store this gateway already reads
// from for everything else.
func (s *Server) tokenLookup(userID string) ([]byte, bool, error) {
	id, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		return nil, false, nil
	}
	return s.cfg.Store.UserPasswordHash(context.Background(), id)
}
