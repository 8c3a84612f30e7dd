// Package session implements one WebSocket connection's state machine:
// HANDSHAKE -> HELLO_SENT -> AWAIT_IDENTIFY -> LOADING -> LIVE -> CLOSING.
// A Session is the unit the Registry addresses events to; it owns the
// pending pre-ready queue and the floodgates transition, and is the only
// thing that ever writes to its own socket.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amityvox/amityvox/internal/authtoken"
	"github.com/amityvox/amityvox/internal/codec"
	"github.com/amityvox/amityvox/internal/registry"
	"github.com/amityvox/amityvox/internal/store"
)

// State is a coarse connection lifecycle stage.
type State int

const (
	StateHandshake State = iota
	StateHelloSent
	StateAwaitIdentify
	StateLoading
	StateLive
	StateClosing
)

// Socket is the minimal transport a Session needs; internal/gateway
// adapts a coder/websocket connection to it so this package can be
// tested without a real network socket.
type Socket interface {
	Write(ctx context.Context, binary bool, data []byte) error
	Read(ctx context.Context) (binary bool, data []byte, err error)
	Close(code int, reason string) error
}

// Registry is the subset of *registry.Registry a Session depends on.
type Registry interface {
	Bind(target registry.Target)
	Close(sessionID string, resumable bool)
	Resume(sessionID string) (registry.Target, bool)
}

// pendingEvent is one buffered dispatch frame awaiting delivery, either
// because floodgates are still closed or because the connection is
// currently disconnected during its grace window.
type pendingEvent struct {
	name string
	data interface{}
}

// Config bundles everything a Session needs to run one connection.
type Config struct {
	Socket            Socket
	Encoding          codec.Encoding
	Compressor        *codec.Compressor
	Registry          Registry
	Store             store.Adapter
	Pool              doer
	TokenLookup       authtoken.PasswordHashLookup
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PendingQueueMax   int
	RateLimit         int
	Logger            *slog.Logger
}

type doer interface {
	Do(ctx context.Context, fn func() error) error
}

// Session is one connection's state machine and registry.Target.
type Session struct {
	cfg Config

	id string

	mu             sync.Mutex
	state          State
	userID         uint64
	guildIDs       []uint64
	pending        []pendingEvent
	floodgatesOpen bool
	connected      bool
	identified     bool
	lossy          bool
	seq            uint64

	lastHeartbeat atomic.Int64
}

// New creates a Session bound to one socket. It does not start I/O;
// call Run to drive the state machine.
func New(cfg Config) *Session {
	if cfg.PendingQueueMax <= 0 {
		cfg.PendingQueueMax = 1024
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 60
	}
	return &Session{
		cfg:       cfg,
		id:        newSessionID(),
		state:     StateHandshake,
		connected: true,
	}
}

func newSessionID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("session: generating session id: %w", err))
	}
	return hex.EncodeToString(buf)
}

// SessionID implements registry.Target.
func (s *Session) SessionID() string { return s.id }

// UserID implements registry.Target.
func (s *Session) UserID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// GuildIDs implements registry.Target.
func (s *Session) GuildIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.guildIDs))
	copy(out, s.guildIDs)
	return out
}

// Deliver implements registry.Target. It is the only entry point other
// than this Session's own goroutines that touches the pending queue or
// the floodgates flag, so a single mutex held across the
// append-or-send decision and the send itself is enough to make "no
// event observed out of order" hold even when Dispatch and Drain race.
func (s *Session) Deliver(ctx context.Context, name string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deliverLocked(ctx, name, data)
}

func (s *Session) deliverLocked(ctx context.Context, name string, data interface{}) error {
	if s.connected && s.floodgatesOpen {
		return s.sendEventLocked(ctx, name, data)
	}
	return s.enqueueLocked(name, data)
}

func (s *Session) enqueueLocked(name string, data interface{}) error {
	if len(s.pending) >= s.cfg.PendingQueueMax {
		// Overflow: drop the newest event and mark the session lossy so
		// the next drain forces a non-resumable reconnect instead of
		// silently serving a gapped event stream.
		s.lossy = true
		return nil
	}
	s.pending = append(s.pending, pendingEvent{name: name, data: data})
	return nil
}

func (s *Session) sendEventLocked(ctx context.Context, name string, data interface{}) error {
	s.seq++
	seq := s.seq
	return s.writeFrameLocked(ctx, GatewayMessage{
		Op:   OpDispatch,
		Type: name,
		Seq:  &seq,
		Data: mustMarshalData(data),
	})
}

// mustMarshalData serializes a dispatch payload to its wire bytes. Bus
// events arrive as generic map[string]interface{} values decoded by
// internal/events.Consumer, so they still need codec.Objectify's pass
// before marshaling to catch oversized snowflakes and permissions
// fields. Payloads that are already json.RawMessage or []byte skip it,
// since Objectify would just walk already-opaque bytes. The READY struct
// and the GUILD_CREATE map from identify.go do pass through Objectify,
// which leaves structs and typed slices untouched; those composers
// stringify IDs and permissions by hand.
func mustMarshalData(data interface{}) json.RawMessage {
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	if raw, ok := data.([]byte); ok {
		return raw
	}
	b, err := json.Marshal(codec.Objectify(data))
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// writeFrameLocked serializes and writes one frame. Caller must hold mu.
func (s *Session) writeFrameLocked(ctx context.Context, msg GatewayMessage) error {
	body, err := codec.Marshal(s.cfg.Encoding, msg)
	if err != nil {
		return fmt.Errorf("session: encoding frame: %w", err)
	}
	if s.cfg.Compressor != nil {
		body, err = s.cfg.Compressor.Compress(body)
		if err != nil {
			return fmt.Errorf("session: compressing frame: %w", err)
		}
		return s.cfg.Socket.Write(ctx, true, body)
	}
	binary := s.cfg.Encoding == codec.EncodingMsgpack
	return s.cfg.Socket.Write(ctx, binary, body)
}

// sendControl sends a non-dispatch frame (HELLO, RECONNECT, ...): no t/s.
func (s *Session) sendControl(ctx context.Context, op int, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeFrameLocked(ctx, GatewayMessage{Op: op, Data: mustMarshalData(data)})
}

// Reconnect sends a RECONNECT control frame, telling the client to close
// and reconnect (and RESUME if it wants its buffered events). Used during
// gateway shutdown so clients treat the disconnect as routine.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.sendControl(ctx, OpReconnect, nil)
}

// openFloodgates drains the pending queue in FIFO order, then flips
// floodgates_open atomically with observing the queue empty, so nothing
// appended by a concurrent Deliver between the last pop and the flag
// flip can be missed.
func (s *Session) openFloodgates(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.floodgatesOpen = true
			s.mu.Unlock()
			return nil
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		err := s.sendEventLocked(ctx, ev.name, ev.data)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// markDisconnected flags the session as no longer having a live socket,
// so future Deliver calls buffer into pending instead of attempting a
// write, during the reconnect grace window.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// rebind swaps in a freshly accepted socket after a successful RESUME,
// replaying whatever accumulated in pending while disconnected.
func (s *Session) rebind(ctx context.Context, socket Socket, enc codec.Encoding, compressor *codec.Compressor) error {
	s.mu.Lock()
	s.cfg.Socket = socket
	s.cfg.Encoding = enc
	s.cfg.Compressor = compressor
	s.connected = true
	s.mu.Unlock()
	return s.openFloodgates(ctx)
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// IsIdentified reports whether IDENTIFY has already completed.
func (s *Session) IsIdentified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identified
}

func (s *Session) parseUserID(raw string) (uint64, error) {
	return strconv.ParseUint(raw, 10, 64)
}
