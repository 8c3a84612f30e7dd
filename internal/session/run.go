package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Run drives the connection's entire lifecycle: HELLO, then reading and
// dispatching client frames until a fatal error, a CloseError, or ctx
// cancellation ends it. Run always tells the Registry about the outcome
// before returning if the session ever reached LOADING, mirroring the
// original implementation's "always clean up if identified" finally
// block - and, like it, is safe to have that cleanup run more than once,
// since Registry.Close is idempotent.
func (s *Session) Run(ctx context.Context) error {
	defer s.finish(ctx)

	interval := heartbeatIntervalMillis(s.cfg.HeartbeatInterval)
	if err := s.sendControl(ctx, OpHello, HelloPayload{HeartbeatInterval: interval}); err != nil {
		return fmt.Errorf("session: sending hello: %w", err)
	}
	s.setState(StateAwaitIdentify)
	s.touchHeartbeat()

	for {
		_, data, err := s.cfg.Socket.Read(ctx)
		if err != nil {
			return nil // peer closed the connection; not an error condition
		}

		if err := s.handleFrame(ctx, data); err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				_ = s.cfg.Socket.Close(ce.Code, ce.Reason)
				if !ce.Resumable {
					s.cfg.Registry.Close(s.id, false)
				}
				return ce
			}
			_ = s.cfg.Socket.Close(CloseUnknownError, "unknown error, please reconnect")
			s.cfg.Logger.Error("session: fatal error handling frame", "session_id", s.id, "error", err)
			return err
		}
	}
}

// finish runs exactly once per Run call and performs the
// always-clean-up-if-identified step: present invisible, and tell the
// Registry this session closed with a resumable grace window, so a
// genuinely transient disconnect (not an explicit CloseError) still
// allows RESUME. A session that was bound during an IDENTIFY that never
// completed is removed from the Registry without a grace window.
func (s *Session) finish(ctx context.Context) {
	s.markDisconnected()
	if !s.IsIdentified() {
		s.cfg.Registry.Close(s.id, false)
		return
	}
	uid := s.UserID()
	if err := s.cfg.Store.PresenceMarkInvisible(ctx, uid); err != nil {
		s.cfg.Logger.Warn("session: marking presence invisible", "user_id", uid, "error", err)
	}
	s.cfg.Registry.Close(s.id, true)
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) error {
	var msg GatewayMessage
	if err := unmarshalFrame(s, raw, &msg); err != nil {
		return closeErr(CloseDecodeError, "invalid json object", true)
	}

	switch s.State() {
	case StateAwaitIdentify:
		switch msg.Op {
		case OpIdentify:
			return s.handleIdentify(ctx, msg.Data)
		case OpResume:
			return s.handleResume(ctx, msg.Data)
		default:
			return closeErr(CloseUnknownOpcode, "invalid op code", true)
		}
	case StateLive:
		switch msg.Op {
		case OpIdentify:
			return closeErr(CloseAlreadyIdentified, "already identified", true)
		case OpHeartbeat:
			return s.handleHeartbeat(ctx)
		case OpPresenceUpdate, OpVoiceStateUpdate, OpTyping, OpRequestMembers, OpSubscribe:
			// Client-originated state updates are accepted and
			// acknowledged implicitly by the absence of a close; routing
			// them into the rest of the platform happens off the bus
			// this package consumes, not on this inbound path.
			return nil
		default:
			return closeErr(CloseUnknownOpcode, "invalid op code", true)
		}
	default:
		return closeErr(CloseUnknownOpcode, "invalid op code", true)
	}
}

func unmarshalFrame(s *Session, raw []byte, msg *GatewayMessage) error {
	return json.Unmarshal(raw, msg) // AWAIT_IDENTIFY/LIVE frames are always JSON envelopes regardless of body encoding negotiated for this connection
}

func (s *Session) handleHeartbeat(ctx context.Context) error {
	s.touchHeartbeat()
	return s.sendControl(ctx, OpHeartbeatAck, nil)
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().Unix())
}

// LastHeartbeat reports when the last HEARTBEAT (or the initial HELLO)
// was observed, for an external liveness watchdog to compare against
// HeartbeatTimeout.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(s.lastHeartbeat.Load(), 0)
}

// handleResume re-binds this connection to a grace-tombstoned session
// identity and replays whatever accumulated in its pending buffer,
// rather than resending READY/GUILD_CREATE. This is the RESUME hook
// invited by the design's open question about reconnection: the original
// implementation never wired one up, it only kept the grace window.
// Knowledge of session_id is itself the resume credential - it is the
// same opaque 160-bit value the client only ever learned from its own
// READY frame - so no fresh token is required here.
func (s *Session) handleResume(ctx context.Context, raw json.RawMessage) error {
	var payload ResumePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return s.sendControl(ctx, OpReconnect, nil)
	}
	if err := payload.Validate(); err != nil {
		return s.sendControl(ctx, OpReconnect, nil)
	}

	target, ok := s.cfg.Registry.Resume(payload.SessionID)
	if !ok {
		s.cfg.Logger.Debug("session: resume rejected, falling back to identify", "session_id", payload.SessionID)
		return s.sendControl(ctx, OpReconnect, nil)
	}

	other, ok := target.(*Session)
	if !ok {
		return s.sendControl(ctx, OpReconnect, nil)
	}

	if err := other.rebind(ctx, s.cfg.Socket, s.cfg.Encoding, s.cfg.Compressor); err != nil {
		return fmt.Errorf("session: rebinding resumed session: %w", err)
	}

	// This connection's identity is now the resumed session; adopt its
	// id, user and state so the rest of Run treats it as that session
	// rather than a fresh, never-identified one.
	s.id = other.id
	s.mu.Lock()
	s.userID = other.UserID()
	s.guildIDs = other.GuildIDs()
	s.identified = true
	s.mu.Unlock()
	s.setState(StateLive)

	other.mu.Lock()
	lossy := other.lossy
	other.mu.Unlock()
	if lossy {
		return closeErr(CloseUnknownError, "event buffer overflowed, please reconnect", false)
	}

	return other.sendEvent(ctx, "RESUMED", ResumedPayload{SessionID: other.id})
}
