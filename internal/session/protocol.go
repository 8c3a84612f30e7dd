package session

import (
	"encoding/json"
	"time"
)

// Gateway opcodes. Values match the numbering already used by the
// project's client SDK, so a server built from this package stays
// wire-compatible with existing clients.
const (
	OpDispatch         = 0
	OpHeartbeat        = 1
	OpIdentify         = 2
	OpPresenceUpdate   = 3
	OpVoiceStateUpdate = 4
	OpResume           = 5
	OpReconnect        = 6
	OpRequestMembers   = 7
	OpTyping           = 8
	OpSubscribe        = 9
	OpHello            = 10
	OpHeartbeatAck     = 11
)

// Close codes sent on connection teardown. Codes below 4000 are the
// standard WebSocket registry (normal closure, going away, ...). Codes in
// 4000-4007 are AmityVox-specific and each has resumable/non-resumable
// semantics documented alongside its constant.
const (
	CloseUnknownError   = 4000 // resumable
	CloseInvalidVersion = 4001 // non-resumable
	CloseDecodeError    = 4002 // resumable
	CloseUnknownOpcode  = 4003 // resumable
	CloseInvalidPayload = 4004 // non-resumable
	CloseAuthFailed     = 4005 // non-resumable
	CloseSessionLimit   = 4006 // non-resumable
	CloseAlreadyIdentified = 4007 // resumable
)

// resumableCloseCodes marks which of the above close codes permit the
// client to reconnect and RESUME instead of starting a fresh IDENTIFY.
var resumableCloseCodes = map[int]bool{
	CloseUnknownError:      true,
	CloseDecodeError:       true,
	CloseUnknownOpcode:     true,
	CloseAlreadyIdentified: true,
}

// IsResumableClose reports whether a session closed with the given code
// may attempt RESUME during the reconnect grace window.
func IsResumableClose(code int) bool {
	return resumableCloseCodes[code]
}

// GatewayMessage is the wire envelope for every frame exchanged over the
// gateway socket: {op, t?, s?, d}.
type GatewayMessage struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// HelloPayload is sent immediately after the connection is accepted.
type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyPayload authenticates a connection and opens a session.
type IdentifyPayload struct {
	Token      string               `json:"token"`
	Intents    int64                `json:"intents"`
	Properties IdentifyProperties   `json:"properties"`
	Compress   bool                 `json:"compress,omitempty"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Validate checks that an IdentifyPayload carries the fields required to
// proceed past AWAIT_IDENTIFY.
func (p IdentifyPayload) Validate() error {
	if p.Token == "" {
		return errInvalidIdentify("token is required")
	}
	if p.Properties.OS == "" {
		return errInvalidIdentify("properties.os is required")
	}
	return nil
}

// ResumePayload re-binds a connection to a grace-tombstoned session.
type ResumePayload struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

func (p ResumePayload) Validate() error {
	if p.SessionID == "" {
		return errInvalidIdentify("session_id is required")
	}
	return nil
}

// ReadyPayload is the first DISPATCH frame sent after a successful
// IDENTIFY, before any GUILD_CREATE frames.
type ReadyPayload struct {
	SessionID  string        `json:"session_id"`
	User       json.RawMessage `json:"user"`
	GuildIDs   []string      `json:"guild_ids"`
	Relationships json.RawMessage `json:"relationships,omitempty"`
	Presences  json.RawMessage `json:"presences,omitempty"`
	UserChannels json.RawMessage `json:"user_channels,omitempty"`
}

// ResumedPayload confirms a successful RESUME.
type ResumedPayload struct {
	SessionID string `json:"session_id"`
}

// PresenceUpdatePayload is sent by a client to change its own presence.
type PresenceUpdatePayload struct {
	Status     string          `json:"status"`
	Activities json.RawMessage `json:"activities,omitempty"`
}

// VoiceStatePayload mirrors a client's voice connection intent.
type VoiceStatePayload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id,omitempty"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

// TypingPayload announces a typing indicator in a channel.
type TypingPayload struct {
	ChannelID string `json:"channel_id"`
}

// RequestMembersPayload asks the gateway to stream guild member chunks.
type RequestMembersPayload struct {
	GuildID string   `json:"guild_id"`
	Query   string   `json:"query,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	UserIDs []string `json:"user_ids,omitempty"`
}

// SubscribePayload adjusts which guild channels a client receives typing
// and presence events for, beyond the baseline guild subscription.
type SubscribePayload struct {
	GuildID    string   `json:"guild_id"`
	ChannelIDs []string `json:"channel_ids"`
}

type invalidIdentifyError string

func (e invalidIdentifyError) Error() string { return string(e) }

func errInvalidIdentify(msg string) error { return invalidIdentifyError(msg) }

// heartbeatIntervalMillis converts a Duration to the millisecond value the
// wire protocol expects in HelloPayload.
func heartbeatIntervalMillis(d time.Duration) int64 {
	return d.Milliseconds()
}
