package gateway

import "github.com/amityvox/amityvox/internal/session"

// The wire envelope, opcodes and payload shapes are owned by
// internal/session (it is the package that actually serializes frames);
// they are re-exported here so the gateway package's own public surface
// documents the protocol it speaks without duplicating the definitions.
const (
	OpDispatch         = session.OpDispatch
	OpHeartbeat        = session.OpHeartbeat
	OpIdentify         = session.OpIdentify
	OpPresenceUpdate   = session.OpPresenceUpdate
	OpVoiceStateUpdate = session.OpVoiceStateUpdate
	OpResume           = session.OpResume
	OpReconnect        = session.OpReconnect
	OpRequestMembers   = session.OpRequestMembers
	OpTyping           = session.OpTyping
	OpSubscribe        = session.OpSubscribe
	OpHello            = session.OpHello
	OpHeartbeatAck     = session.OpHeartbeatAck

	CloseUnknownError      = session.CloseUnknownError
	CloseInvalidVersion    = session.CloseInvalidVersion
	CloseDecodeError       = session.CloseDecodeError
	CloseUnknownOpcode     = session.CloseUnknownOpcode
	CloseInvalidPayload    = session.CloseInvalidPayload
	CloseAuthFailed        = session.CloseAuthFailed
	CloseSessionLimit      = session.CloseSessionLimit
	CloseAlreadyIdentified = session.CloseAlreadyIdentified
)

type (
	GatewayMessage        = session.GatewayMessage
	HelloPayload          = session.HelloPayload
	IdentifyPayload       = session.IdentifyPayload
	IdentifyProperties    = session.IdentifyProperties
	ResumePayload         = session.ResumePayload
	ReadyPayload          = session.ReadyPayload
	ResumedPayload        = session.ResumedPayload
	PresenceUpdatePayload = session.PresenceUpdatePayload
	VoiceStatePayload     = session.VoiceStatePayload
	TypingPayload         = session.TypingPayload
	RequestMembersPayload = session.RequestMembersPayload
	SubscribePayload      = session.SubscribePayload
)

// IsResumableClose reports whether a session closed with the given code
// may attempt RESUME during the reconnect grace window.
func IsResumableClose(code int) bool { return session.IsResumableClose(code) }
