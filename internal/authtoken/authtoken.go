// Package authtoken validates the session tokens presented in an IDENTIFY
// payload. Tokens are issued by the platform's account service (out of
// scope here) in the form base64(user_id) + "." + payload + "." +
// signature, where signature is an HMAC-SHA256 over the first two
// dot-joined segments keyed by the user's current password hash. This
// mirrors the semantics of Python's itsdangerous.TimestampSigner, which
// the upstream account service uses to mint these tokens.
package authtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a token does not have the expected
// three-segment shape.
var ErrMalformed = errors.New("authtoken: malformed token")

// ErrInvalidSignature is returned when the signature segment does not
// match the expected HMAC over the user id and payload segments.
var ErrInvalidSignature = errors.New("authtoken: invalid signature")

// PasswordHashLookup resolves a user id (decoded from the token's first
// segment) to the password hash used as the HMAC key, and confirms the
// account may still authenticate (not suspended/deleted).
type PasswordHashLookup func(userID string) (passwordHash []byte, ok bool, err error)

// Validate parses and verifies token, returning the user id it names.
// lookup is called exactly once, with the base64-decoded user id
// extracted from the token's first segment.
func Validate(token string, lookup PasswordHashLookup) (userID string, err error) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return "", ErrMalformed
	}

	idPart, payloadPart, sigPart := parts[0], parts[1], parts[2]

	idBytes, err := decodeSegment(idPart)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	userID = string(idBytes)

	sig, err := decodeSegment(sigPart)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	passwordHash, ok, err := lookup(userID)
	if err != nil {
		return "", fmt.Errorf("authtoken: looking up user %q: %w", userID, err)
	}
	if !ok {
		return "", ErrInvalidSignature
	}

	expected := sign(passwordHash, idPart, payloadPart)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return "", ErrInvalidSignature
	}

	return userID, nil
}

func sign(key []byte, idPart, payloadPart string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(idPart))
	mac.Write([]byte("."))
	mac.Write([]byte(payloadPart))
	return mac.Sum(nil)
}

func decodeSegment(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
