package authtoken

import (
	"encoding/base64"
	"testing"
)

func makeToken(t *testing.T, userID, payload string, key []byte) string {
	t.Helper()
	idPart := base64.RawURLEncoding.EncodeToString([]byte(userID))
	sig := sign(key, idPart, payload)
	sigPart := base64.RawURLEncoding.EncodeToString(sig)
	return idPart + "." + payload + "." + sigPart
}

func TestValidate_Valid(t *testing.T) {
	key := []byte("argon2id-hash-for-user-1")
	token := makeToken(t, "user-1", "1700000000", key)

	got, err := Validate(token, func(userID string) ([]byte, bool, error) {
		if userID != "user-1" {
			t.Fatalf("lookup called with %q", userID)
		}
		return key, true, nil
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got != "user-1" {
		t.Errorf("userID = %q, want %q", got, "user-1")
	}
}

func TestValidate_BadSignature(t *testing.T) {
	key := []byte("key-a")
	token := makeToken(t, "user-1", "1700000000", key)

	_, err := Validate(token, func(string) ([]byte, bool, error) {
		return []byte("key-b"), true, nil
	})
	if err != ErrInvalidSignature {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestValidate_UnknownUser(t *testing.T) {
	key := []byte("key-a")
	token := makeToken(t, "user-1", "1700000000", key)

	_, err := Validate(token, func(string) ([]byte, bool, error) {
		return nil, false, nil
	})
	if err != ErrInvalidSignature {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestValidate_Malformed(t *testing.T) {
	_, err := Validate("not-a-token", func(string) ([]byte, bool, error) {
		t.Fatal("lookup should not be called")
		return nil, false, nil
	})
	if err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
