package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/amityvox/amityvox/internal/codec"
)

// fakeSocket records every frame written to it; Read/Close are unused by
// the tests in this file.
type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSocket) Write(ctx context.Context, binary bool, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSocket) Read(ctx context.Context) (bool, []byte, error) {
	<-ctx.Done()
	return false, nil, ctx.Err()
}

func (f *fakeSocket) Close(code int, reason string) error { return nil }

func (f *fakeSocket) messages(t *testing.T) []GatewayMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]GatewayMessage, len(f.frames))
	for i, raw := range f.frames {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			t.Fatalf("unmarshal frame %d: %v", i, err)
		}
	}
	return out
}

func newTestSession(sock *fakeSocket) *Session {
	return New(Config{
		Socket:          sock,
		Encoding:        codec.EncodingJSON,
		PendingQueueMax: 2,
	})
}

func TestDeliver_BeforeFloodgatesBuffers(t *testing.T) {
	sock := &fakeSocket{}
	s := newTestSession(sock)

	if err := s.Deliver(context.Background(), "MESSAGE_CREATE", map[string]interface{}{"id": 1}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(sock.messages(t)) != 0 {
		t.Fatal("expected no frame written before floodgates open")
	}
	if len(s.pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(s.pending))
	}
}

func TestDeliver_AfterFloodgatesSendsImmediately(t *testing.T) {
	sock := &fakeSocket{}
	s := newTestSession(sock)

	if err := s.openFloodgates(context.Background()); err != nil {
		t.Fatalf("openFloodgates: %v", err)
	}
	if err := s.Deliver(context.Background(), "MESSAGE_CREATE", map[string]interface{}{"id": 1}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	msgs := sock.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("got %d frames, want 1", len(msgs))
	}
	if msgs[0].Op != OpDispatch || msgs[0].Type != "MESSAGE_CREATE" {
		t.Errorf("frame = %+v", msgs[0])
	}
	if msgs[0].Seq == nil || *msgs[0].Seq != 1 {
		t.Errorf("seq = %v, want 1", msgs[0].Seq)
	}
}

func TestEnqueueLocked_OverflowDropsNewestAndMarksLossy(t *testing.T) {
	sock := &fakeSocket{}
	s := newTestSession(sock)

	for i := 0; i < 3; i++ {
		if err := s.Deliver(context.Background(), "EVENT", i); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}

	if len(s.pending) != 2 {
		t.Fatalf("pending = %d, want 2 (queue max)", len(s.pending))
	}
	if !s.lossy {
		t.Error("expected session to be marked lossy after overflow")
	}
	if s.pending[0].data != 0 || s.pending[1].data != 1 {
		t.Errorf("expected the first two events retained, got %+v", s.pending)
	}
}

func TestOpenFloodgates_DrainsInFIFOOrder(t *testing.T) {
	sock := &fakeSocket{}
	s2 := New(Config{Socket: sock, Encoding: codec.EncodingJSON, PendingQueueMax: 10})
	for i := 0; i < 3; i++ {
		if err := s2.Deliver(context.Background(), "EVENT", i); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	if err := s2.openFloodgates(context.Background()); err != nil {
		t.Fatalf("openFloodgates: %v", err)
	}
	if !s2.floodgatesOpen {
		t.Error("floodgatesOpen should be true after drain")
	}
	if len(s2.pending) != 0 {
		t.Errorf("pending = %d, want 0 after drain", len(s2.pending))
	}

	msgs := sock.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("got %d frames, want 3", len(msgs))
	}
	for i, msg := range msgs {
		var got int
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("unmarshal data %d: %v", i, err)
		}
		if got != i {
			t.Errorf("frame %d data = %d, want %d", i, got, i)
		}
	}
}

func TestSendControl_NoTypeOrSeq(t *testing.T) {
	sock := &fakeSocket{}
	s := newTestSession(sock)

	if err := s.sendControl(context.Background(), OpHello, HelloPayload{HeartbeatInterval: 1000}); err != nil {
		t.Fatalf("sendControl: %v", err)
	}
	msgs := sock.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("got %d frames, want 1", len(msgs))
	}
	if msgs[0].Op != OpHello || msgs[0].Type != "" || msgs[0].Seq != nil {
		t.Errorf("frame = %+v, want bare hello control frame", msgs[0])
	}
}

func TestReconnect_SendsReconnectOpcode(t *testing.T) {
	sock := &fakeSocket{}
	s := newTestSession(sock)

	if err := s.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	msgs := sock.messages(t)
	if len(msgs) != 1 || msgs[0].Op != OpReconnect {
		t.Errorf("frame = %+v, want a bare RECONNECT control frame", msgs[0])
	}
}

func TestState_DefaultsToHandshake(t *testing.T) {
	s := newTestSession(&fakeSocket{})
	if s.State() != StateHandshake {
		t.Errorf("State() = %v, want StateHandshake", s.State())
	}
	s.setState(StateLive)
	if s.State() != StateLive {
		t.Errorf("State() = %v, want StateLive", s.State())
	}
}

func TestDeliver_NormalizesOversizedIntsAndPermissions(t *testing.T) {
	sock := &fakeSocket{}
	s := newTestSession(sock)
	if err := s.openFloodgates(context.Background()); err != nil {
		t.Fatalf("openFloodgates: %v", err)
	}

	payload := map[string]interface{}{
		"id":          int64(1) << 40,
		"permissions": int64(7),
	}
	if err := s.Deliver(context.Background(), "ROLE_UPDATE", payload); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	msgs := sock.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("got %d frames, want 1", len(msgs))
	}
	var data map[string]interface{}
	if err := json.Unmarshal(msgs[0].Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if _, ok := data["id"].(string); !ok {
		t.Errorf("id = %T, want string (oversized int must be normalized on the real send path)", data["id"])
	}
	if data["permissions"] != "7" {
		t.Errorf("permissions = %v, want %q", data["permissions"], "7")
	}
}

func TestSessionID_Unique(t *testing.T) {
	a := newTestSession(&fakeSocket{})
	b := newTestSession(&fakeSocket{})
	if a.SessionID() == b.SessionID() {
		t.Error("expected distinct session ids")
	}
	if len(a.SessionID()) != 40 {
		t.Errorf("session id len = %d, want 40 (20 bytes hex-encoded)", len(a.SessionID()))
	}
}
