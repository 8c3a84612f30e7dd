package registry

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	id       string
	userID   uint64
	guildIDs []uint64

	mu        sync.Mutex
	delivered []string
}

func (f *fakeTarget) SessionID() string   { return f.id }
func (f *fakeTarget) UserID() uint64      { return f.userID }
func (f *fakeTarget) GuildIDs() []uint64  { return f.guildIDs }
func (f *fakeTarget) Deliver(_ context.Context, name string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, name)
	return nil
}
func (f *fakeTarget) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatch_GuildID(t *testing.T) {
	r := New(60*time.Second, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 1, guildIDs: []uint64{100}}
	b := &fakeTarget{id: "sess-b", userID: 2, guildIDs: []uint64{100}}
	r.Bind(a)
	r.Bind(b)

	gid := uint64(100)
	r.Dispatch(context.Background(), Event{Name: "MESSAGE_CREATE", GuildID: &gid})

	if got := a.names(); len(got) != 1 || got[0] != "MESSAGE_CREATE" {
		t.Errorf("session a delivered = %v", got)
	}
	if got := b.names(); len(got) != 1 || got[0] != "MESSAGE_CREATE" {
		t.Errorf("session b delivered = %v", got)
	}
}

func TestDispatch_UserID_MultipleConnections(t *testing.T) {
	// Regression test: the original consumer's handle_user_id_event broke
	// out of its loop after the first matching session, so a user with
	// two open connections only ever got the event on one of them.
	r := New(60*time.Second, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 42}
	b := &fakeTarget{id: "sess-b", userID: 42}
	r.Bind(a)
	r.Bind(b)

	uid := uint64(42)
	r.Dispatch(context.Background(), Event{Name: "RELATIONSHIP_ADD", UserID: &uid})

	if got := a.names(); len(got) != 1 {
		t.Errorf("session a delivered = %v, want 1 event", got)
	}
	if got := b.names(); len(got) != 1 {
		t.Errorf("session b delivered = %v, want 1 event", got)
	}
}

func TestDispatch_GuildIDsExpansion(t *testing.T) {
	r := New(60*time.Second, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 1, guildIDs: []uint64{1, 2}}
	r.Bind(a)

	r.Dispatch(context.Background(), Event{Name: "USER_UPDATE", GuildIDs: []uint64{1, 2, 3}})

	if got := a.names(); len(got) != 2 {
		t.Errorf("delivered = %v, want 2 (once per matching guild)", got)
	}
}

func TestClose_NonResumable_RemovesImmediately(t *testing.T) {
	r := New(60*time.Second, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 1, guildIDs: []uint64{1}}
	r.Bind(a)
	r.Close("sess-a", false)

	if r.SessionCount() != 0 {
		t.Errorf("session count = %d, want 0", r.SessionCount())
	}
	if _, ok := r.Resume("sess-a"); ok {
		t.Error("resume should fail for a removed session")
	}
}

func TestClose_Resumable_ThenResume(t *testing.T) {
	r := New(60*time.Second, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 7, guildIDs: []uint64{1}}
	r.Bind(a)
	r.Close("sess-a", true)

	// Still addressable: a new event during grace should still be
	// deliverable (the caller is expected to buffer it, not drop it).
	if r.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1 during grace", r.SessionCount())
	}

	target, ok := r.Resume("sess-a")
	if !ok {
		t.Fatal("resume should succeed within the grace window")
	}
	if target.SessionID() != "sess-a" {
		t.Errorf("resumed target id = %q, want sess-a", target.SessionID())
	}
}

func TestGraceWindow_Expires(t *testing.T) {
	r := New(20*time.Millisecond, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 1}
	r.Bind(a)
	r.Close("sess-a", true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.SessionCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session was not removed after grace window elapsed")
}

func TestClose_Idempotent(t *testing.T) {
	r := New(60*time.Second, discardLogger())
	a := &fakeTarget{id: "sess-a", userID: 1}
	r.Bind(a)
	r.Close("sess-a", true)
	r.Close("sess-a", true) // must not panic or double-schedule removal
	r.Close("sess-a", false)

	if r.SessionCount() != 0 {
		t.Errorf("session count = %d, want 0", r.SessionCount())
	}
}

func TestDispatch_Unaddressed_NoPanic(t *testing.T) {
	r := New(60*time.Second, discardLogger())
	r.Dispatch(context.Background(), Event{Name: "NOOP"})
}
