// Package registry is the in-process dispatch fabric that routes bus
// events to the live gateway sessions that should receive them. It is the
// single writer of the guild and user indices; sessions never touch each
// other directly.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Target is the subset of a gateway session the Registry needs to route
// events to it. internal/session.Session implements this.
type Target interface {
	SessionID() string
	UserID() uint64
	GuildIDs() []uint64
	// Deliver hands one addressed event to the session. Implementations
	// decide whether to write it to the socket now or buffer it,
	// depending on whether floodgates are open.
	Deliver(ctx context.Context, name string, data interface{}) error
}

// Event is a single bus event addressed to one of guild_id, guild_ids,
// user_id or user_ids. Exactly one addressing field is meaningful; when
// more than one is set, GuildID takes priority over GuildIDs over UserID
// over UserIDs.
type Event struct {
	Name     string
	Data     interface{}
	GuildID  *uint64
	GuildIDs []uint64
	UserID   *uint64
	UserIDs  []uint64
}

type record struct {
	target   Target
	inGrace  bool
	graceEnd time.Time
}

// Registry indexes bound sessions by user id and guild id for fan-out
// dispatch, and tracks the reconnect grace window for gracefully closed
// sessions.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*record
	byGuild map[uint64]map[string]struct{}
	byUser  map[uint64]map[string]struct{}

	graceWindow time.Duration
	logger      *slog.Logger

	timers map[string]*time.Timer
}

// New creates an empty Registry. graceWindow is how long a resumable
// close keeps a session's buffered events and identity alive for RESUME.
func New(graceWindow time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		byID:        make(map[string]*record),
		byGuild:     make(map[uint64]map[string]struct{}),
		byUser:      make(map[uint64]map[string]struct{}),
		timers:      make(map[string]*time.Timer),
		graceWindow: graceWindow,
		logger:      logger,
	}
}

// Bind registers a newly identified session, making it addressable by its
// user id and its joined guild ids.
func (r *Registry) Bind(target Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := target.SessionID()
	r.byID[sid] = &record{target: target}

	uid := target.UserID()
	if r.byUser[uid] == nil {
		r.byUser[uid] = make(map[string]struct{})
	}
	r.byUser[uid][sid] = struct{}{}

	for _, gid := range target.GuildIDs() {
		if r.byGuild[gid] == nil {
			r.byGuild[gid] = make(map[string]struct{})
		}
		r.byGuild[gid][sid] = struct{}{}
	}
}

// Dispatch routes a bus event to every session it addresses, per the
// guild_id > guild_ids > user_id > user_ids tie-break. Delivery errors
// are logged and otherwise swallowed: one session's broken socket must
// never interrupt fan-out to the others, nor the bus consumer loop.
func (r *Registry) Dispatch(ctx context.Context, ev Event) {
	switch {
	case ev.GuildID != nil:
		r.dispatchGuild(ctx, *ev.GuildID, ev.Name, ev.Data)
	case len(ev.GuildIDs) > 0:
		for _, gid := range ev.GuildIDs {
			r.dispatchGuild(ctx, gid, ev.Name, ev.Data)
		}
	case ev.UserID != nil:
		r.dispatchUser(ctx, *ev.UserID, ev.Name, ev.Data)
	case len(ev.UserIDs) > 0:
		for _, uid := range ev.UserIDs {
			r.dispatchUser(ctx, uid, ev.Name, ev.Data)
		}
	}
}

func (r *Registry) dispatchGuild(ctx context.Context, guildID uint64, name string, data interface{}) {
	for _, target := range r.targetsFor(r.byGuild[guildID]) {
		r.deliver(ctx, target, name, data)
	}
}

func (r *Registry) dispatchUser(ctx context.Context, userID uint64, name string, data interface{}) {
	// Deliver to every live session for this user, not just the first
	// match: a user with multiple open connections must receive every
	// event on every connection.
	for _, target := range r.targetsFor(r.byUser[userID]) {
		r.deliver(ctx, target, name, data)
	}
}

func (r *Registry) targetsFor(ids map[string]struct{}) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]Target, 0, len(ids))
	for sid := range ids {
		if rec, ok := r.byID[sid]; ok {
			targets = append(targets, rec.target)
		}
	}
	return targets
}

func (r *Registry) deliver(ctx context.Context, target Target, name string, data interface{}) {
	if err := target.Deliver(ctx, name, data); err != nil {
		r.logger.Warn("registry: delivery failed", "session_id", target.SessionID(), "event", name, "error", err)
	}
}

// AppendPending is a convenience wrapper for bus-less internal callers
// (e.g. a RESUME replay) that want Dispatch's per-session delivery
// semantics for a single known session id.
func (r *Registry) AppendPending(ctx context.Context, sessionID, name string, data interface{}) {
	r.mu.RLock()
	rec, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.deliver(ctx, rec.target, name, data)
}

// Close tombstones a session. If resumable, the session id and its
// target (which keeps its own pending buffer) remain addressable for the
// grace window so a RESUME can rebind it; otherwise it is removed
// immediately. Close is idempotent: closing an already-removed session,
// or closing an already-graced session resumably again, is a no-op; a
// non-resumable Close of a graced session removes it.
func (r *Registry) Close(sessionID string, resumable bool) {
	r.mu.Lock()
	rec, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	if !resumable {
		r.removeLocked(sessionID, rec)
		r.mu.Unlock()
		return
	}

	if rec.inGrace {
		r.mu.Unlock()
		return
	}
	rec.inGrace = true
	rec.graceEnd = time.Now().Add(r.graceWindow)
	timer := time.AfterFunc(r.graceWindow, func() { r.expireGrace(sessionID) })
	r.timers[sessionID] = timer
	r.mu.Unlock()
}

func (r *Registry) expireGrace(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[sessionID]
	if !ok || !rec.inGrace {
		return
	}
	r.removeLocked(sessionID, rec)
}

// removeLocked deletes a session by identity from every index it
// appears in. Unlike a positional list.pop, this can never remove the
// wrong entry.
func (r *Registry) removeLocked(sessionID string, rec *record) {
	delete(r.byID, sessionID)

	if timer, ok := r.timers[sessionID]; ok {
		timer.Stop()
		delete(r.timers, sessionID)
	}

	uid := rec.target.UserID()
	if sessions, ok := r.byUser[uid]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byUser, uid)
		}
	}

	for _, gid := range rec.target.GuildIDs() {
		if sessions, ok := r.byGuild[gid]; ok {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.byGuild, gid)
			}
		}
	}
}

// Resume rebinds a grace-tombstoned session id, returning its target so
// the caller can replay buffered events and resume delivering live ones.
// It fails if the session id is unknown or not currently in its grace
// window. Knowledge of the session id is itself the credential here -
// it is a 160-bit value handed only to the connection READY was sent
// to, the same trust model the protocol's opaque session ids already
// rely on.
func (r *Registry) Resume(sessionID string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[sessionID]
	if !ok || !rec.inGrace {
		return nil, false
	}

	rec.inGrace = false
	if timer, ok := r.timers[sessionID]; ok {
		timer.Stop()
		delete(r.timers, sessionID)
	}
	return rec.target, true
}

// SessionCount returns the number of sessions currently addressable,
// including those in their grace window.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
