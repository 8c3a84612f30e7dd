package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amityvox/amityvox/internal/authtoken"
	"github.com/amityvox/amityvox/internal/store"
)

// CloseError carries the close code and grace-window eligibility for a
// fatal frame-handling error. Run translates it into an actual socket
// close and, for an already-identified session, a Registry.Close call.
type CloseError struct {
	Code      int
	Reason    string
	Resumable bool
}

func (e *CloseError) Error() string { return e.Reason }

func closeErr(code int, reason string, resumable bool) error {
	return &CloseError{Code: code, Reason: reason, Resumable: resumable}
}

// handleIdentify executes the IDENTIFY sequence: validate payload,
// validate token, check the session quota, bind into the Registry, send
// READY followed by one GUILD_CREATE per joined guild, drain anything
// that queued up since the Bind, then open floodgates.
func (s *Session) handleIdentify(ctx context.Context, raw json.RawMessage) error {
	if s.IsIdentified() {
		return closeErr(CloseAlreadyIdentified, "already identified", true)
	}

	var payload IdentifyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return closeErr(CloseInvalidPayload, "invalid identify payload", false)
	}
	if err := payload.Validate(); err != nil {
		return closeErr(CloseInvalidPayload, err.Error(), false)
	}

	var userIDStr string
	err := s.cfg.Pool.Do(ctx, func() error {
		uid, verr := authtoken.Validate(payload.Token, s.cfg.TokenLookup)
		if verr != nil {
			return verr
		}
		userIDStr = uid
		return nil
	})
	if err != nil {
		return closeErr(CloseAuthFailed, "authentication failed", false)
	}

	userID, err := s.parseUserID(userIDStr)
	if err != nil {
		return closeErr(CloseAuthFailed, "authentication failed", false)
	}

	var quotaOK bool
	err = s.cfg.Pool.Do(ctx, func() error {
		ok, serr := s.cfg.Store.SessionLimitDec(ctx, userID)
		quotaOK = ok
		return serr
	})
	if err != nil {
		return fmt.Errorf("session: checking session quota: %w", err)
	}
	if !quotaOK {
		return closeErr(CloseSessionLimit, "connection limit reached", false)
	}

	var guildIDs []uint64
	err = s.cfg.Pool.Do(ctx, func() error {
		ids, serr := s.cfg.Store.JoinedGuildIDs(ctx, userID)
		guildIDs = ids
		return serr
	})
	if err != nil {
		return fmt.Errorf("session: loading joined guilds: %w", err)
	}

	s.mu.Lock()
	s.userID = userID
	s.guildIDs = guildIDs
	s.mu.Unlock()

	// Bind before composing READY: once bound, events addressed to this
	// user or these guilds are dispatch-addressable and will queue into
	// pending, exactly as the original implementation binds immediately
	// before sending READY rather than after.
	s.cfg.Registry.Bind(s)

	var ready ReadyPayload
	err = s.cfg.Pool.Do(ctx, func() error {
		r, serr := s.composeReady(ctx, userID, guildIDs)
		ready = r
		return serr
	})
	if err != nil {
		return fmt.Errorf("session: composing ready: %w", err)
	}

	if err := s.sendEvent(ctx, "READY", ready); err != nil {
		return err
	}

	for _, gid := range guildIDs {
		var guildCreate map[string]interface{}
		gid := gid
		if err := s.cfg.Pool.Do(ctx, func() error {
			gc, serr := s.composeGuildCreate(ctx, gid)
			guildCreate = gc
			return serr
		}); err != nil {
			return fmt.Errorf("session: composing guild_create %d: %w", gid, err)
		}
		if err := s.sendEvent(ctx, "GUILD_CREATE", guildCreate); err != nil {
			return err
		}
	}

	if err := s.openFloodgates(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.identified = true
	lossy := s.lossy
	s.mu.Unlock()
	s.setState(StateLive)

	if lossy {
		return closeErr(CloseUnknownError, "event buffer overflowed, please reconnect", false)
	}
	return nil
}

// sendEvent sends one DISPATCH frame directly, bypassing the pending
// queue: used for READY and GUILD_CREATE, which must always go out
// before floodgates open and before the drain begins.
func (s *Session) sendEvent(ctx context.Context, name string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendEventLocked(ctx, name, data)
}

func (s *Session) composeReady(ctx context.Context, userID uint64, guildIDs []uint64) (ReadyPayload, error) {
	user, err := s.cfg.Store.UserByID(ctx, userID)
	if err != nil {
		return ReadyPayload{}, err
	}
	if user == nil {
		return ReadyPayload{}, fmt.Errorf("session: user %d vanished after token validation", userID)
	}

	relationships, err := s.cfg.Store.Relationships(ctx, userID)
	if err != nil {
		return ReadyPayload{}, err
	}
	presence, err := s.cfg.Store.Presence(ctx, userID)
	if err != nil {
		return ReadyPayload{}, err
	}
	direct, grouped, err := s.cfg.Store.UserDMChannels(ctx, userID)
	if err != nil {
		return ReadyPayload{}, err
	}

	userJSON, err := json.Marshal(selfUserView(user))
	if err != nil {
		return ReadyPayload{}, err
	}
	relJSON, err := json.Marshal(relationshipsView(relationships))
	if err != nil {
		return ReadyPayload{}, err
	}
	presenceJSON, err := json.Marshal(friendPresencesView(relationships, presence))
	if err != nil {
		return ReadyPayload{}, err
	}
	channelsJSON, err := json.Marshal(map[string]interface{}{
		"direct":  channelsView(direct),
		"grouped": channelsView(grouped),
	})
	if err != nil {
		return ReadyPayload{}, err
	}

	guildIDStrs := make([]string, len(guildIDs))
	for i, gid := range guildIDs {
		guildIDStrs[i] = fmt.Sprintf("%d", gid)
	}

	return ReadyPayload{
		SessionID:     s.id,
		User:          userJSON,
		GuildIDs:      guildIDStrs,
		Relationships: relJSON,
		Presences:     presenceJSON,
		UserChannels:  channelsJSON,
	}, nil
}

func (s *Session) composeGuildCreate(ctx context.Context, guildID uint64) (map[string]interface{}, error) {
	guild, err := s.cfg.Store.Guild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if guild == nil {
		return map[string]interface{}{"id": fmt.Sprintf("%d", guildID), "unavailable": true}, nil
	}
	channels, err := s.cfg.Store.GuildChannels(ctx, guildID)
	if err != nil {
		return nil, err
	}
	roles, err := s.cfg.Store.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	features, err := s.cfg.Store.GuildFeatures(ctx, guildID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"id":       fmt.Sprintf("%d", guild.ID),
		"name":     guild.Name,
		"owner_id": fmt.Sprintf("%d", guild.OwnerID),
		"icon":     guild.IconHash,
		"channels": channelsView(channels),
		"roles":    rolesView(roles),
		"features": features,
	}, nil
}

func selfUserView(u *store.User) map[string]interface{} {
	return map[string]interface{}{
		"id":            fmt.Sprintf("%d", u.ID),
		"username":      u.Username,
		"discriminator": u.Discriminator,
		"avatar":        u.AvatarHash,
		"flags":         u.Flags,
	}
}

func relationshipsView(rels []store.Relationship) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rels))
	for _, r := range rels {
		out = append(out, map[string]interface{}{
			"type": r.Type,
			"user": map[string]interface{}{
				"id":            fmt.Sprintf("%d", r.User.ID),
				"username":      r.User.Username,
				"discriminator": r.User.Discriminator,
				"avatar":        r.User.AvatarHash,
			},
		})
	}
	return out
}

// friendPresencesView narrows the relationship list down to accepted
// friends (type 0) and reports the caller's own presence alongside them,
// matching the original's send_ready behavior of bundling the caller's
// presence into the same sub-payload as friend presences.
func friendPresencesView(rels []store.Relationship, self *store.Presence) []map[string]interface{} {
	var out []map[string]interface{}
	if self != nil {
		out = append(out, map[string]interface{}{
			"user_id": fmt.Sprintf("%d", self.UserID),
			"status":  self.Status,
		})
	}
	for _, r := range rels {
		if r.Type != 0 {
			continue
		}
		out = append(out, map[string]interface{}{
			"user_id": fmt.Sprintf("%d", r.User.ID),
			"status":  "unknown",
		})
	}
	return out
}

func channelsView(channels []store.Channel) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(channels))
	for _, c := range channels {
		entry := map[string]interface{}{
			"id":              fmt.Sprintf("%d", c.ID),
			"type":            c.Type,
			"last_message_id": fmt.Sprintf("%d", c.LastMessageID),
		}
		if c.GuildID != 0 {
			entry["name"] = c.Name
		}
		if c.OwnerID != 0 {
			entry["owner_id"] = fmt.Sprintf("%d", c.OwnerID)
			entry["icon"] = c.IconHash
		}
		if len(c.RecipientIDs) > 0 {
			recipients := make([]string, len(c.RecipientIDs))
			for i, id := range c.RecipientIDs {
				recipients[i] = fmt.Sprintf("%d", id)
			}
			entry["recipient_ids"] = recipients
		}
		out = append(out, entry)
	}
	return out
}

func rolesView(roles []store.Role) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(roles))
	for _, r := range roles {
		out = append(out, map[string]interface{}{
			"id": fmt.Sprintf("%d", r.ID),
			// The GUILD_CREATE map does go through mustMarshalData, but
			// codec.Objectify only descends into []interface{} slices,
			// not this []map[string]interface{}, so permissions has to be
			// stringified by hand here.
			"permissions": fmt.Sprintf("%d", r.Permissions),
			"name":        r.Name,
			"position":    r.Position,
		})
	}
	return out
}
