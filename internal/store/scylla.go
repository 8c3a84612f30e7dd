package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

// ScyllaConfig configures the ScyllaDB cluster connection backing a
// ScyllaAdapter.
type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration
}

// ScyllaAdapter implements Adapter against a ScyllaDB/Cassandra cluster
// using the wide-column schema the platform's account and guild services
// already write to.
type ScyllaAdapter struct {
	session *gocql.Session
	logger  *slog.Logger

	defaultQuota int
	quotaTTL     time.Duration
}

// NewScyllaAdapter dials the cluster and returns a ready Adapter.
func NewScyllaAdapter(cfg ScyllaConfig, defaultQuota int, quotaTTL time.Duration, logger *slog.Logger) (*ScyllaAdapter, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("store: connecting to scylla: %w", err)
	}

	return &ScyllaAdapter{
		session:      session,
		logger:       logger,
		defaultQuota: defaultQuota,
		quotaTTL:     quotaTTL,
	}, nil
}

func parseConsistency(s string) gocql.Consistency {
	switch s {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "all":
		return gocql.All
	default:
		return gocql.Quorum
	}
}

// Close releases the underlying cluster session.
func (a *ScyllaAdapter) Close() {
	a.session.Close()
}

func (a *ScyllaAdapter) UserByID(ctx context.Context, userID uint64) (*User, error) {
	var u User
	err := a.session.Query(
		`SELECT id, username, discriminator, avatar_hash, flags, password_hash FROM users WHERE id = ?`, userID,
	).WithContext(ctx).Scan(&u.ID, &u.Username, &u.Discriminator, &u.AvatarHash, &u.Flags, &u.PasswordHash)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: user_by_id %d: %w", userID, err)
	}
	return &u, nil
}

func (a *ScyllaAdapter) UserPasswordHash(ctx context.Context, userID uint64) ([]byte, bool, error) {
	var hash []byte
	err := a.session.Query(`SELECT password_hash FROM users WHERE id = ?`, userID).
		WithContext(ctx).Scan(&hash)
	if err == gocql.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: user_password_hash %d: %w", userID, err)
	}
	return hash, true, nil
}

func (a *ScyllaAdapter) JoinedGuildIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	var ids []uint64
	iter := a.session.Query(`SELECT guild_id FROM members WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var id uint64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: joined_guild_ids %d: %w", userID, err)
	}
	return ids, nil
}

func (a *ScyllaAdapter) Guild(ctx context.Context, guildID uint64) (*Guild, error) {
	var g Guild
	err := a.session.Query(`SELECT id, name, owner_id, icon_hash FROM guilds WHERE id = ?`, guildID).
		WithContext(ctx).Scan(&g.ID, &g.Name, &g.OwnerID, &g.IconHash)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: guild %d: %w", guildID, err)
	}
	return &g, nil
}

func (a *ScyllaAdapter) GuildChannels(ctx context.Context, guildID uint64) ([]Channel, error) {
	var channels []Channel
	iter := a.session.Query(`SELECT id, guild_id, type, name, last_message_id FROM channels WHERE guild_id = ?`, guildID).
		WithContext(ctx).Iter()
	var c Channel
	for iter.Scan(&c.ID, &c.GuildID, &c.Type, &c.Name, &c.LastMessageID) {
		channels = append(channels, c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: guild_channels %d: %w", guildID, err)
	}
	return channels, nil
}

func (a *ScyllaAdapter) GuildRoles(ctx context.Context, guildID uint64) ([]Role, error) {
	var roles []Role
	iter := a.session.Query(`SELECT id, guild_id, name, permissions, position FROM roles WHERE guild_id = ?`, guildID).
		WithContext(ctx).Iter()
	var r Role
	for iter.Scan(&r.ID, &r.GuildID, &r.Name, &r.Permissions, &r.Position) {
		roles = append(roles, r)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: guild_roles %d: %w", guildID, err)
	}
	return roles, nil
}

func (a *ScyllaAdapter) GuildFeatures(ctx context.Context, guildID uint64) ([]string, error) {
	var features []string
	err := a.session.Query(`SELECT features FROM guild_features WHERE guild_id = ?`, guildID).
		WithContext(ctx).Scan(&features)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: guild_features %d: %w", guildID, err)
	}
	return features, nil
}

func (a *ScyllaAdapter) Relationships(ctx context.Context, userID uint64) ([]Relationship, error) {
	var rels []Relationship
	iter := a.session.Query(
		`SELECT type, other_user_id, other_username, other_discriminator, other_avatar_hash, other_flags FROM relationships WHERE user_id = ?`,
		userID,
	).WithContext(ctx).Iter()

	var rel Relationship
	for iter.Scan(&rel.Type, &rel.User.ID, &rel.User.Username, &rel.User.Discriminator, &rel.User.AvatarHash, &rel.User.Flags) {
		// password and email are never selected here; they stay redacted.
		rels = append(rels, rel)
		rel = Relationship{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: relationships %d: %w", userID, err)
	}
	return rels, nil
}

func (a *ScyllaAdapter) Presence(ctx context.Context, userID uint64) (*Presence, error) {
	var p Presence
	p.UserID = userID
	err := a.session.Query(`SELECT status FROM presences WHERE user_id = ?`, userID).
		WithContext(ctx).Scan(&p.Status)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: presence %d: %w", userID, err)
	}
	activities, err := a.Activities(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Activities = activities
	return &p, nil
}

func (a *ScyllaAdapter) Activities(ctx context.Context, userID uint64) ([]Activity, error) {
	var activities []Activity
	iter := a.session.Query(`SELECT name, type FROM activities WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var act Activity
	for iter.Scan(&act.Name, &act.Type) {
		activities = append(activities, act)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: activities %d: %w", userID, err)
	}
	return activities, nil
}

func (a *ScyllaAdapter) ReadStates(ctx context.Context, userID uint64) ([]ReadState, error) {
	var states []ReadState
	iter := a.session.Query(`SELECT channel_id, last_message_id, mention_count FROM read_states WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	var rs ReadState
	for iter.Scan(&rs.ChannelID, &rs.LastMessageID, &rs.MentionCount) {
		states = append(states, rs)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("store: read_states %d: %w", userID, err)
	}
	return states, nil
}

func (a *ScyllaAdapter) Settings(ctx context.Context, userID uint64) (*Settings, error) {
	var s Settings
	err := a.session.Query(`SELECT status, theme, invisible_on_idle FROM settings WHERE user_id = ?`, userID).
		WithContext(ctx).Scan(&s.Status, &s.Theme, &s.InvisibleOnIdle)
	if err == gocql.ErrNotFound {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: settings %d: %w", userID, err)
	}
	// mfa_code is intentionally never selected.
	return &s, nil
}

func (a *ScyllaAdapter) UserDMChannels(ctx context.Context, userID uint64) ([]Channel, []Channel, error) {
	var direct, grouped []Channel

	iter := a.session.Query(
		`SELECT id, last_message_id, recipient_ids FROM dm_channels WHERE recipient_ids CONTAINS ?`, userID,
	).WithContext(ctx).Iter()
	var c Channel
	for iter.Scan(&c.ID, &c.LastMessageID, &c.RecipientIDs) {
		c.Type = 1
		direct = append(direct, c)
		c = Channel{}
	}
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("store: user_dm_channels (direct) %d: %w", userID, err)
	}

	iter = a.session.Query(
		`SELECT id, name, owner_id, icon_hash, last_message_id, recipient_ids FROM group_dm_channels WHERE recipient_ids CONTAINS ?`, userID,
	).WithContext(ctx).Iter()
	for iter.Scan(&c.ID, &c.Name, &c.OwnerID, &c.IconHash, &c.LastMessageID, &c.RecipientIDs) {
		c.Type = 3
		grouped = append(grouped, c)
		c = Channel{}
	}
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("store: user_dm_channels (grouped) %d: %w", userID, err)
	}

	return direct, grouped, nil
}

// SessionLimitDec implements the gateway_session_limit table's
// get-or-create-then-decrement behavior with lightweight transactions:
// the first call creates the record with INSERT ... IF NOT EXISTS (that
// call does not decrement it), and later calls read remaining and write
// remaining-1 with a conditional UPDATE ... IF remaining = <value read>,
// retrying when a concurrent IDENTIFY changed it first, so two callers
// can never both take the last slot.
func (a *ScyllaAdapter) SessionLimitDec(ctx context.Context, userID uint64) (bool, error) {
	applied, err := a.session.Query(
		`INSERT INTO gateway_session_limit (user_id, remaining, total) VALUES (?, ?, ?) IF NOT EXISTS USING TTL ?`,
		userID, a.defaultQuota, a.defaultQuota, int(a.quotaTTL.Seconds()),
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("store: session_limit_dec create %d: %w", userID, err)
	}
	if applied {
		return a.defaultQuota > 0, nil
	}

	var remaining int
	if err := a.session.Query(`SELECT remaining FROM gateway_session_limit WHERE user_id = ?`, userID).
		WithContext(ctx).Scan(&remaining); err != nil {
		return false, fmt.Errorf("store: session_limit_dec read %d: %w", userID, err)
	}
	if remaining <= 0 {
		return false, nil
	}

	applied, err = a.session.Query(
		`UPDATE gateway_session_limit USING TTL ? SET remaining = ? WHERE user_id = ? IF remaining = ?`,
		int(a.quotaTTL.Seconds()), remaining-1, userID, remaining,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("store: session_limit_dec decrement %d: %w", userID, err)
	}
	if !applied {
		// remaining changed since it was read; read it again.
		return a.SessionLimitDec(ctx, userID)
	}
	return true, nil
}

func (a *ScyllaAdapter) PresenceUpsert(ctx context.Context, userID uint64, status, client string) error {
	if err := a.session.Query(
		`UPDATE presences SET status = ?, client = ?, updated_at = ? WHERE user_id = ?`,
		status, client, time.Now(), userID,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("store: presence_upsert %d: %w", userID, err)
	}
	return nil
}

// PresenceMarkInvisible sets a user's presence to invisible on
// disconnect, unless their stored settings already prefer invisible (in
// which case it is left unchanged, matching the original's idempotent
// delete_presence behavior).
func (a *ScyllaAdapter) PresenceMarkInvisible(ctx context.Context, userID uint64) error {
	settings, err := a.Settings(ctx, userID)
	if err != nil {
		return err
	}
	if settings.Status == "invisible" {
		return nil
	}
	return a.PresenceUpsert(ctx, userID, "invisible", "")
}
