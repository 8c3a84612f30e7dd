// Package store exposes the read-only projections the gateway needs to
// build a Ready snapshot and to track session/presence bookkeeping. The
// backing schema (ScyllaDB/Cassandra tables such as users, guilds,
// members, presences) is a given; this package only defines and
// implements the selectors the gateway calls against it.
package store

import "context"

// User is the subset of a platform user needed for a Ready snapshot and
// presence bookkeeping.
type User struct {
	ID       uint64
	Username string
	Discriminator string
	AvatarHash string
	Flags    int64
	PasswordHash []byte
}

// Guild is a joined guild's projection.
type Guild struct {
	ID       uint64
	Name     string
	OwnerID  uint64
	IconHash string
}

// Channel is a guild or DM channel projection.
type Channel struct {
	ID            uint64
	GuildID       uint64
	Type          int
	Name          string
	LastMessageID uint64
	OwnerID       uint64
	IconHash      string
	RecipientIDs  []uint64
}

// Role is a guild role projection.
type Role struct {
	ID          uint64
	GuildID     uint64
	Name        string
	Permissions uint64
	Position    int
}

// Relationship is a friend/block relationship with the embedded user's
// sensitive fields redacted.
type Relationship struct {
	Type uint8
	User User
}

// Presence is a user's current online status and activity list.
type Presence struct {
	UserID     uint64
	Status     string
	Activities []Activity
}

// Activity is a single rich-presence entry.
type Activity struct {
	Name string
	Type int
}

// ReadState tracks a user's last-read message per channel.
type ReadState struct {
	ChannelID     uint64
	LastMessageID uint64
	MentionCount  int
}

// Settings are a user's client settings with mfa_code redacted.
type Settings struct {
	Status         string
	Theme          string
	InvisibleOnIdle bool
}

// Adapter is the read-only selector surface the gateway uses while
// composing a Ready snapshot and handling IDENTIFY. Every method may
// block on network I/O. internal/session makes its IDENTIFY-time calls
// through its worker pool, which bounds how many run at once; they still
// run on the connection's own goroutine.
type Adapter interface {
	UserByID(ctx context.Context, userID uint64) (*User, error)
	UserPasswordHash(ctx context.Context, userID uint64) ([]byte, bool, error)

	JoinedGuildIDs(ctx context.Context, userID uint64) ([]uint64, error)

	Guild(ctx context.Context, guildID uint64) (*Guild, error)
	GuildChannels(ctx context.Context, guildID uint64) ([]Channel, error)
	GuildRoles(ctx context.Context, guildID uint64) ([]Role, error)
	GuildFeatures(ctx context.Context, guildID uint64) ([]string, error)

	Relationships(ctx context.Context, userID uint64) ([]Relationship, error)

	Presence(ctx context.Context, userID uint64) (*Presence, error)
	Activities(ctx context.Context, userID uint64) ([]Activity, error)

	ReadStates(ctx context.Context, userID uint64) ([]ReadState, error)
	Settings(ctx context.Context, userID uint64) (*Settings, error)

	// UserDMChannels returns direct channels and group-DM channels separately.
	UserDMChannels(ctx context.Context, userID uint64) (direct []Channel, grouped []Channel, err error)

	// SessionLimitDec atomically decrements the user's remaining gateway
	// session quota, creating a record with the default quota on first
	// use. It returns false when the quota was already exhausted.
	SessionLimitDec(ctx context.Context, userID uint64) (bool, error)

	PresenceUpsert(ctx context.Context, userID uint64, status, client string) error
	PresenceMarkInvisible(ctx context.Context, userID uint64) error
}
