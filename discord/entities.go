package discord

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Entities hold back-references by snowflake only; they are resolved against
// the owning client context's stores at access time. Fields tagged json are
// filled by the generic assignment step of Merge, `json:"-"` fields by a
// per-field transform.

type User struct {
	ID            snowflake.ID `json:"-"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	Avatar        string       `json:"avatar"`
	Bot           bool         `json:"bot"`
	System        bool         `json:"system"`
}

type Guild struct {
	ID                       snowflake.ID `json:"-"`
	Name                     string       `json:"name"`
	Icon                     string       `json:"icon"`
	OwnerID                  snowflake.ID `json:"-"`
	JoinedAt                 time.Time    `json:"-"`
	Large                    bool         `json:"large"`
	Unavailable              bool         `json:"unavailable"`
	MemberCount              int          `json:"member_count"`
	PremiumSubscriptionCount int          `json:"premium_subscription_count"`
	PreferredLocale          string       `json:"preferred_locale"`
	Description              string       `json:"description"`
}

// DefaultRoleID is the id of the implicit everyone role.
func (g *Guild) DefaultRoleID() snowflake.ID {
	return g.ID
}

type Role struct {
	ID          snowflake.ID `json:"-"`
	GuildID     snowflake.ID `json:"-"`
	Name        string       `json:"name"`
	Color       int          `json:"color"`
	Position    int          `json:"position"`
	Permissions int64        `json:"-"`
	Hoist       bool         `json:"hoist"`
	Managed     bool         `json:"managed"`
	Mentionable bool         `json:"mentionable"`
}

type Member struct {
	GuildID      snowflake.ID   `json:"-"`
	User         *User          `json:"-"`
	Nick         string         `json:"nick"`
	RoleIDs      []snowflake.ID `json:"-"`
	JoinedAt     time.Time      `json:"-"`
	PremiumSince *time.Time     `json:"-"`
	Deaf         bool           `json:"deaf"`
	Mute         bool           `json:"mute"`
	Pending      bool           `json:"pending"`
}

func (m *Member) ID() snowflake.ID {
	return m.User.ID
}

// HasRole reports role membership. The guild's default role is implicit for
// every member even when the cached role list is empty.
func (m *Member) HasRole(roleID snowflake.ID) bool {
	if roleID == m.GuildID {
		return true
	}
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

const (
	ChannelTypeGuildText  = 0
	ChannelTypeDM         = 1
	ChannelTypeGuildVoice = 2
	ChannelTypeGroupDM    = 3
	ChannelTypeCategory   = 4
)

const (
	OverwriteTypeRole   = 0
	OverwriteTypeMember = 1
)

type PermissionOverwrite struct {
	ID    snowflake.ID
	Type  int
	Allow int64
	Deny  int64
}

type Channel struct {
	ID            snowflake.ID `json:"-"`
	GuildID       snowflake.ID `json:"-"` // zero for DM channels
	Type          int          `json:"type"`
	Name          string       `json:"name"`
	Topic         string       `json:"topic"`
	Position      int          `json:"position"`
	NSFW          bool         `json:"nsfw"`
	ParentID      snowflake.ID `json:"-"`
	LastMessageID snowflake.ID `json:"-"`

	// PermissionOverwrites is keyed by role id, user id, or the guild id
	// itself for the everyone overwrite.
	PermissionOverwrites map[snowflake.ID]PermissionOverwrite `json:"-"`

	// Recipients is only populated for DM and group DM channels.
	Recipients []snowflake.ID `json:"-"`
}

func (c *Channel) IsDM() bool {
	return c.Type == ChannelTypeDM || c.Type == ChannelTypeGroupDM
}

type Presence struct {
	UserID snowflake.ID `json:"-"`
	Status string       `json:"status"`

	// GuildIDs tracks which guilds this presence is attached to. A presence
	// with no attached guilds is evicted.
	GuildIDs map[snowflake.ID]struct{} `json:"-"`
}

type VoiceState struct {
	GuildID   snowflake.ID `json:"-"`
	UserID    snowflake.ID `json:"-"`
	ChannelID snowflake.ID `json:"-"` // zero means the user left
	SessionID string       `json:"session_id"`
	Deaf      bool         `json:"deaf"`
	Mute      bool         `json:"mute"`
	SelfDeaf  bool         `json:"self_deaf"`
	SelfMute  bool         `json:"self_mute"`
	Suppress  bool         `json:"suppress"`
}

type Reaction struct {
	Count int
	Me    bool
}

type Message struct {
	ID              snowflake.ID `json:"-"`
	ChannelID       snowflake.ID `json:"-"`
	GuildID         snowflake.ID `json:"-"`
	Author          *User        `json:"-"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"-"`
	EditedTimestamp *time.Time   `json:"-"`
	Pinned          bool         `json:"pinned"`
	TTS             bool         `json:"tts"`
	MentionEveryone bool         `json:"mention_everyone"`

	// Reactions is lazily allocated on the first reaction and torn back down
	// to nil when the last one is removed.
	Reactions map[string]*Reaction `json:"-"`
}

const (
	RelationshipTypeFriend   = 1
	RelationshipTypeBlocked  = 2
	RelationshipTypeIncoming = 3
	RelationshipTypeOutgoing = 4
)

type Relationship struct {
	User *User `json:"-"`
	Type int   `json:"type"`
}
