package state

import (
	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"

	"github.com/fuad-daoud/discord-cluster/discord"
)

// Domain events emitted to subscribers after a dispatch handler ran.
const (
	EventReady                    = "ready"
	EventResumed                  = "resumed"
	EventGuildCreate              = "guildCreate"
	EventGuildUpdate              = "guildUpdate"
	EventGuildDelete              = "guildDelete"
	EventGuildAvailable           = "guildAvailable"
	EventGuildUnavailable         = "guildUnavailable"
	EventGuildBanAdd              = "guildBanAdd"
	EventGuildBanRemove           = "guildBanRemove"
	EventGuildMemberAdd           = "guildMemberAdd"
	EventGuildMemberUpdate        = "guildMemberUpdate"
	EventGuildMemberRemove        = "guildMemberRemove"
	EventGuildMemberChunk         = "guildMemberChunk"
	EventGuildRoleCreate          = "guildRoleCreate"
	EventGuildRoleUpdate          = "guildRoleUpdate"
	EventGuildRoleDelete          = "guildRoleDelete"
	EventChannelCreate            = "channelCreate"
	EventChannelUpdate            = "channelUpdate"
	EventChannelDelete            = "channelDelete"
	EventChannelRecipientAdd      = "channelRecipientAdd"
	EventChannelRecipientRemove   = "channelRecipientRemove"
	EventMessageCreate            = "messageCreate"
	EventMessageUpdate            = "messageUpdate"
	EventMessageDelete            = "messageDelete"
	EventMessageDeleteBulk        = "messageDeleteBulk"
	EventMessageReactionAdd       = "messageReactionAdd"
	EventMessageReactionRemove    = "messageReactionRemove"
	EventMessageReactionRemoveAll = "messageReactionRemoveAll"
	EventPresenceUpdate           = "presenceUpdate"
	EventTypingStart              = "typingStart"
	EventUserUpdate               = "userUpdate"
	EventVoiceStateUpdate         = "voiceStateUpdate"
	EventRelationshipAdd          = "relationshipAdd"
	EventRelationshipRemove       = "relationshipRemove"

	// EventUnknown fires for envelopes whose event name has no handler.
	EventUnknown = "unknown"

	// EventWarn carries handler failures; nothing in the dispatch path ever
	// throws out to the embedding application.
	EventWarn = "warn"
)

// Event is the notification delivered to subscribers.
type Event struct {
	Name    string
	ShardID int

	// Data holds the entity or payload the event is about.
	Data any

	// Old holds the pre-merge values for keys the update changed. It is only
	// computed when a listener for the event is registered; nil otherwise or
	// when nothing changed.
	Old map[string]any
}

// Listener receives domain events. Listeners run synchronously on the shard's
// dispatch loop.
type Listener func(e Event)

// RawListener fires for every envelope before filtering and dispatch.
type RawListener func(t string, d json.RawMessage)

// Warn is the payload of EventWarn.
type Warn struct {
	Event   string
	Message string
	Err     error
}

// UnknownEvent is the payload of EventUnknown.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

// BanEvent is the payload of the guild ban events.
type BanEvent struct {
	GuildID snowflake.ID
	User    *discord.User
}

// RecipientEvent is the payload of the DM recipient events.
type RecipientEvent struct {
	ChannelID snowflake.ID
	User      *discord.User
}

// TypingEvent is the payload of EventTypingStart.
type TypingEvent struct {
	ChannelID snowflake.ID
	GuildID   snowflake.ID
	UserID    snowflake.ID
}

// ReactionEvent is the payload of the reaction events. Message is nil when
// the message was not cached.
type ReactionEvent struct {
	MessageID snowflake.ID
	ChannelID snowflake.ID
	GuildID   snowflake.ID
	UserID    snowflake.ID
	Emoji     string
	Message   *discord.Message
}
