package discord

import (
	"github.com/disgoorg/json"
)

// Gateway opcodes. Only dispatch is processed here; the connection layer owns
// the rest.
const (
	OpDispatch = 0
)

// Envelope is one raw message from the gateway connection.
type Envelope struct {
	Op int             `json:"op"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Dispatch event names handled by the state engine.
const (
	EventReady                    = "READY"
	EventResumed                  = "RESUMED"
	EventGuildCreate              = "GUILD_CREATE"
	EventGuildUpdate              = "GUILD_UPDATE"
	EventGuildDelete              = "GUILD_DELETE"
	EventGuildBanAdd              = "GUILD_BAN_ADD"
	EventGuildBanRemove           = "GUILD_BAN_REMOVE"
	EventGuildMemberAdd           = "GUILD_MEMBER_ADD"
	EventGuildMemberUpdate        = "GUILD_MEMBER_UPDATE"
	EventGuildMemberRemove        = "GUILD_MEMBER_REMOVE"
	EventGuildMembersChunk        = "GUILD_MEMBERS_CHUNK"
	EventGuildRoleCreate          = "GUILD_ROLE_CREATE"
	EventGuildRoleUpdate          = "GUILD_ROLE_UPDATE"
	EventGuildRoleDelete          = "GUILD_ROLE_DELETE"
	EventChannelCreate            = "CHANNEL_CREATE"
	EventChannelUpdate            = "CHANNEL_UPDATE"
	EventChannelDelete            = "CHANNEL_DELETE"
	EventChannelRecipientAdd      = "CHANNEL_RECIPIENT_ADD"
	EventChannelRecipientRemove   = "CHANNEL_RECIPIENT_REMOVE"
	EventMessageCreate            = "MESSAGE_CREATE"
	EventMessageUpdate            = "MESSAGE_UPDATE"
	EventMessageDelete            = "MESSAGE_DELETE"
	EventMessageDeleteBulk        = "MESSAGE_DELETE_BULK"
	EventMessageReactionAdd       = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove    = "MESSAGE_REACTION_REMOVE"
	EventMessageReactionRemoveAll = "MESSAGE_REACTION_REMOVE_ALL"
	EventPresenceUpdate           = "PRESENCE_UPDATE"
	EventTypingStart              = "TYPING_START"
	EventUserUpdate               = "USER_UPDATE"
	EventVoiceStateUpdate         = "VOICE_STATE_UPDATE"
	EventRelationshipAdd          = "RELATIONSHIP_ADD"
	EventRelationshipRemove       = "RELATIONSHIP_REMOVE"
)
