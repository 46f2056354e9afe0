package state

import (
	"time"

	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/discord"
)

// MessageCacheMode selects the outer key messages are cached under.
type MessageCacheMode int

const (
	MessagesPerChannel MessageCacheMode = iota
	MessagesPerGuild
	MessagesPerUser
)

// Store names accepted in Config.DisabledStores.
const (
	StoreUsers         = "users"
	StoreGuilds        = "guilds"
	StoreChannels      = "channels"
	StoreRoles         = "roles"
	StoreMembers       = "members"
	StoreVoiceStates   = "voiceStates"
	StorePresences     = "presences"
	StoreRelationships = "relationships"
	StoreMessages      = "messages"
)

// Config is read once when the client context is built, immutable after.
type Config struct {
	ShardID int

	MessageCacheMode MessageCacheMode

	// SeedMembers requests full member lists for guilds whose cached member
	// count disagrees with the announced one.
	SeedMembers bool

	// ChunkDelay is the member-chunk debounce window. Zero means the default
	// of two seconds.
	ChunkDelay time.Duration

	// DisabledStores lists stores replaced by the no-op variant.
	DisabledStores []string

	// DisabledEvents lists dispatch event names dropped by the router. READY
	// can never be disabled.
	DisabledEvents []string
}

func (c Config) storeEnabled(name string) bool {
	for _, n := range c.DisabledStores {
		if n == name {
			return false
		}
	}
	return true
}

// Transport is the outbound collaborator consumed by dispatch handlers. The
// connection and REST layers implement it; the state engine never opens a
// socket itself.
type Transport interface {
	RequestGuildMembers(ctx context.Context, guildIDs []snowflake.ID, opts discord.RequestGuildMembersOptions) error
	FetchApplication(ctx context.Context) (*discord.Application, error)
	Request(ctx context.Context, method, route string, body any) (json.RawMessage, error)
}
