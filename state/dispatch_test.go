package state

import (
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/discord"
)

// fakeTransport records member requests instead of hitting a gateway.
type fakeTransport struct {
	mu       sync.Mutex
	requests [][]snowflake.ID
	err      error
}

func (f *fakeTransport) RequestGuildMembers(_ context.Context, guildIDs []snowflake.ID, _ discord.RequestGuildMembersOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, guildIDs)
	return nil
}

func (f *fakeTransport) FetchApplication(context.Context) (*discord.Application, error) {
	return &discord.Application{ID: "900", Name: "test app"}, nil
}

func (f *fakeTransport) Request(context.Context, string, string, any) (json.RawMessage, error) {
	return nil, nil
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = 10 * time.Millisecond
	}
	return New(cfg, &fakeTransport{})
}

func dispatch(c *Client, event, payload string) {
	c.HandleDispatch(event, json.RawMessage(payload))
}

func TestReadyResetsAndSeeds(t *testing.T) {
	c := newTestClient(t, Config{})
	c.Users.Put(999, &discord.User{ID: 999})

	dispatch(c, discord.EventReady, `{
		"session_id": "abc",
		"user": {"id": "1", "username": "self"},
		"application": {"id": "900"},
		"guilds": [{"id": "10", "name": "guild", "member_count": 1,
			"roles": [{"id": "10", "name": "@everyone"}],
			"channels": [{"id": "50", "type": 0, "name": "general"}],
			"members": [{"user": {"id": "2", "username": "moe"}}]}],
		"private_channels": [{"id": "60", "type": 1, "recipients": [{"id": "3"}]}],
		"relationships": [{"id": "3", "type": 1, "user": {"id": "3"}}],
		"presences": [{"user_id": "2", "status": "online", "guild_id": "10"}]
	}`)

	assert.Equal(t, "abc", c.SessionID)
	assert.Equal(t, snowflake.ID(1), c.SelfID)
	assert.False(t, c.Users.Has(999), "pre-ready state is stale")

	g, ok := c.Guilds.Get(10)
	require.True(t, ok)
	assert.Equal(t, "guild", g.Name)
	assert.True(t, c.Roles.Has(10, 10))
	assert.True(t, c.Channels.Has(50))
	assert.True(t, c.Members.Has(10, 2))
	assert.True(t, c.Relationships.Has(3))
	assert.True(t, c.Presences.Has(2))

	ch, _ := c.Channels.Get(50)
	assert.Equal(t, snowflake.ID(10), ch.GuildID, "nested channels inherit the guild id")
}

func TestReadyNeverFilterable(t *testing.T) {
	c := newTestClient(t, Config{DisabledEvents: []string{discord.EventReady, discord.EventMessageCreate}})

	var got []string
	c.On(EventReady, func(e Event) { got = append(got, e.Name) })
	c.On(EventMessageCreate, func(e Event) { got = append(got, e.Name) })

	dispatch(c, discord.EventReady, `{"session_id": "abc", "user": {"id": "1"}}`)
	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50"}`)

	assert.Equal(t, []string{EventReady}, got)
	assert.False(t, c.Messages.Has(50, 70), "disabled events are dropped before their handler")
}

func TestUnknownEventEmitsNotification(t *testing.T) {
	c := newTestClient(t, Config{})
	var unknown []UnknownEvent
	c.On(EventUnknown, func(e Event) { unknown = append(unknown, e.Data.(UnknownEvent)) })

	dispatch(c, "SOME_FUTURE_EVENT", `{"anything": true}`)

	require.Len(t, unknown, 1)
	assert.Equal(t, "SOME_FUTURE_EVENT", unknown[0].Name)
}

func TestHandlerPanicBecomesWarn(t *testing.T) {
	c := newTestClient(t, Config{})
	var warns []Warn
	c.On(EventWarn, func(e Event) { warns = append(warns, e.Data.(Warn)) })

	dispatch(c, discord.EventGuildCreate, `not json at all`)

	require.Len(t, warns, 1)
	assert.Equal(t, discord.EventGuildCreate, warns[0].Event)

	// the router keeps routing afterwards
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "name": "guild"}`)
	assert.True(t, c.Guilds.Has(10))
}

func TestMemberAddIncrementsCount(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "member_count": 5}`)

	dispatch(c, discord.EventGuildMemberAdd, `{"guild_id": "10", "user": {"id": "2", "username": "moe"}}`)

	g, _ := c.Guilds.Get(10)
	assert.Equal(t, 6, g.MemberCount)
	assert.True(t, c.Members.Has(10, 2))
	assert.True(t, c.Users.Has(2))
}

func TestMemberAddCountsWithDisabledMemberStore(t *testing.T) {
	c := newTestClient(t, Config{DisabledStores: []string{StoreMembers}})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "member_count": 5}`)

	dispatch(c, discord.EventGuildMemberAdd, `{"guild_id": "10", "user": {"id": "2"}}`)
	dispatch(c, discord.EventGuildMemberRemove, `{"guild_id": "10", "user": {"id": "2"}}`)

	g, _ := c.Guilds.Get(10)
	assert.Equal(t, 5, g.MemberCount, "counter moves per event, not per cache hit")
	assert.False(t, c.Members.Has(10, 2))
}

func TestMemberBoostTransitions(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "premium_subscription_count": 1}`)

	dispatch(c, discord.EventGuildMemberAdd, `{"guild_id": "10", "user": {"id": "2"}}`)
	g, _ := c.Guilds.Get(10)
	assert.Equal(t, 1, g.PremiumSubscriptionCount)

	dispatch(c, discord.EventGuildMemberUpdate, `{"guild_id": "10", "user": {"id": "2"}, "premium_since": "2024-01-01T00:00:00Z"}`)
	g, _ = c.Guilds.Get(10)
	assert.Equal(t, 2, g.PremiumSubscriptionCount)

	// same boost state again must not double count
	dispatch(c, discord.EventGuildMemberUpdate, `{"guild_id": "10", "user": {"id": "2"}, "premium_since": "2024-01-01T00:00:00Z"}`)
	g, _ = c.Guilds.Get(10)
	assert.Equal(t, 2, g.PremiumSubscriptionCount)

	dispatch(c, discord.EventGuildMemberRemove, `{"guild_id": "10", "user": {"id": "2"}}`)
	g, _ = c.Guilds.Get(10)
	assert.Equal(t, 1, g.PremiumSubscriptionCount)
}

func TestRoleDeleteSweepsMembers(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10",
		"roles": [{"id": "100", "name": "mods"}],
		"members": [{"user": {"id": "2"}, "roles": ["100"]}]}`)
	dispatch(c, discord.EventGuildMemberAdd, `{"guild_id": "10", "user": {"id": "3"}, "roles": ["100"]}`)

	dispatch(c, discord.EventGuildRoleDelete, `{"guild_id": "10", "role_id": "100"}`)

	assert.False(t, c.Roles.Has(10, 100))
	for _, userID := range []snowflake.ID{2, 3} {
		m, ok := c.Members.Get(10, userID)
		require.True(t, ok)
		assert.Empty(t, m.RoleIDs, "deleted role must be swept from every member")
	}
}

func TestGuildDeleteCascade(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventReady, `{"session_id": "abc", "user": {"id": "1"}}`)
	dispatch(c, discord.EventGuildCreate, `{"id": "10",
		"roles": [{"id": "10"}],
		"channels": [{"id": "50", "type": 0}],
		"members": [{"user": {"id": "2"}}, {"user": {"id": "3"}}],
		"voice_states": [{"user_id": "2", "channel_id": "50", "session_id": "s"}],
		"presences": [{"user_id": "2", "status": "online"}]}`)
	dispatch(c, discord.EventGuildCreate, `{"id": "20", "members": [{"user": {"id": "3"}}]}`)
	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50", "guild_id": "10", "author": {"id": "2"}}`)

	dispatch(c, discord.EventGuildDelete, `{"id": "10"}`)

	assert.False(t, c.Guilds.Has(10))
	assert.Equal(t, 0, c.Members.GroupLen(10))
	assert.Equal(t, 0, c.Roles.GroupLen(10))
	assert.Equal(t, 0, c.VoiceStates.GroupLen(10))
	assert.False(t, c.Channels.Has(50))
	assert.False(t, c.Messages.Has(50, 70))
	assert.False(t, c.Presences.Has(2), "presence with no remaining guild is evicted")

	assert.False(t, c.Users.Has(2), "user referenced only by the deleted guild is pruned")
	assert.True(t, c.Users.Has(3), "user shared with another guild survives")
}

func TestGuildUnavailableMarksInsteadOfDeleting(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "members": [{"user": {"id": "2"}}]}`)

	var events []string
	c.On(EventGuildUnavailable, func(e Event) { events = append(events, e.Name) })
	c.On(EventGuildAvailable, func(e Event) { events = append(events, e.Name) })

	dispatch(c, discord.EventGuildDelete, `{"id": "10", "unavailable": true}`)
	g, ok := c.Guilds.Get(10)
	require.True(t, ok)
	assert.True(t, g.Unavailable)
	assert.True(t, c.Members.Has(10, 2), "outage keeps the cache intact")

	dispatch(c, discord.EventGuildCreate, `{"id": "10"}`)
	g, _ = c.Guilds.Get(10)
	assert.False(t, g.Unavailable)
	assert.Equal(t, []string{EventGuildUnavailable, EventGuildAvailable}, events)
}

func TestDiffOnlyComputedWithListeners(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "name": "before"}`)

	var olds []map[string]any
	dispatch(c, discord.EventGuildUpdate, `{"id": "10", "name": "mid"}`)

	c.On(EventGuildUpdate, func(e Event) { olds = append(olds, e.Old) })
	dispatch(c, discord.EventGuildUpdate, `{"id": "10", "name": "after"}`)

	require.Len(t, olds, 1)
	assert.Equal(t, "mid", olds[0]["name"])
}

func TestMessageCreateUpdatesChannelAndTyping(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventChannelCreate, `{"id": "50", "type": 0}`)
	dispatch(c, discord.EventTypingStart, `{"channel_id": "50", "user_id": "2"}`)
	require.True(t, c.Typing(50, 2))

	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50", "author": {"id": "2"}, "content": "hi"}`)

	ch, _ := c.Channels.Get(50)
	assert.Equal(t, snowflake.ID(70), ch.LastMessageID)
	assert.False(t, c.Typing(50, 2), "a message ends the typing indicator")

	msg, ok := c.Messages.Get(50, 70)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Content)
}

func TestMessageDeleteBulk(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50"}`)
	dispatch(c, discord.EventMessageCreate, `{"id": "71", "channel_id": "50"}`)

	var deleted []*discord.Message
	c.On(EventMessageDeleteBulk, func(e Event) { deleted = e.Data.([]*discord.Message) })

	dispatch(c, discord.EventMessageDeleteBulk, `{"channel_id": "50", "ids": ["70", "71", "72"]}`)

	assert.Equal(t, 0, c.Messages.GroupLen(50))
	require.Len(t, deleted, 3, "uncached ids still produce skeleton entries")
}

func TestMessagesPerGuildMode(t *testing.T) {
	c := newTestClient(t, Config{MessageCacheMode: MessagesPerGuild})
	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50", "guild_id": "10"}`)
	assert.True(t, c.Messages.Has(10, 70))

	// DMs have no guild, fall back to the channel key
	dispatch(c, discord.EventMessageCreate, `{"id": "71", "channel_id": "60"}`)
	assert.True(t, c.Messages.Has(60, 71))
}

func TestMessageUpdateInsertsUncached(t *testing.T) {
	c := newTestClient(t, Config{})

	// an edit for a message created before this session still gets cached
	dispatch(c, discord.EventMessageUpdate, `{"id": "70", "channel_id": "50", "guild_id": "10", "author": {"id": "2"}, "content": "edited"}`)

	msg, ok := c.Messages.Get(50, 70)
	require.True(t, ok)
	assert.Equal(t, "edited", msg.Content)

	// the next edit merges into the now-cached entry
	dispatch(c, discord.EventMessageUpdate, `{"id": "70", "channel_id": "50", "content": "edited again"}`)
	msg, _ = c.Messages.Get(50, 70)
	assert.Equal(t, "edited again", msg.Content)
}

func TestMessageUpdateInsertsPerUser(t *testing.T) {
	c := newTestClient(t, Config{MessageCacheMode: MessagesPerUser})

	dispatch(c, discord.EventMessageUpdate, `{"id": "70", "channel_id": "50", "author": {"id": "2"}, "content": "edited"}`)
	assert.True(t, c.Messages.Has(2, 70))

	// a partial without the author falls back to the channel key
	dispatch(c, discord.EventMessageUpdate, `{"id": "71", "channel_id": "50", "content": "partial"}`)
	msg, ok := c.Messages.Get(50, 71)
	require.True(t, ok)
	assert.Equal(t, "partial", msg.Content)
}

func TestReadyFetchesApplicationID(t *testing.T) {
	c := newTestClient(t, Config{})

	// no application in the payload, the post-ready fetch fills it in
	dispatch(c, discord.EventReady, `{"session_id": "abc", "user": {"id": "1"}}`)

	waitFor(t, func() bool { return c.ApplicationID() == snowflake.ID(900) })
}

func TestReactionLifecycle(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventReady, `{"session_id": "abc", "user": {"id": "1"}}`)
	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50"}`)

	dispatch(c, discord.EventMessageReactionAdd, `{"message_id": "70", "channel_id": "50", "user_id": "2", "emoji": {"name": "x"}}`)
	dispatch(c, discord.EventMessageReactionAdd, `{"message_id": "70", "channel_id": "50", "user_id": "1", "emoji": {"name": "x"}}`)

	msg, _ := c.Messages.Get(50, 70)
	require.Contains(t, msg.Reactions, "x")
	assert.Equal(t, 2, msg.Reactions["x"].Count)
	assert.True(t, msg.Reactions["x"].Me, "self reaction sets Me")

	dispatch(c, discord.EventMessageReactionRemove, `{"message_id": "70", "channel_id": "50", "user_id": "1", "emoji": {"name": "x"}}`)
	assert.Equal(t, 1, msg.Reactions["x"].Count)
	assert.False(t, msg.Reactions["x"].Me)

	dispatch(c, discord.EventMessageReactionRemove, `{"message_id": "70", "channel_id": "50", "user_id": "2", "emoji": {"name": "x"}}`)
	assert.Nil(t, msg.Reactions, "empty reaction map is torn down")

	// over-delivered remove must not go negative or re-create the map
	dispatch(c, discord.EventMessageReactionRemove, `{"message_id": "70", "channel_id": "50", "user_id": "2", "emoji": {"name": "x"}}`)
	assert.Nil(t, msg.Reactions)
}

func TestCustomEmojiReactionKey(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventMessageCreate, `{"id": "70", "channel_id": "50"}`)
	dispatch(c, discord.EventMessageReactionAdd, `{"message_id": "70", "channel_id": "50", "user_id": "2", "emoji": {"name": "pog", "id": "500"}}`)

	msg, _ := c.Messages.Get(50, 70)
	require.Contains(t, msg.Reactions, "pog:500")
}

func TestVoiceStateNullChannelDeletes(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventVoiceStateUpdate, `{"guild_id": "10", "user_id": "2", "channel_id": "50", "session_id": "s"}`)
	require.True(t, c.VoiceStates.Has(10, 2))

	dispatch(c, discord.EventVoiceStateUpdate, `{"guild_id": "10", "user_id": "2", "channel_id": null}`)
	assert.False(t, c.VoiceStates.Has(10, 2))
}

func TestRelationshipKeepsUserAlive(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "members": [{"user": {"id": "2"}}]}`)
	dispatch(c, discord.EventRelationshipAdd, `{"id": "2", "type": 1, "user": {"id": "2"}}`)

	dispatch(c, discord.EventGuildDelete, `{"id": "10"}`)
	assert.True(t, c.Users.Has(2), "a relationship pins the user")

	dispatch(c, discord.EventRelationshipRemove, `{"id": "2"}`)
	assert.False(t, c.Users.Has(2))
}

func TestChannelRecipients(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventChannelCreate, `{"id": "60", "type": 3}`)
	dispatch(c, discord.EventChannelRecipientAdd, `{"channel_id": "60", "user": {"id": "2"}}`)

	ch, _ := c.Channels.Get(60)
	assert.Equal(t, []snowflake.ID{2}, ch.Recipients)
	assert.True(t, c.Users.Has(2), "a DM recipient pins the user")

	dispatch(c, discord.EventChannelRecipientRemove, `{"channel_id": "60", "user": {"id": "2"}}`)
	ch, _ = c.Channels.Get(60)
	assert.Empty(t, ch.Recipients)
	assert.False(t, c.Users.Has(2))
}

func TestUserUpdateDiff(t *testing.T) {
	c := newTestClient(t, Config{})
	dispatch(c, discord.EventGuildCreate, `{"id": "10", "members": [{"user": {"id": "2", "username": "before"}}]}`)

	var old map[string]any
	c.On(EventUserUpdate, func(e Event) { old = e.Old })
	dispatch(c, discord.EventUserUpdate, `{"id": "2", "username": "after"}`)

	require.NotNil(t, old)
	assert.Equal(t, "before", old["username"])

	m, _ := c.Members.Get(10, 2)
	assert.Equal(t, "after", m.User.Username, "member shares the user object")
}
