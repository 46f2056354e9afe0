package state

import (
	"fmt"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/discord"
)

// buildHandlers wires the fixed event-name → handler table. Dispatch is one
// map lookup; the table never changes after construction.
func (c *Client) buildHandlers() map[string]func(d json.RawMessage) {
	return map[string]func(d json.RawMessage){
		discord.EventReady:                    c.handleReady,
		discord.EventResumed:                  c.handleResumed,
		discord.EventGuildCreate:              c.handleGuildCreate,
		discord.EventGuildUpdate:              c.handleGuildUpdate,
		discord.EventGuildDelete:              c.handleGuildDelete,
		discord.EventGuildBanAdd:              c.handleGuildBanAdd,
		discord.EventGuildBanRemove:           c.handleGuildBanRemove,
		discord.EventGuildMemberAdd:           c.handleGuildMemberAdd,
		discord.EventGuildMemberUpdate:        c.handleGuildMemberUpdate,
		discord.EventGuildMemberRemove:        c.handleGuildMemberRemove,
		discord.EventGuildMembersChunk:        c.handleGuildMembersChunk,
		discord.EventGuildRoleCreate:          c.handleGuildRoleCreate,
		discord.EventGuildRoleUpdate:          c.handleGuildRoleUpdate,
		discord.EventGuildRoleDelete:          c.handleGuildRoleDelete,
		discord.EventChannelCreate:            c.handleChannelCreate,
		discord.EventChannelUpdate:            c.handleChannelUpdate,
		discord.EventChannelDelete:            c.handleChannelDelete,
		discord.EventChannelRecipientAdd:      c.handleChannelRecipientAdd,
		discord.EventChannelRecipientRemove:   c.handleChannelRecipientRemove,
		discord.EventMessageCreate:            c.handleMessageCreate,
		discord.EventMessageUpdate:            c.handleMessageUpdate,
		discord.EventMessageDelete:            c.handleMessageDelete,
		discord.EventMessageDeleteBulk:        c.handleMessageDeleteBulk,
		discord.EventMessageReactionAdd:       c.handleMessageReactionAdd,
		discord.EventMessageReactionRemove:    c.handleMessageReactionRemove,
		discord.EventMessageReactionRemoveAll: c.handleMessageReactionRemoveAll,
		discord.EventPresenceUpdate:           c.handlePresenceUpdate,
		discord.EventTypingStart:              c.handleTypingStart,
		discord.EventUserUpdate:               c.handleUserUpdate,
		discord.EventVoiceStateUpdate:         c.handleVoiceStateUpdate,
		discord.EventRelationshipAdd:          c.handleRelationshipAdd,
		discord.EventRelationshipRemove:       c.handleRelationshipRemove,
	}
}

func decodeMap(d json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(d, &m); err != nil {
		panic(fmt.Errorf("dispatch: bad payload: %w", err))
	}
	return m
}

func memberUserID(data map[string]any) snowflake.ID {
	if user, ok := data["user"].(map[string]any); ok {
		return discord.ParseID(user["id"])
	}
	return 0
}

func removeID(ids []snowflake.ID, id snowflake.ID) []snowflake.ID {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// ---- session ----

func (c *Client) handleReady(d json.RawMessage) {
	var p discord.Ready
	if err := json.Unmarshal(d, &p); err != nil {
		panic(fmt.Errorf("dispatch: bad ready payload: %w", err))
	}

	// ready is the authoritative snapshot: everything cached before it is
	// stale.
	c.reset()

	c.SessionID = p.SessionID
	if u := c.UpsertUser(p.User); u != nil {
		c.SelfID = u.ID
	}
	if id, err := snowflake.Parse(p.Application.ID); err == nil {
		c.setApplicationID(id)
	}

	for _, g := range p.Guilds {
		c.upsertGuild(g)
	}
	for _, ch := range p.PrivateChannels {
		c.upsertChannel(ch)
	}
	for _, rel := range p.Relationships {
		c.upsertRelationship(rel)
	}
	for _, pr := range p.Presences {
		c.upsertPresence(pr, 0)
	}

	if c.transport != nil {
		// Runs off the shard loop. Anything after this await point re-reads
		// the store instead of closing over pre-fetch state.
		go func() {
			app, err := c.transport.FetchApplication(context.Background())
			if err != nil {
				c.warn(discord.EventReady, "failed to fetch application", err)
				return
			}
			if id, perr := snowflake.Parse(app.ID); perr == nil {
				c.setApplicationID(id)
			}
		}()
	}

	c.log.Info("session ready", "sessionID", p.SessionID, "guilds", len(p.Guilds))
	c.emit(EventReady, &p, nil)
}

func (c *Client) handleResumed(json.RawMessage) {
	c.emit(EventResumed, nil, nil)
}

// ---- guilds ----

func (c *Client) upsertGuild(data map[string]any) *discord.Guild {
	id := discord.ParseID(data["id"])
	g, cached := c.Guilds.Get(id)
	if !cached {
		g = &discord.Guild{ID: id}
	}
	g.Merge(c, data)
	c.Guilds.Put(id, g)

	if roles, ok := data["roles"].([]any); ok {
		for _, raw := range roles {
			if m, ok := raw.(map[string]any); ok {
				c.upsertRole(id, m)
			}
		}
	}
	if channels, ok := data["channels"].([]any); ok {
		for _, raw := range channels {
			if m, ok := raw.(map[string]any); ok {
				m["guild_id"] = id.String()
				c.upsertChannel(m)
			}
		}
	}
	if members, ok := data["members"].([]any); ok {
		for _, raw := range members {
			if m, ok := raw.(map[string]any); ok {
				c.upsertMember(id, m)
			}
		}
	}
	if presences, ok := data["presences"].([]any); ok {
		for _, raw := range presences {
			if m, ok := raw.(map[string]any); ok {
				c.upsertPresence(m, id)
			}
		}
	}
	if voiceStates, ok := data["voice_states"].([]any); ok {
		for _, raw := range voiceStates {
			if m, ok := raw.(map[string]any); ok {
				c.upsertVoiceState(id, m)
			}
		}
	}
	return g
}

func (c *Client) handleGuildCreate(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	previous, cached := c.Guilds.Get(id)
	wasUnavailable := cached && previous.Unavailable

	g := c.upsertGuild(data)
	g.Unavailable = false
	c.Guilds.Put(id, g)

	if c.cfg.SeedMembers && g.MemberCount > c.Members.GroupLen(id) {
		c.chunker.Queue(id)
	}

	if wasUnavailable {
		c.emit(EventGuildAvailable, g, nil)
		return
	}
	c.emit(EventGuildCreate, g, nil)
}

func (c *Client) handleGuildUpdate(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	g, cached := c.Guilds.Get(id)
	var old map[string]any
	if cached {
		if c.ListenerCount(EventGuildUpdate) > 0 {
			old = g.Diff(data)
		}
	} else {
		g = &discord.Guild{ID: id}
	}
	g.Merge(c, data)
	c.Guilds.Put(id, g)
	c.emit(EventGuildUpdate, g, old)
}

func (c *Client) handleGuildDelete(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	g, cached := c.Guilds.Get(id)
	if !cached {
		g = &discord.Guild{ID: id}
	}

	if unavailable, ok := data["unavailable"].(bool); ok && unavailable {
		g.Unavailable = true
		c.Guilds.Put(id, g)
		c.chunker.Remove(id)
		c.emit(EventGuildUnavailable, g, nil)
		return
	}

	// Full removal: cascade through every dependent store.
	c.Guilds.Delete(id)
	c.chunker.Remove(id)

	var memberIDs []snowflake.ID
	c.Members.ForEach(id, func(userID snowflake.ID, _ *discord.Member) bool {
		memberIDs = append(memberIDs, userID)
		return true
	})
	c.Members.DeleteGroup(id)
	c.Roles.DeleteGroup(id)
	c.VoiceStates.DeleteGroup(id)

	c.Presences.ForEach(func(userID snowflake.ID, p *discord.Presence) bool {
		if _, attached := p.GuildIDs[id]; attached {
			delete(p.GuildIDs, id)
			if len(p.GuildIDs) == 0 {
				c.Presences.Delete(userID)
			}
		}
		return true
	})

	c.Channels.ForEach(func(channelID snowflake.ID, ch *discord.Channel) bool {
		if ch.GuildID != id {
			return true
		}
		if c.cfg.MessageCacheMode == MessagesPerChannel {
			c.Messages.DeleteGroup(channelID)
		}
		ch.PermissionOverwrites = nil
		c.Channels.Delete(channelID)
		return true
	})
	if c.cfg.MessageCacheMode == MessagesPerGuild {
		c.Messages.DeleteGroup(id)
	}

	for _, userID := range memberIDs {
		c.pruneUser(userID)
	}

	c.emit(EventGuildDelete, g, nil)
}

func (c *Client) handleGuildBanAdd(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	var user *discord.User
	if raw, ok := data["user"].(map[string]any); ok {
		user = c.UpsertUser(raw)
	}
	c.emit(EventGuildBanAdd, BanEvent{GuildID: guildID, User: user}, nil)
}

func (c *Client) handleGuildBanRemove(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	var user *discord.User
	if raw, ok := data["user"].(map[string]any); ok {
		user = c.UpsertUser(raw)
	}
	c.emit(EventGuildBanRemove, BanEvent{GuildID: guildID, User: user}, nil)
}

// ---- members ----

func (c *Client) upsertMember(guildID snowflake.ID, data map[string]any) *discord.Member {
	userID := memberUserID(data)
	if userID == 0 {
		return nil
	}
	m, cached := c.Members.Get(guildID, userID)
	if !cached {
		m = &discord.Member{GuildID: guildID}
	}
	m.Merge(c, data)
	if m.User == nil {
		m.User = &discord.User{ID: userID}
	}
	c.Members.Put(guildID, userID, m)
	return m
}

func (c *Client) handleGuildMemberAdd(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	userID := memberUserID(data)

	previous, cached := c.Members.Get(guildID, userID)
	wasBoosting := cached && previous.PremiumSince != nil

	m := c.upsertMember(guildID, data)
	if m == nil {
		return
	}

	if g, ok := c.Guilds.Get(guildID); ok {
		// exactly once per add event, cached member or not
		g.MemberCount++
		if boosting := m.PremiumSince != nil; boosting != wasBoosting {
			if boosting {
				g.PremiumSubscriptionCount++
			} else {
				g.PremiumSubscriptionCount--
			}
		}
		c.Guilds.Put(guildID, g)
	}
	c.emit(EventGuildMemberAdd, m, nil)
}

func (c *Client) handleGuildMemberUpdate(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	userID := memberUserID(data)

	previous, cached := c.Members.Get(guildID, userID)
	wasBoosting := cached && previous.PremiumSince != nil
	var old map[string]any
	if cached && c.ListenerCount(EventGuildMemberUpdate) > 0 {
		old = previous.Diff(data)
	}

	m := c.upsertMember(guildID, data)
	if m == nil {
		return
	}

	if g, ok := c.Guilds.Get(guildID); ok {
		if boosting := m.PremiumSince != nil; boosting != wasBoosting {
			if boosting {
				g.PremiumSubscriptionCount++
			} else {
				g.PremiumSubscriptionCount--
			}
			c.Guilds.Put(guildID, g)
		}
	}
	c.emit(EventGuildMemberUpdate, m, old)
}

func (c *Client) handleGuildMemberRemove(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	userID := memberUserID(data)

	m, cached := c.Members.Delete(guildID, userID)
	if cached {
		m.Merge(c, data)
	} else {
		m = &discord.Member{GuildID: guildID}
		if raw, ok := data["user"].(map[string]any); ok {
			m.User = c.UpsertUser(raw)
		}
		if m.User == nil {
			m.User = &discord.User{ID: userID}
		}
	}

	if g, ok := c.Guilds.Get(guildID); ok {
		g.MemberCount--
		if cached && m.PremiumSince != nil {
			g.PremiumSubscriptionCount--
		}
		c.Guilds.Put(guildID, g)
	}

	if p, ok := c.Presences.Get(userID); ok {
		delete(p.GuildIDs, guildID)
		if len(p.GuildIDs) == 0 {
			c.Presences.Delete(userID)
		}
	}
	c.VoiceStates.Delete(guildID, userID)
	c.pruneUser(userID)

	c.emit(EventGuildMemberRemove, m, nil)
}

func (c *Client) handleGuildMembersChunk(d json.RawMessage) {
	var p discord.GuildMembersChunk
	if err := json.Unmarshal(d, &p); err != nil {
		panic(fmt.Errorf("dispatch: bad members chunk: %w", err))
	}
	guildID, _ := snowflake.Parse(p.GuildID)
	for _, m := range p.Members {
		c.upsertMember(guildID, m)
	}
	for _, pr := range p.Presences {
		c.upsertPresence(pr, guildID)
	}
	if p.ChunkIndex >= p.ChunkCount-1 {
		c.chunker.complete(guildID)
	}
	c.emit(EventGuildMemberChunk, &p, nil)
}

// ---- roles ----

func (c *Client) upsertRole(guildID snowflake.ID, data map[string]any) *discord.Role {
	id := discord.ParseID(data["id"])
	r, cached := c.Roles.Get(guildID, id)
	if !cached {
		r = &discord.Role{ID: id, GuildID: guildID}
	}
	r.Merge(c, data)
	c.Roles.Put(guildID, id, r)
	return r
}

func (c *Client) handleGuildRoleCreate(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	roleData, ok := data["role"].(map[string]any)
	if !ok {
		return
	}
	r := c.upsertRole(guildID, roleData)
	c.emit(EventGuildRoleCreate, r, nil)
}

func (c *Client) handleGuildRoleUpdate(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	roleData, ok := data["role"].(map[string]any)
	if !ok {
		return
	}
	id := discord.ParseID(roleData["id"])

	r, cached := c.Roles.Get(guildID, id)
	var old map[string]any
	if cached {
		if c.ListenerCount(EventGuildRoleUpdate) > 0 {
			old = r.Diff(roleData)
		}
	} else {
		r = &discord.Role{ID: id, GuildID: guildID}
	}
	r.Merge(c, roleData)
	c.Roles.Put(guildID, id, r)

	// Members reference roles by id, so position/permission changes are
	// visible without touching any member.
	c.emit(EventGuildRoleUpdate, r, old)
}

func (c *Client) handleGuildRoleDelete(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	roleID := discord.ParseID(data["role_id"])

	r, cached := c.Roles.Delete(guildID, roleID)
	if !cached {
		r = &discord.Role{ID: roleID, GuildID: guildID}
	}

	// Repair every cached member of the guild, including members cached
	// after the role existed. O(members) and never skipped.
	c.Members.ForEach(guildID, func(_ snowflake.ID, m *discord.Member) bool {
		m.RoleIDs = removeID(m.RoleIDs, roleID)
		return true
	})

	c.emit(EventGuildRoleDelete, r, nil)
}

// ---- channels ----

func (c *Client) upsertChannel(data map[string]any) *discord.Channel {
	id := discord.ParseID(data["id"])
	ch, cached := c.Channels.Get(id)
	if !cached {
		ch = &discord.Channel{ID: id}
	}
	ch.Merge(c, data)
	c.Channels.Put(id, ch)
	return ch
}

func (c *Client) handleChannelCreate(d json.RawMessage) {
	ch := c.upsertChannel(decodeMap(d))
	c.emit(EventChannelCreate, ch, nil)
}

func (c *Client) handleChannelUpdate(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	ch, cached := c.Channels.Get(id)
	var old map[string]any
	if cached {
		if c.ListenerCount(EventChannelUpdate) > 0 {
			old = ch.Diff(data)
		}
	} else {
		ch = &discord.Channel{ID: id}
	}
	ch.Merge(c, data)
	c.Channels.Put(id, ch)
	c.emit(EventChannelUpdate, ch, old)
}

func (c *Client) handleChannelDelete(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	ch, cached := c.Channels.Delete(id)
	if !cached {
		ch = &discord.Channel{ID: id}
		ch.Merge(c, data)
	}

	if c.cfg.MessageCacheMode == MessagesPerChannel {
		c.Messages.DeleteGroup(id)
	}
	recipients := ch.Recipients
	ch.PermissionOverwrites = nil
	for _, userID := range recipients {
		c.pruneUser(userID)
	}

	c.emit(EventChannelDelete, ch, nil)
}

func (c *Client) handleChannelRecipientAdd(d json.RawMessage) {
	data := decodeMap(d)
	channelID := discord.ParseID(data["channel_id"])
	raw, ok := data["user"].(map[string]any)
	if !ok {
		return
	}
	user := c.UpsertUser(raw)
	if ch, cached := c.Channels.Get(channelID); cached && user != nil {
		if !containsID(ch.Recipients, user.ID) {
			ch.Recipients = append(ch.Recipients, user.ID)
			c.Channels.Put(channelID, ch)
		}
	}
	c.emit(EventChannelRecipientAdd, RecipientEvent{ChannelID: channelID, User: user}, nil)
}

func (c *Client) handleChannelRecipientRemove(d json.RawMessage) {
	data := decodeMap(d)
	channelID := discord.ParseID(data["channel_id"])
	raw, ok := data["user"].(map[string]any)
	if !ok {
		return
	}
	user := c.UpsertUser(raw)
	if ch, cached := c.Channels.Get(channelID); cached && user != nil {
		ch.Recipients = removeID(ch.Recipients, user.ID)
		c.Channels.Put(channelID, ch)
	}
	if user != nil {
		c.pruneUser(user.ID)
	}
	c.emit(EventChannelRecipientRemove, RecipientEvent{ChannelID: channelID, User: user}, nil)
}

func containsID(ids []snowflake.ID, id snowflake.ID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// ---- messages ----

func (c *Client) handleMessageCreate(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	msg := &discord.Message{ID: id}
	msg.Merge(c, data)

	var authorID snowflake.ID
	if msg.Author != nil {
		authorID = msg.Author.ID
	}
	c.Messages.Put(c.messageOuter(msg.ChannelID, msg.GuildID, authorID), id, msg)

	if ch, cached := c.Channels.Get(msg.ChannelID); cached {
		ch.LastMessageID = id
		c.Channels.Put(msg.ChannelID, ch)
	}
	if authorID != 0 {
		c.stopTyping(msg.ChannelID, authorID)
	}
	c.emit(EventMessageCreate, msg, nil)
}

func (c *Client) handleMessageUpdate(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])
	channelID := discord.ParseID(data["channel_id"])
	guildID := discord.ParseID(data["guild_id"])

	msg, cached := c.findMessage(channelID, guildID, id)
	var old map[string]any
	if cached {
		if c.ListenerCount(EventMessageUpdate) > 0 {
			old = msg.Diff(data)
		}
		msg.Merge(c, data)
	} else {
		msg = &discord.Message{ID: id}
		msg.Merge(c, data)
		var authorID snowflake.ID
		if msg.Author != nil {
			authorID = msg.Author.ID
		}
		outer := c.messageOuter(msg.ChannelID, msg.GuildID, authorID)
		if outer == 0 {
			// per-user mode with a partial lacking the author
			outer = msg.ChannelID
		}
		c.Messages.Put(outer, id, msg)
	}
	c.emit(EventMessageUpdate, msg, old)
}

func (c *Client) deleteMessage(channelID, guildID, id snowflake.ID) (*discord.Message, bool) {
	if c.cfg.MessageCacheMode == MessagesPerUser {
		msg, cached := c.findMessage(channelID, guildID, id)
		if !cached {
			return nil, false
		}
		var authorID snowflake.ID
		if msg.Author != nil {
			authorID = msg.Author.ID
		}
		return c.Messages.Delete(authorID, id)
	}
	return c.Messages.Delete(c.messageOuter(channelID, guildID, 0), id)
}

func (c *Client) handleMessageDelete(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])
	channelID := discord.ParseID(data["channel_id"])
	guildID := discord.ParseID(data["guild_id"])

	msg, cached := c.deleteMessage(channelID, guildID, id)
	if !cached {
		msg = &discord.Message{ID: id, ChannelID: channelID, GuildID: guildID}
	}
	c.emit(EventMessageDelete, msg, nil)
}

func (c *Client) handleMessageDeleteBulk(d json.RawMessage) {
	data := decodeMap(d)
	channelID := discord.ParseID(data["channel_id"])
	guildID := discord.ParseID(data["guild_id"])
	ids := discord.ParseIDList(data["ids"])

	deleted := make([]*discord.Message, 0, len(ids))
	for _, id := range ids {
		msg, cached := c.deleteMessage(channelID, guildID, id)
		if !cached {
			msg = &discord.Message{ID: id, ChannelID: channelID, GuildID: guildID}
		}
		deleted = append(deleted, msg)
	}
	c.emit(EventMessageDeleteBulk, deleted, nil)
}

// ---- reactions ----

func reactionKey(emoji *simplejson.Json) string {
	if id := emoji.Get("id").MustString(); id != "" {
		return emoji.Get("name").MustString() + ":" + id
	}
	return emoji.Get("name").MustString()
}

func (c *Client) handleMessageReactionAdd(d json.RawMessage) {
	sj, err := simplejson.NewJson(d)
	if err != nil {
		panic(fmt.Errorf("dispatch: bad reaction payload: %w", err))
	}
	channelID := discord.ParseID(sj.Get("channel_id").MustString())
	guildID := discord.ParseID(sj.Get("guild_id").MustString())
	messageID := discord.ParseID(sj.Get("message_id").MustString())
	userID := discord.ParseID(sj.Get("user_id").MustString())
	emoji := reactionKey(sj.Get("emoji"))

	msg, cached := c.findMessage(channelID, guildID, messageID)
	if cached {
		if msg.Reactions == nil {
			msg.Reactions = map[string]*discord.Reaction{}
		}
		r, ok := msg.Reactions[emoji]
		if !ok {
			r = &discord.Reaction{}
			msg.Reactions[emoji] = r
		}
		r.Count++
		if userID == c.SelfID {
			r.Me = true
		}
	}
	c.emit(EventMessageReactionAdd, ReactionEvent{
		MessageID: messageID, ChannelID: channelID, GuildID: guildID,
		UserID: userID, Emoji: emoji, Message: msg,
	}, nil)
}

func (c *Client) handleMessageReactionRemove(d json.RawMessage) {
	sj, err := simplejson.NewJson(d)
	if err != nil {
		panic(fmt.Errorf("dispatch: bad reaction payload: %w", err))
	}
	channelID := discord.ParseID(sj.Get("channel_id").MustString())
	guildID := discord.ParseID(sj.Get("guild_id").MustString())
	messageID := discord.ParseID(sj.Get("message_id").MustString())
	userID := discord.ParseID(sj.Get("user_id").MustString())
	emoji := reactionKey(sj.Get("emoji"))

	msg, cached := c.findMessage(channelID, guildID, messageID)
	if cached && msg.Reactions != nil {
		if r, ok := msg.Reactions[emoji]; ok {
			// floored at zero; over-delivered removes must not go negative
			if r.Count > 0 {
				r.Count--
			}
			if userID == c.SelfID {
				r.Me = false
			}
			if r.Count == 0 {
				delete(msg.Reactions, emoji)
			}
		}
		if len(msg.Reactions) == 0 {
			msg.Reactions = nil
		}
	}
	c.emit(EventMessageReactionRemove, ReactionEvent{
		MessageID: messageID, ChannelID: channelID, GuildID: guildID,
		UserID: userID, Emoji: emoji, Message: msg,
	}, nil)
}

func (c *Client) handleMessageReactionRemoveAll(d json.RawMessage) {
	sj, err := simplejson.NewJson(d)
	if err != nil {
		panic(fmt.Errorf("dispatch: bad reaction payload: %w", err))
	}
	channelID := discord.ParseID(sj.Get("channel_id").MustString())
	guildID := discord.ParseID(sj.Get("guild_id").MustString())
	messageID := discord.ParseID(sj.Get("message_id").MustString())

	msg, cached := c.findMessage(channelID, guildID, messageID)
	if cached {
		msg.Reactions = nil
	}
	c.emit(EventMessageReactionRemoveAll, ReactionEvent{
		MessageID: messageID, ChannelID: channelID, GuildID: guildID, Message: msg,
	}, nil)
}

// ---- presences, typing, users, voice ----

func (c *Client) upsertPresence(data map[string]any, guildID snowflake.ID) *discord.Presence {
	userData, _ := data["user"].(map[string]any)
	userID := discord.ParseID(data["user_id"])
	if userID == 0 && userData != nil {
		userID = discord.ParseID(userData["id"])
	}
	if userID == 0 {
		return nil
	}
	if userData != nil {
		// presences referencing unseen users still create them
		c.UpsertUser(userData)
	}
	p, cached := c.Presences.Get(userID)
	if !cached {
		p = &discord.Presence{UserID: userID, GuildIDs: map[snowflake.ID]struct{}{}}
	}
	p.Merge(c, data)
	if guildID == 0 {
		guildID = discord.ParseID(data["guild_id"])
	}
	if guildID != 0 {
		p.GuildIDs[guildID] = struct{}{}
	}
	c.Presences.Put(userID, p)
	return p
}

func (c *Client) handlePresenceUpdate(d json.RawMessage) {
	data := decodeMap(d)
	userID := memberUserID(data)

	var old map[string]any
	if previous, cached := c.Presences.Get(userID); cached && c.ListenerCount(EventPresenceUpdate) > 0 {
		old = previous.Diff(data)
	}
	p := c.upsertPresence(data, 0)
	if p == nil {
		return
	}
	c.emit(EventPresenceUpdate, p, old)
}

func (c *Client) handleTypingStart(d json.RawMessage) {
	sj, err := simplejson.NewJson(d)
	if err != nil {
		panic(fmt.Errorf("dispatch: bad typing payload: %w", err))
	}
	channelID := discord.ParseID(sj.Get("channel_id").MustString())
	guildID := discord.ParseID(sj.Get("guild_id").MustString())
	userID := discord.ParseID(sj.Get("user_id").MustString())

	c.startTyping(channelID, userID)
	c.emit(EventTypingStart, TypingEvent{ChannelID: channelID, GuildID: guildID, UserID: userID}, nil)
}

func (c *Client) handleUserUpdate(d json.RawMessage) {
	data := decodeMap(d)
	id := discord.ParseID(data["id"])

	var old map[string]any
	if previous, cached := c.Users.Get(id); cached && c.ListenerCount(EventUserUpdate) > 0 {
		old = previous.Diff(data)
	}
	u := c.UpsertUser(data)
	c.emit(EventUserUpdate, u, old)
}

func (c *Client) upsertVoiceState(guildID snowflake.ID, data map[string]any) *discord.VoiceState {
	userID := discord.ParseID(data["user_id"])
	if userID == 0 {
		userID = memberUserID(data)
	}
	if userID == 0 {
		return nil
	}
	vs, cached := c.VoiceStates.Get(guildID, userID)
	if !cached {
		vs = &discord.VoiceState{GuildID: guildID, UserID: userID}
	}
	vs.Merge(c, data)
	c.VoiceStates.Put(guildID, userID, vs)
	return vs
}

func (c *Client) handleVoiceStateUpdate(d json.RawMessage) {
	data := decodeMap(d)
	guildID := discord.ParseID(data["guild_id"])
	userID := discord.ParseID(data["user_id"])
	if userID == 0 {
		userID = memberUserID(data)
	}

	// DM calls have no guild; key by channel instead.
	outer := guildID
	if outer == 0 {
		outer = discord.ParseID(data["channel_id"])
	}

	vs, cached := c.VoiceStates.Get(outer, userID)
	var old map[string]any
	if cached && c.ListenerCount(EventVoiceStateUpdate) > 0 {
		old = vs.Diff(data)
	}

	if data["channel_id"] == nil {
		// left the channel: a null channel id deletes the state
		if cached {
			c.VoiceStates.Delete(outer, userID)
			vs.ChannelID = 0
		} else {
			vs = &discord.VoiceState{GuildID: guildID, UserID: userID}
		}
		c.emit(EventVoiceStateUpdate, vs, old)
		return
	}

	if !cached {
		vs = &discord.VoiceState{GuildID: guildID, UserID: userID}
	}
	vs.Merge(c, data)
	c.VoiceStates.Put(outer, userID, vs)

	if member, ok := data["member"].(map[string]any); ok && guildID != 0 {
		c.upsertMember(guildID, member)
	}
	c.emit(EventVoiceStateUpdate, vs, old)
}

// ---- relationships ----

func (c *Client) upsertRelationship(data map[string]any) *discord.Relationship {
	userID := discord.ParseID(data["id"])
	if userID == 0 {
		userID = memberUserID(data)
	}
	if userID == 0 {
		return nil
	}
	r, cached := c.Relationships.Get(userID)
	if !cached {
		r = &discord.Relationship{}
	}
	r.Merge(c, data)
	if r.User == nil {
		r.User = &discord.User{ID: userID}
	}
	c.Relationships.Put(userID, r)
	return r
}

func (c *Client) handleRelationshipAdd(d json.RawMessage) {
	r := c.upsertRelationship(decodeMap(d))
	if r == nil {
		return
	}
	c.emit(EventRelationshipAdd, r, nil)
}

func (c *Client) handleRelationshipRemove(d json.RawMessage) {
	data := decodeMap(d)
	userID := discord.ParseID(data["id"])
	r, cached := c.Relationships.Delete(userID)
	if !cached {
		r = &discord.Relationship{User: &discord.User{ID: userID}}
	}
	c.pruneUser(userID)
	c.emit(EventRelationshipRemove, r, nil)
}
