package state

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/disgoorg/json"
	"github.com/disgoorg/snowflake/v2"

	"github.com/fuad-daoud/discord-cluster/discord"
	"github.com/fuad-daoud/discord-cluster/logger/dlog"
)

const typingExpiry = 10 * time.Second

// Client is the per-process client context: the root of cache ownership.
// Entities hold ids only; everything resolves through these stores. Each
// shard's events are applied strictly in arrival order by that shard's loop;
// the user and relationship stores are shared across shards and therefore
// only mutated through the stores' atomic insert-or-merge.
type Client struct {
	cfg       Config
	transport Transport
	log       *slog.Logger

	Users         Store[*discord.User]
	Guilds        Store[*discord.Guild]
	Channels      Store[*discord.Channel]
	Presences     Store[*discord.Presence]
	Relationships Store[*discord.Relationship]
	Roles         GroupedStore[*discord.Role]
	Members       GroupedStore[*discord.Member]
	VoiceStates   GroupedStore[*discord.VoiceState]
	Messages      GroupedStore[*discord.Message]

	SessionID string
	SelfID    snowflake.ID

	// applicationID is also written by the post-ready fetch goroutine, so
	// it lives behind mu unlike the loop-owned fields above.
	applicationID snowflake.ID

	handlers map[string]func(d json.RawMessage)
	disabled map[string]struct{}

	mu           sync.RWMutex
	listeners    map[string][]Listener
	rawListeners []RawListener

	typingMu sync.Mutex
	typing   map[typingKey]*time.Timer

	chunker *Chunker
}

type typingKey struct {
	channelID snowflake.ID
	userID    snowflake.ID
}

func New(cfg Config, transport Transport) *Client {
	dlog.Setup()
	c := &Client{
		cfg:       cfg,
		transport: transport,
		log:       dlog.Log.With("shard", cfg.ShardID),
		listeners: map[string][]Listener{},
		typing:    map[typingKey]*time.Timer{},
		disabled:  map[string]struct{}{},
	}
	for _, name := range cfg.DisabledEvents {
		if name == discord.EventReady {
			// the session-ready event is never filterable
			continue
		}
		c.disabled[name] = struct{}{}
	}
	c.buildStores()
	c.handlers = c.buildHandlers()
	c.chunker = newChunker(c, cfg.ChunkDelay)
	return c
}

func (c *Client) buildStores() {
	c.Users = NewStore[*discord.User](c.cfg.storeEnabled(StoreUsers))
	c.Guilds = NewStore[*discord.Guild](c.cfg.storeEnabled(StoreGuilds))
	c.Channels = NewStore[*discord.Channel](c.cfg.storeEnabled(StoreChannels))
	c.Presences = NewStore[*discord.Presence](c.cfg.storeEnabled(StorePresences))
	c.Relationships = NewStore[*discord.Relationship](c.cfg.storeEnabled(StoreRelationships))
	c.Roles = NewGroupedStore[*discord.Role](c.cfg.storeEnabled(StoreRoles))
	c.Members = NewGroupedStore[*discord.Member](c.cfg.storeEnabled(StoreMembers))
	c.VoiceStates = NewGroupedStore[*discord.VoiceState](c.cfg.storeEnabled(StoreVoiceStates))
	c.Messages = NewGroupedStore[*discord.Message](c.cfg.storeEnabled(StoreMessages))
}

// reset clears every store; ready represents the authoritative full state.
func (c *Client) reset() {
	c.Users.Clear()
	c.Guilds.Clear()
	c.Channels.Clear()
	c.Presences.Clear()
	c.Relationships.Clear()
	c.Roles.Clear()
	c.Members.Clear()
	c.VoiceStates.Clear()
	c.Messages.Clear()

	c.typingMu.Lock()
	for key, timer := range c.typing {
		timer.Stop()
		delete(c.typing, key)
	}
	c.typingMu.Unlock()
}

// On registers a listener for a domain event name.
func (c *Client) On(event string, l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[event] = append(c.listeners[event], l)
}

// OnRaw registers a listener fired for every envelope before filtering.
func (c *Client) OnRaw(l RawListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawListeners = append(c.rawListeners, l)
}

// ListenerCount reports how many listeners an event has. Handlers use it to
// skip diffing when nobody is watching.
func (c *Client) ListenerCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners[event])
}

func (c *Client) emit(event string, data any, old map[string]any) {
	c.mu.RLock()
	ls := append([]Listener(nil), c.listeners[event]...)
	c.mu.RUnlock()
	e := Event{Name: event, ShardID: c.cfg.ShardID, Data: data, Old: old}
	for _, l := range ls {
		l(e)
	}
}

func (c *Client) warn(event, msg string, err error) {
	c.log.Warn(msg, "event", event, "err", err)
	c.emit(EventWarn, Warn{Event: event, Message: msg, Err: err}, nil)
}

// HandleDispatch routes one raw event envelope. Handler failures become warn
// notifications; they never terminate processing of subsequent events.
func (c *Client) HandleDispatch(t string, d json.RawMessage) {
	c.mu.RLock()
	raw := append([]RawListener(nil), c.rawListeners...)
	c.mu.RUnlock()
	for _, l := range raw {
		l(t, d)
	}

	if _, off := c.disabled[t]; off && t != discord.EventReady {
		return
	}

	handler, ok := c.handlers[t]
	if !ok {
		c.log.Debug("unknown dispatch event", "event", t)
		c.emit(EventUnknown, UnknownEvent{Name: t, Data: d}, nil)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.warn(t, "dispatch handler failed", fmt.Errorf("dispatch: %v", r))
		}
	}()
	handler(d)
}

// UpsertUser implements discord.Resolver: exactly one User object per id,
// shared by reference across members, relationships and messages.
func (c *Client) UpsertUser(data map[string]any) *discord.User {
	id := discord.ParseID(data["id"])
	if id == 0 {
		return nil
	}
	u, ok := c.Users.Get(id)
	if !ok {
		u = &discord.User{ID: id}
	}
	u.Merge(c, data)
	c.Users.Put(id, u)
	return u
}

// pruneUser evicts a user once it shares no guild, no DM channel and no
// relationship with this client.
func (c *Client) pruneUser(userID snowflake.ID) {
	if userID == 0 || userID == c.SelfID {
		return
	}
	if c.Relationships.Has(userID) {
		return
	}
	referenced := false
	c.Members.Groups(func(guildID snowflake.ID) bool {
		if c.Members.Has(guildID, userID) {
			referenced = true
			return false
		}
		return true
	})
	if referenced {
		return
	}
	c.Channels.ForEach(func(_ snowflake.ID, ch *discord.Channel) bool {
		if !ch.IsDM() {
			return true
		}
		for _, rid := range ch.Recipients {
			if rid == userID {
				referenced = true
				return false
			}
		}
		return true
	})
	if referenced {
		return
	}
	c.Users.Delete(userID)
	c.Presences.Delete(userID)
}

// startTyping arms (or restarts) the self-expiring typing indicator.
func (c *Client) startTyping(channelID, userID snowflake.ID) {
	key := typingKey{channelID: channelID, userID: userID}
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if timer, ok := c.typing[key]; ok {
		timer.Stop()
	}
	c.typing[key] = time.AfterFunc(typingExpiry, func() {
		c.typingMu.Lock()
		delete(c.typing, key)
		c.typingMu.Unlock()
	})
}

// stopTyping clears the indicator, called when a message from that user
// arrives in that channel.
func (c *Client) stopTyping(channelID, userID snowflake.ID) {
	key := typingKey{channelID: channelID, userID: userID}
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if timer, ok := c.typing[key]; ok {
		timer.Stop()
		delete(c.typing, key)
	}
}

// Typing reports whether a typing indicator is live for (channel, user).
func (c *Client) Typing(channelID, userID snowflake.ID) bool {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	_, ok := c.typing[typingKey{channelID: channelID, userID: userID}]
	return ok
}

// messageOuter resolves the outer cache key for a message per the configured
// caching mode.
func (c *Client) messageOuter(channelID, guildID, authorID snowflake.ID) snowflake.ID {
	switch c.cfg.MessageCacheMode {
	case MessagesPerGuild:
		if guildID != 0 {
			return guildID
		}
		return channelID
	case MessagesPerUser:
		return authorID
	default:
		return channelID
	}
}

// findMessage locates a cached message given whatever keys the payload
// carried. Per-user mode has no author on reaction payloads, so it scans.
func (c *Client) findMessage(channelID, guildID, messageID snowflake.ID) (*discord.Message, bool) {
	if c.cfg.MessageCacheMode == MessagesPerUser {
		var found *discord.Message
		c.Messages.Groups(func(outer snowflake.ID) bool {
			if msg, ok := c.Messages.Get(outer, messageID); ok {
				found = msg
				return false
			}
			return true
		})
		return found, found != nil
	}
	return c.Messages.Get(c.messageOuter(channelID, guildID, 0), messageID)
}

// ApplicationID returns the application id, zero until ready (or the
// post-ready metadata fetch) delivered it.
func (c *Client) ApplicationID() snowflake.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applicationID
}

func (c *Client) setApplicationID(id snowflake.ID) {
	c.mu.Lock()
	c.applicationID = id
	c.mu.Unlock()
}

// Chunker exposes the member-chunk coordinator.
func (c *Client) Chunker() *Chunker {
	return c.chunker
}
