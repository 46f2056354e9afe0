package state

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/net/context"

	"github.com/fuad-daoud/discord-cluster/discord"
)

const defaultChunkDelay = 2 * time.Second

// Chunker batches member-list requests for guilds whose cached member count
// is incomplete. Guild ids move through three disjoint sets: left (waiting
// for the debounce window), sending (request issued, chunks still arriving)
// and done (loaded once). A guild in done is never re-queued until Remove is
// called for it. The debounce timer is owned exclusively by the coordinator.
type Chunker struct {
	c     *Client
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	left    map[snowflake.ID]struct{}
	sending map[snowflake.ID]struct{}
	done    map[snowflake.ID]struct{}
}

func newChunker(c *Client, delay time.Duration) *Chunker {
	if delay <= 0 {
		delay = defaultChunkDelay
	}
	return &Chunker{
		c:       c,
		delay:   delay,
		left:    map[snowflake.ID]struct{}{},
		sending: map[snowflake.ID]struct{}{},
		done:    map[snowflake.ID]struct{}{},
	}
}

// Queue marks a guild as needing a member-list request and (re)arms the
// debounce timer. Guilds already queued, in flight, or done are left alone.
func (ch *Chunker) Queue(guildID snowflake.ID) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.done[guildID]; ok {
		return
	}
	if _, ok := ch.sending[guildID]; ok {
		return
	}
	if _, ok := ch.left[guildID]; ok {
		// already waiting; the window still restarts
		ch.restartLocked()
		return
	}
	ch.left[guildID] = struct{}{}
	ch.restartLocked()
}

func (ch *Chunker) restartLocked() {
	if ch.timer != nil {
		ch.timer.Stop()
	}
	ch.timer = time.AfterFunc(ch.delay, ch.flush)
}

// flush issues one batched request for the whole window.
func (ch *Chunker) flush() {
	ch.mu.Lock()
	if len(ch.left) == 0 {
		ch.mu.Unlock()
		return
	}
	ids := make([]snowflake.ID, 0, len(ch.left))
	for id := range ch.left {
		ids = append(ids, id)
		ch.sending[id] = struct{}{}
		delete(ch.left, id)
	}
	ch.mu.Unlock()

	if ch.c.transport == nil {
		return
	}
	err := ch.c.transport.RequestGuildMembers(context.Background(), ids, discord.RequestGuildMembersOptions{
		Limit:     0,
		Presences: ch.c.cfg.storeEnabled(StorePresences),
	})
	if err != nil {
		ch.c.warn(discord.EventGuildMembersChunk, "member chunk request failed", err)
		// put them back and re-arm so the retry does not depend on a
		// future queue call
		ch.mu.Lock()
		for _, id := range ids {
			delete(ch.sending, id)
			ch.left[id] = struct{}{}
		}
		ch.restartLocked()
		ch.mu.Unlock()
		return
	}
	ch.c.log.Debug("requested guild members", "guilds", len(ids))
}

// complete moves a guild from sending to done after its final chunk.
func (ch *Chunker) complete(guildID snowflake.ID) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, ok := ch.sending[guildID]; !ok {
		return
	}
	delete(ch.sending, guildID)
	ch.done[guildID] = struct{}{}
}

// Remove forgets a guild entirely, called on guild delete/unavailable so a
// returning guild loads fresh.
func (ch *Chunker) Remove(guildID snowflake.ID) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.left, guildID)
	delete(ch.sending, guildID)
	delete(ch.done, guildID)
}

// Pending reports how many guilds wait in the current window, for tests and
// introspection.
func (ch *Chunker) Pending() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.left)
}

// Done reports whether a guild completed a load.
func (ch *Chunker) Done(guildID snowflake.ID) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, ok := ch.done[guildID]
	return ok
}
