package discord

import (
	"strconv"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mitchellh/mapstructure"
)

// Resolver is the slice of the client context an entity needs while merging a
// raw payload: shared-user resolution so that every user id maps to exactly
// one User object in the process.
type Resolver interface {
	UpsertUser(data map[string]any) *User
}

// Merge applies a partial update payload to an entity. Keys outside the
// entity's allow-list are ignored so unknown gateway fields stay harmless.
// Keys with a field-specific transform are handled first, everything else
// goes through the generic assignment step.
//
// Diff returns the entity's *current* values for every key the payload would
// change, keyed by field name, without mutating the entity. Callers only pay
// for it when a change listener is registered.

func keySet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// assign is the generic field-assignment step: decode the remaining payload
// keys onto the entity using its json tags, weakly typed because JSON numbers
// arrive as float64.
func assign(out any, data map[string]any) {
	if len(data) == 0 {
		return
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return
	}
	_ = dec.Decode(data)
}

// ParseID parses a snowflake that may arrive as a string or a number.
func ParseID(v any) snowflake.ID {
	switch val := v.(type) {
	case string:
		id, _ := snowflake.Parse(val)
		return id
	case float64:
		return snowflake.ID(uint64(val))
	case snowflake.ID:
		return val
	}
	return 0
}

// ParseIDList parses a JSON array of snowflakes.
func ParseIDList(v any) []snowflake.ID {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]snowflake.ID, 0, len(list))
	for _, raw := range list {
		if id := ParseID(raw); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// ParseTimestamp parses an ISO8601 timestamp, zero on absence or garbage.
func ParseTimestamp(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseNullableTimestamp keeps the set/unset distinction, which matters for
// boost-state transitions.
func ParseNullableTimestamp(v any) *time.Time {
	t := ParseTimestamp(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func parsePermissions(v any) int64 {
	switch val := v.(type) {
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	case float64:
		return int64(val)
	}
	return 0
}

func toInt(v any) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		n, _ := strconv.Atoi(val)
		return n
	}
	return 0
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

// ---- User ----

var userKeys = keySet("id", "username", "discriminator", "avatar", "bot", "system")

func (u *User) Merge(_ Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := userKeys[k]; !ok {
			continue
		}
		switch k {
		case "id":
			u.ID = ParseID(v)
		default:
			rest[k] = v
		}
	}
	assign(u, rest)
}

func (u *User) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "username":
			if toString(v) != u.Username {
				old["username"] = u.Username
			}
		case "discriminator":
			if toString(v) != u.Discriminator {
				old["discriminator"] = u.Discriminator
			}
		case "avatar":
			if toString(v) != u.Avatar {
				old["avatar"] = u.Avatar
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

// ---- Guild ----

var guildKeys = keySet("name", "icon", "owner_id", "joined_at", "large",
	"unavailable", "member_count", "premium_subscription_count",
	"preferred_locale", "description")

func (g *Guild) Merge(_ Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := guildKeys[k]; !ok {
			continue
		}
		switch k {
		case "owner_id":
			g.OwnerID = ParseID(v)
		case "joined_at":
			g.JoinedAt = ParseTimestamp(v)
		default:
			rest[k] = v
		}
	}
	assign(g, rest)
}

func (g *Guild) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "name":
			if toString(v) != g.Name {
				old["name"] = g.Name
			}
		case "icon":
			if toString(v) != g.Icon {
				old["icon"] = g.Icon
			}
		case "owner_id":
			if ParseID(v) != g.OwnerID {
				old["ownerID"] = g.OwnerID
			}
		case "unavailable":
			if toBool(v) != g.Unavailable {
				old["unavailable"] = g.Unavailable
			}
		case "member_count":
			if toInt(v) != g.MemberCount {
				old["memberCount"] = g.MemberCount
			}
		case "premium_subscription_count":
			if toInt(v) != g.PremiumSubscriptionCount {
				old["premiumSubscriptionCount"] = g.PremiumSubscriptionCount
			}
		case "description":
			if toString(v) != g.Description {
				old["description"] = g.Description
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

// ---- Role ----

var roleKeys = keySet("name", "color", "position", "permissions", "hoist",
	"managed", "mentionable")

func (r *Role) Merge(_ Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := roleKeys[k]; !ok {
			continue
		}
		switch k {
		case "permissions":
			r.Permissions = parsePermissions(v)
		default:
			rest[k] = v
		}
	}
	assign(r, rest)
}

func (r *Role) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "name":
			if toString(v) != r.Name {
				old["name"] = r.Name
			}
		case "color":
			if toInt(v) != r.Color {
				old["color"] = r.Color
			}
		case "position":
			if toInt(v) != r.Position {
				old["position"] = r.Position
			}
		case "hoist":
			if toBool(v) != r.Hoist {
				old["hoist"] = r.Hoist
			}
		case "mentionable":
			if toBool(v) != r.Mentionable {
				old["mentionable"] = r.Mentionable
			}
		case "permissions":
			if parsePermissions(v) != r.Permissions {
				old["permissions"] = r.Permissions
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

// ---- Member ----

var memberKeys = keySet("user", "nick", "roles", "joined_at", "premium_since",
	"deaf", "mute", "pending")

func (m *Member) Merge(res Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := memberKeys[k]; !ok {
			continue
		}
		switch k {
		case "user":
			if raw, ok := v.(map[string]any); ok && res != nil {
				m.User = res.UpsertUser(raw)
			}
		case "roles":
			m.RoleIDs = ParseIDList(v)
		case "joined_at":
			m.JoinedAt = ParseTimestamp(v)
		case "premium_since":
			m.PremiumSince = ParseNullableTimestamp(v)
		case "nick":
			// nil nick means cleared, not absent
			if v == nil {
				m.Nick = ""
			} else {
				rest[k] = v
			}
		default:
			rest[k] = v
		}
	}
	assign(m, rest)
}

func (m *Member) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "nick":
			if toString(v) != m.Nick {
				old["nick"] = m.Nick
			}
		case "deaf":
			if toBool(v) != m.Deaf {
				old["deaf"] = m.Deaf
			}
		case "mute":
			if toBool(v) != m.Mute {
				old["mute"] = m.Mute
			}
		case "pending":
			if toBool(v) != m.Pending {
				old["pending"] = m.Pending
			}
		case "premium_since":
			incoming := ParseNullableTimestamp(v)
			if (incoming == nil) != (m.PremiumSince == nil) {
				old["premiumSince"] = m.PremiumSince
			}
		case "roles":
			if !sameIDs(ParseIDList(v), m.RoleIDs) {
				old["roles"] = append([]snowflake.ID(nil), m.RoleIDs...)
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

func sameIDs(a, b []snowflake.ID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[snowflake.ID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// ---- Channel ----

var channelKeys = keySet("guild_id", "type", "name", "topic", "position",
	"nsfw", "parent_id", "last_message_id", "permission_overwrites",
	"recipients")

func (c *Channel) Merge(res Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := channelKeys[k]; !ok {
			continue
		}
		switch k {
		case "guild_id":
			c.GuildID = ParseID(v)
		case "parent_id":
			c.ParentID = ParseID(v)
		case "last_message_id":
			c.LastMessageID = ParseID(v)
		case "permission_overwrites":
			c.PermissionOverwrites = parseOverwrites(v)
		case "recipients":
			c.Recipients = upsertUserList(res, v)
		default:
			rest[k] = v
		}
	}
	assign(c, rest)
}

func (c *Channel) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "name":
			if toString(v) != c.Name {
				old["name"] = c.Name
			}
		case "topic":
			if toString(v) != c.Topic {
				old["topic"] = c.Topic
			}
		case "position":
			if toInt(v) != c.Position {
				old["position"] = c.Position
			}
		case "nsfw":
			if toBool(v) != c.NSFW {
				old["nsfw"] = c.NSFW
			}
		case "parent_id":
			if ParseID(v) != c.ParentID {
				old["parentID"] = c.ParentID
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

func parseOverwrites(v any) map[snowflake.ID]PermissionOverwrite {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make(map[snowflake.ID]PermissionOverwrite, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ow := PermissionOverwrite{
			ID:    ParseID(m["id"]),
			Type:  toInt(m["type"]),
			Allow: parsePermissions(m["allow"]),
			Deny:  parsePermissions(m["deny"]),
		}
		out[ow.ID] = ow
	}
	return out
}

func upsertUserList(res Resolver, v any) []snowflake.ID {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]snowflake.ID, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if res != nil {
			if u := res.UpsertUser(m); u != nil {
				out = append(out, u.ID)
				continue
			}
		}
		out = append(out, ParseID(m["id"]))
	}
	return out
}

// ---- Presence ----

var presenceKeys = keySet("status")

func (p *Presence) Merge(_ Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := presenceKeys[k]; !ok {
			continue
		}
		rest[k] = v
	}
	assign(p, rest)
}

func (p *Presence) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	if v, ok := data["status"]; ok && toString(v) != p.Status {
		old["status"] = p.Status
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

// ---- VoiceState ----

var voiceStateKeys = keySet("channel_id", "session_id", "deaf", "mute",
	"self_deaf", "self_mute", "suppress")

func (vs *VoiceState) Merge(_ Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := voiceStateKeys[k]; !ok {
			continue
		}
		switch k {
		case "channel_id":
			vs.ChannelID = ParseID(v)
		default:
			rest[k] = v
		}
	}
	assign(vs, rest)
}

func (vs *VoiceState) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "channel_id":
			if ParseID(v) != vs.ChannelID {
				old["channelID"] = vs.ChannelID
			}
		case "deaf":
			if toBool(v) != vs.Deaf {
				old["deaf"] = vs.Deaf
			}
		case "mute":
			if toBool(v) != vs.Mute {
				old["mute"] = vs.Mute
			}
		case "self_deaf":
			if toBool(v) != vs.SelfDeaf {
				old["selfDeaf"] = vs.SelfDeaf
			}
		case "self_mute":
			if toBool(v) != vs.SelfMute {
				old["selfMute"] = vs.SelfMute
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

// ---- Message ----

var messageKeys = keySet("author", "channel_id", "guild_id", "content",
	"timestamp", "edited_timestamp", "pinned", "tts", "mention_everyone")

func (msg *Message) Merge(res Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := messageKeys[k]; !ok {
			continue
		}
		switch k {
		case "author":
			if raw, ok := v.(map[string]any); ok && res != nil {
				msg.Author = res.UpsertUser(raw)
			}
		case "channel_id":
			msg.ChannelID = ParseID(v)
		case "guild_id":
			msg.GuildID = ParseID(v)
		case "timestamp":
			msg.Timestamp = ParseTimestamp(v)
		case "edited_timestamp":
			msg.EditedTimestamp = ParseNullableTimestamp(v)
		default:
			rest[k] = v
		}
	}
	assign(msg, rest)
}

func (msg *Message) Diff(data map[string]any) map[string]any {
	old := map[string]any{}
	for k, v := range data {
		switch k {
		case "content":
			if toString(v) != msg.Content {
				old["content"] = msg.Content
			}
		case "pinned":
			if toBool(v) != msg.Pinned {
				old["pinned"] = msg.Pinned
			}
		case "edited_timestamp":
			incoming := ParseNullableTimestamp(v)
			if (incoming == nil) != (msg.EditedTimestamp == nil) {
				old["editedTimestamp"] = msg.EditedTimestamp
			}
		}
	}
	if len(old) == 0 {
		return nil
	}
	return old
}

// ---- Relationship ----

var relationshipKeys = keySet("type", "user")

func (r *Relationship) Merge(res Resolver, data map[string]any) {
	rest := map[string]any{}
	for k, v := range data {
		if _, ok := relationshipKeys[k]; !ok {
			continue
		}
		switch k {
		case "user":
			if raw, ok := v.(map[string]any); ok && res != nil {
				r.User = res.UpsertUser(raw)
			}
		default:
			rest[k] = v
		}
	}
	assign(r, rest)
}
