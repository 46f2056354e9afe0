package discord

// payloads.go contains the typed shapes of structured dispatch payloads. The
// entity-bearing events stay as raw maps so they can flow through the
// merge/diff contract; these are the envelopes around them.

// Ready is the authoritative full-state snapshot sent once per session.
type Ready struct {
	V               int              `json:"v"`
	User            map[string]any   `json:"user"`
	SessionID       string           `json:"session_id"`
	Guilds          []map[string]any `json:"guilds"`
	PrivateChannels []map[string]any `json:"private_channels"`
	Relationships   []map[string]any `json:"relationships"`
	Presences       []map[string]any `json:"presences"`
	Shard           []int            `json:"shard,omitempty"`
	Application     struct {
		ID string `json:"id"`
	} `json:"application"`
}

// GuildMembersChunk is one slice of a member-list request's response.
type GuildMembersChunk struct {
	GuildID    string           `json:"guild_id"`
	Members    []map[string]any `json:"members"`
	Presences  []map[string]any `json:"presences,omitempty"`
	ChunkIndex int              `json:"chunk_index"`
	ChunkCount int              `json:"chunk_count"`
	Nonce      string           `json:"nonce,omitempty"`
}

// RequestGuildMembersOptions narrows a member-list request.
type RequestGuildMembersOptions struct {
	Limit     int    `json:"limit"`
	Presences bool   `json:"presences"`
	Query     string `json:"query"`
}

// Application is the metadata fetched on ready.
type Application struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Flags int    `json:"flags"`
}
