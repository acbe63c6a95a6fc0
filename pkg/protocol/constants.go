package protocol

// Directory and file-name constants used throughout guild.
const (
	// GuildDir is the user-level state directory (e.g., ~/.guild).
	GuildDir = ".guild"

	// DBFileName is the hub database file inside GuildDir.
	DBFileName = "hub.db"

	// ConfigFileName is the tunables file inside GuildDir.
	ConfigFileName = "config.yaml"

	// RosterFileName is the agent roster file inside GuildDir.
	RosterFileName = "agents.toml"
)
