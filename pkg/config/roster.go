package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"guild/pkg/protocol"
)

// Roster is the .guild/agents.toml structure: the instances a hub
// starts and the capabilities they advertise.
type Roster struct {
	Agents []AgentEntry `toml:"agents"`
}

// AgentEntry describes one instance to start.
type AgentEntry struct {
	InstanceID   string   `toml:"instance_id"`
	Role         string   `toml:"role"`
	Capabilities []string `toml:"capabilities"`
	Projects     []string `toml:"projects,omitempty"`

	// ContextBudget overrides agent.context_budget for this instance.
	ContextBudget int `toml:"context_budget,omitempty"`
}

// Validate checks the roster for the mistakes that would otherwise
// surface as silent routing failures.
func (r Roster) Validate() error {
	seen := make(map[string]bool, len(r.Agents))
	for i, a := range r.Agents {
		if a.InstanceID == "" {
			return fmt.Errorf("roster entry %d: instance_id required", i)
		}
		if seen[a.InstanceID] {
			return fmt.Errorf("roster: duplicate instance_id %q", a.InstanceID)
		}
		seen[a.InstanceID] = true
		if a.Role == "" {
			return fmt.Errorf("roster entry %q: role required", a.InstanceID)
		}
		if len(a.Capabilities) == 0 {
			return fmt.Errorf("roster entry %q: at least one capability required", a.InstanceID)
		}
	}
	return nil
}

// DefaultRoster is the starter roster guild init writes: one instance
// per well-known role.
func DefaultRoster() Roster {
	return Roster{Agents: []AgentEntry{
		{InstanceID: "manager-1", Role: protocol.RoleManager, Capabilities: []string{"planning", "review"}},
		{InstanceID: "architect-1", Role: protocol.RoleArchitect, Capabilities: []string{"design", "review"}},
		{InstanceID: "dev-1", Role: protocol.RoleDeveloper, Capabilities: []string{"code"}},
		{InstanceID: "qa-1", Role: protocol.RoleQA, Capabilities: []string{"testing", "review"}},
	}}
}

// LoadRoster reads guildDir/agents.toml. A missing file yields the
// default roster.
func LoadRoster(guildDir string) (Roster, error) {
	path := filepath.Join(guildDir, protocol.RosterFileName)
	data, err := os.ReadFile(path) //nolint:gosec // path is rooted in the hub directory
	if os.IsNotExist(err) {
		return DefaultRoster(), nil
	}
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}

	var roster Roster
	if err := toml.Unmarshal(data, &roster); err != nil {
		return Roster{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := roster.Validate(); err != nil {
		return Roster{}, err
	}
	return roster, nil
}

// SaveRoster writes the roster to guildDir/agents.toml.
func SaveRoster(guildDir string, roster Roster) error {
	data, err := toml.Marshal(roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	path := filepath.Join(guildDir, protocol.RosterFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // roster is not secret
		return fmt.Errorf("write roster: %w", err)
	}
	return nil
}
