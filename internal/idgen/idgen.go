package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MissionID returns an identifier for a mission flown by the given agent,
// e.g. "mission-hawk-3-018f2c6e-...". The agent prefix keeps mission ids
// greppable in logs and archives.
func MissionID(agentID string) string {
	return "mission-" + agentID + "-" + New()
}
