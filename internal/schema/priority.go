package schema

import "strings"

// Priority represents a validated event priority level.
type Priority string

const (
	PriorityInterrupt Priority = "interrupt"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
)

// ParsePriority validates a raw string. Defaults to PriorityNormal.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "interrupt":
		return PriorityInterrupt
	case "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Rank returns numeric priority (lower = higher).
// interrupt=0, normal=1, low=2.
func (p Priority) Rank() int {
	switch p {
	case PriorityInterrupt:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}
