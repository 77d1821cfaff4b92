package entity

import "fmt"

// AssignErrorCode classifies why an assignment was refused.
type AssignErrorCode string

const (
	CodeBusy                AssignErrorCode = "busy"
	CodeUnreachable         AssignErrorCode = "unreachable"
	CodeConstraintViolation AssignErrorCode = "constraint_violation"
	CodeCommandTimeout      AssignErrorCode = "command_timeout"
)

// AssignError is returned when an agent refuses a mission assignment.
type AssignError struct {
	Code   AssignErrorCode
	Detail string
}

func (e *AssignError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("assignment refused: %s", e.Code)
	}
	return fmt.Sprintf("assignment refused: %s: %s", e.Code, e.Detail)
}

// AssignResult reports the outcome of an accepted assignment.
type AssignResult struct {
	MissionID       string `json:"mission_id"`
	PendingApproval bool   `json:"pending_approval,omitempty"`
}
