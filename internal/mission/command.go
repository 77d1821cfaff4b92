package mission

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Command is an idempotent directive for the transport collaborator. The
// collaborator translates it to the vehicle wire protocol and must
// acknowledge within the context deadline.
type Command struct {
	AgentID string         `json:"agent_id"`
	Name    string         `json:"name"`
	Params  map[string]any `json:"params,omitempty"`
}

// Commander dispatches commands to the physical/transport collaborator.
// Send returns once the command is acknowledged or the context expires.
type Commander interface {
	Send(ctx context.Context, cmd Command) error
}

// ErrCommandTimeout is returned after all dispatch attempts fail.
var ErrCommandTimeout = errors.New("command not acknowledged")

// Command dispatch bounds. Commands are idempotent, so retries are safe.
const (
	AckTimeout  = 5 * time.Second
	maxAttempts = 3
)

// sendWithRetry dispatches cmd, retrying on ack timeout up to maxAttempts.
func sendWithRetry(ctx context.Context, c Commander, cmd Command) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, AckTimeout)
		err := c.Send(attemptCtx, cmd)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrCommandTimeout, cmd.Name, maxAttempts, lastErr)
}
