package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/skyfleet/fleetcore/internal/detection"
	"github.com/skyfleet/fleetcore/internal/eventbus"
	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/mission"
)

var ErrNotFound = errors.New("history: not found")

// Checkpoint is everything an entity actor needs to resume: a full copy of
// its durable state as of Seq. Events with seq > Seq are replayed on top.
type Checkpoint struct {
	Seq         uint64             `json:"seq"`
	Agent       fleet.Agent        `json:"agent"`
	Detection   detection.State    `json:"detection"`
	MissionPlan *mission.Plan      `json:"mission_plan,omitempty"`
	MissionExec *mission.Execution `json:"mission_exec,omitempty"`
	PendingPlan *mission.Plan      `json:"pending_plan,omitempty"`

	PendingDraftID   string `json:"pending_draft_id,omitempty"`
	PendingMissionID string `json:"pending_mission_id,omitempty"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendEvent durably records one event. Implements eventbus.Recorder;
// called synchronously on the publish path, so the event is on disk before
// any actor can observe it.
func (s *Store) AppendEvent(evt eventbus.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return execWithRetry(context.Background(), s.db,
		`INSERT INTO events (agent_id, seq, id, kind, priority, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.AgentID, evt.Seq, evt.ID, string(evt.Kind), string(evt.Priority), string(payload),
		evt.CreatedAt.Format(time.RFC3339Nano))
}

// LoadTail returns the agent's events with seq greater than afterSeq, in
// sequence order.
func (s *Store) LoadTail(ctx context.Context, agentID string, afterSeq uint64) ([]eventbus.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE agent_id = ? AND seq > ? ORDER BY seq ASC`,
		agentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("load tail: %w", err)
	}
	defer rows.Close()

	var out []eventbus.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var evt eventbus.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest sequence durably recorded for the agent,
// considering both the event log and the checkpoint.
func (s *Store) LastSeq(ctx context.Context, agentID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(n), 0) FROM (
		   SELECT MAX(seq) AS n FROM events WHERE agent_id = ?
		   UNION ALL
		   SELECT seq AS n FROM checkpoints WHERE agent_id = ?
		 )`, agentID, agentID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// SaveCheckpoint writes the checkpoint and prunes covered events in one
// transaction, so either both land or neither does.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (agent_id, seq, state, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET seq = excluded.seq, state = excluded.state, created_at = excluded.created_at`,
		cp.Agent.ID, cp.Seq, string(state), now); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE agent_id = ? AND seq <= ?`, cp.Agent.ID, cp.Seq); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the agent's checkpoint, or ErrNotFound if none
// has been written yet.
func (s *Store) LoadCheckpoint(ctx context.Context, agentID string) (Checkpoint, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE agent_id = ?`, agentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(state), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// DeleteAgent removes all durable state for an agent. Used on
// decommission.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if err := execWithRetry(ctx, s.db, `DELETE FROM events WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err := execWithRetry(ctx, s.db, `DELETE FROM checkpoints WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// SaveMission upserts a mission record keyed by mission id.
func (s *Store) SaveMission(ctx context.Context, exec mission.Execution) error {
	record, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode mission: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return execWithRetry(ctx, s.db,
		`INSERT INTO missions (id, agent_id, phase, record, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET phase = excluded.phase, record = excluded.record, updated_at = excluded.updated_at`,
		exec.MissionID, exec.AgentID, string(exec.Phase), string(record), now)
}

// GetMission returns one mission record by id.
func (s *Store) GetMission(ctx context.Context, missionID string) (mission.Execution, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM missions WHERE id = ?`, missionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return mission.Execution{}, ErrNotFound
	}
	if err != nil {
		return mission.Execution{}, fmt.Errorf("get mission: %w", err)
	}
	var exec mission.Execution
	if err := json.Unmarshal([]byte(record), &exec); err != nil {
		return mission.Execution{}, fmt.Errorf("decode mission: %w", err)
	}
	return exec, nil
}

// ListMissions returns the most recently updated mission records for an
// agent, newest first. An empty agentID lists across the fleet.
func (s *Store) ListMissions(ctx context.Context, agentID string, limit int) ([]mission.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT record FROM missions ORDER BY updated_at DESC LIMIT ?`
	args := []any{limit}
	if agentID != "" {
		query = `SELECT record FROM missions WHERE agent_id = ? ORDER BY updated_at DESC LIMIT ?`
		args = []any{agentID, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var out []mission.Execution
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan mission: %w", err)
		}
		var exec mission.Execution
		if err := json.Unmarshal([]byte(record), &exec); err != nil {
			return nil, fmt.Errorf("decode mission: %w", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missions: %w", err)
	}
	return out, nil
}

// CheckpointedAgents lists agent ids with a stored checkpoint. Used at
// startup to re-enroll known agents.
func (s *Store) CheckpointedAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM checkpoints ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		_, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
