package mission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skyfleet/fleetcore/internal/fleet"
	"github.com/skyfleet/fleetcore/internal/telemetry"
)

// Phase is the mission lifecycle phase.
type Phase string

const (
	PhaseDraft      Phase = "draft"
	PhaseValidating Phase = "validating"
	PhaseExecuting  Phase = "executing"
	PhaseCompleted  Phase = "completed"
	PhaseAborted    Phase = "aborted"
)

// AbortReason classifies why a mission ended in PhaseAborted.
type AbortReason string

const (
	ReasonValidationFailed    AbortReason = "validation_failed"
	ReasonConstraintBreach    AbortReason = "constraint_breach"
	ReasonCommandTimeout      AbortReason = "command_timeout"
	ReasonConnectivityTimeout AbortReason = "connectivity_timeout"
	ReasonEmergencyStop       AbortReason = "emergency_stop"
)

// waypointToleranceM is the distance below which a waypoint counts as
// achieved.
const waypointToleranceM = 2.0

// Metrics accumulates flight statistics while executing.
type Metrics struct {
	DistanceFlownM  float64 `json:"distance_flown_m"`
	MaxAltitudeM    float64 `json:"max_altitude_m"`
	BatteryConsumed float64 `json:"battery_consumed"`
}

// Execution is the mutable runtime record of one mission. It is owned
// exclusively by one Machine and serialized into checkpoints.
type Execution struct {
	MissionID   string      `json:"mission_id"`
	AgentID     string      `json:"agent_id"`
	Phase       Phase       `json:"phase"`
	StepIndex   int         `json:"step_index"`
	StartTime   time.Time   `json:"start_time,omitzero"`
	EndTime     time.Time   `json:"end_time,omitzero"`
	Metrics     Metrics     `json:"metrics"`
	AbortReason AbortReason `json:"abort_reason,omitempty"`
	AbortDetail string      `json:"abort_detail,omitempty"`
	Detected    bool        `json:"detected,omitempty"`
	Suspended   bool        `json:"suspended,omitempty"`
	SuspendedAt time.Time   `json:"suspended_at,omitzero"`

	LastPosition *telemetry.Position `json:"last_position,omitempty"`
	StartBattery float64             `json:"start_battery,omitempty"`
	BatterySeen  bool                `json:"battery_seen,omitempty"`
}

// PhaseTransitionError reports an illegal mission phase transition.
type PhaseTransitionError struct {
	MissionID string
	From      Phase
	To        Phase
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("invalid mission phase transition for %s: %s -> %s", e.MissionID, e.From, e.To)
}

func canTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	switch from {
	case PhaseDraft:
		return to == PhaseValidating || to == PhaseAborted
	case PhaseValidating:
		return to == PhaseExecuting || to == PhaseAborted
	case PhaseExecuting:
		return to == PhaseCompleted || to == PhaseAborted
	case PhaseCompleted, PhaseAborted:
		return false
	default:
		return false
	}
}

// Machine drives one mission through its lifecycle. All methods are called
// from the owning entity actor, so no internal locking is needed.
type Machine struct {
	Plan Plan
	Exec Execution

	commander Commander
	log       *slog.Logger
	now       func() time.Time
}

// New creates a mission machine in PhaseDraft from an operator plan.
func New(missionID, agentID string, plan Plan, c Commander, log *slog.Logger) *Machine {
	return &Machine{
		Plan: plan,
		Exec: Execution{MissionID: missionID, AgentID: agentID, Phase: PhaseDraft},

		commander: c,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewDetected creates an already-executing machine for an organically
// detected session: the vehicle is flying without an operator plan, so
// there is no route and nothing to validate.
func NewDetected(missionID, agentID string, start time.Time, c Commander, log *slog.Logger) *Machine {
	return &Machine{
		Exec: Execution{
			MissionID: missionID,
			AgentID:   agentID,
			Phase:     PhaseExecuting,
			StartTime: start,
			Detected:  true,
		},
		commander: c,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Rehydrate restores a machine from a checkpointed plan and execution.
func Rehydrate(plan Plan, exec Execution, c Commander, log *slog.Logger) *Machine {
	return &Machine{
		Plan:      plan,
		Exec:      exec,
		commander: c,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the machine's time source. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	if now != nil {
		m.now = now
	}
	return m
}

// Phase returns the current mission phase.
func (m *Machine) Phase() Phase { return m.Exec.Phase }

// Terminal reports whether the mission reached a final phase.
func (m *Machine) Terminal() bool {
	return m.Exec.Phase == PhaseCompleted || m.Exec.Phase == PhaseAborted
}

func (m *Machine) transition(to Phase) error {
	if !canTransition(m.Exec.Phase, to) {
		return &PhaseTransitionError{MissionID: m.Exec.MissionID, From: m.Exec.Phase, To: to}
	}
	m.Exec.Phase = to
	return nil
}

// Validate runs the safety validator against the agent snapshot the entity
// actor supplies. On failure the mission aborts immediately and never
// reaches PhaseExecuting.
func (m *Machine) Validate(snap fleet.Snapshot) error {
	if err := m.transition(PhaseValidating); err != nil {
		return err
	}
	if err := ValidateSafety(m.Plan, snap); err != nil {
		m.finalize(PhaseAborted, ReasonValidationFailed, err.Error())
		return err
	}
	return nil
}

// Begin moves a validated mission into execution and issues the arm and
// first-step directives.
func (m *Machine) Begin(ctx context.Context) error {
	if err := m.transition(PhaseExecuting); err != nil {
		return err
	}
	m.Exec.StartTime = m.now()
	if err := m.send(ctx, Command{AgentID: m.Exec.AgentID, Name: "arm"}); err != nil {
		m.finalize(PhaseAborted, ReasonCommandTimeout, err.Error())
		return err
	}
	if err := m.dispatchCurrentStep(ctx); err != nil {
		m.finalize(PhaseAborted, ReasonCommandTimeout, err.Error())
		return err
	}
	return nil
}

// HandleTelemetry folds one telemetry sample into the executing mission:
// metric accumulation, in-flight constraint re-evaluation, and waypoint
// progression. It returns the resulting phase; a constraint breach aborts
// with an RTL directive rather than returning an error.
func (m *Machine) HandleTelemetry(ctx context.Context, sample telemetry.Sample) (Phase, error) {
	if m.Exec.Phase != PhaseExecuting || m.Exec.Suspended {
		return m.Exec.Phase, nil
	}

	m.accumulate(sample)

	if detail, breached := m.checkConstraints(sample); breached {
		m.AbortWithRTL(ctx, ReasonConstraintBreach, detail)
		return m.Exec.Phase, nil
	}

	if m.Exec.Detected || m.Exec.StepIndex >= len(m.Plan.Route) {
		return m.Exec.Phase, nil
	}

	if !m.stepAchieved(m.Plan.Route[m.Exec.StepIndex], sample) {
		return m.Exec.Phase, nil
	}
	m.Exec.StepIndex++
	if err := m.dispatchCurrentStep(ctx); err != nil {
		m.finalize(PhaseAborted, ReasonCommandTimeout, err.Error())
	}
	return m.Exec.Phase, nil
}

// RouteFinished reports whether every route directive has been issued.
// The final land step never advances on telemetry: touchdown is confirmed
// by disarm, so the route counts as finished once the land step is the
// current step. Detected sessions have no route and are always finished.
func (m *Machine) RouteFinished() bool {
	if m.Exec.Detected {
		return true
	}
	n := len(m.Plan.Route)
	if m.Exec.StepIndex >= n {
		return true
	}
	return m.Exec.StepIndex == n-1 && m.Plan.Route[m.Exec.StepIndex].Type == StepLand
}

// Complete finishes an executing mission normally (route finished and
// disarm confirmed, or detected session ended).
func (m *Machine) Complete() error {
	if err := m.transition(PhaseCompleted); err != nil {
		return err
	}
	m.Exec.EndTime = m.now()
	return nil
}

// AbortWithRTL issues a return-to-launch directive (best effort) and moves
// the mission to PhaseAborted with the given reason. When the plan carries
// a rally point the directive targets it instead of the launch position.
func (m *Machine) AbortWithRTL(ctx context.Context, reason AbortReason, detail string) {
	if m.Terminal() {
		return
	}
	if m.Exec.Phase == PhaseExecuting {
		cmd := Command{AgentID: m.Exec.AgentID, Name: "rtl"}
		if rp := m.Plan.RallyPoint; rp != nil {
			cmd.Params = map[string]any{"lat": rp.Lat, "lon": rp.Lon}
		}
		if err := m.send(ctx, cmd); err != nil {
			m.log.Warn("rtl directive not acknowledged", "mission", m.Exec.MissionID, "error", err)
		}
	}
	m.finalize(PhaseAborted, reason, detail)
}

// Abort moves the mission to PhaseAborted without issuing directives.
// Used when the vehicle is unreachable (connectivity timeout).
func (m *Machine) Abort(reason AbortReason, detail string) {
	if m.Terminal() {
		return
	}
	m.finalize(PhaseAborted, reason, detail)
}

// Suspend pauses constraint evaluation and progression while the vehicle
// is disconnected. The mission stays in PhaseExecuting.
func (m *Machine) Suspend(at time.Time) {
	if m.Exec.Phase != PhaseExecuting {
		return
	}
	m.Exec.Suspended = true
	m.Exec.SuspendedAt = at
}

// Resume clears the suspension after the vehicle reconnects in time.
func (m *Machine) Resume() {
	m.Exec.Suspended = false
	m.Exec.SuspendedAt = time.Time{}
}

func (m *Machine) finalize(phase Phase, reason AbortReason, detail string) {
	m.Exec.Phase = phase
	m.Exec.AbortReason = reason
	m.Exec.AbortDetail = detail
	m.Exec.EndTime = m.now()
}

func (m *Machine) accumulate(sample telemetry.Sample) {
	if sample.HasFix {
		if m.Exec.LastPosition != nil {
			m.Exec.Metrics.DistanceFlownM += telemetry.Distance(*m.Exec.LastPosition, sample.Position)
		}
		pos := sample.Position
		m.Exec.LastPosition = &pos
		if sample.Position.Alt > m.Exec.Metrics.MaxAltitudeM {
			m.Exec.Metrics.MaxAltitudeM = sample.Position.Alt
		}
	}
	if sample.Battery > 0 {
		if !m.Exec.BatterySeen {
			m.Exec.StartBattery = sample.Battery
			m.Exec.BatterySeen = true
		}
		if used := m.Exec.StartBattery - sample.Battery; used > m.Exec.Metrics.BatteryConsumed {
			m.Exec.Metrics.BatteryConsumed = used
		}
	}
}

func (m *Machine) checkConstraints(sample telemetry.Sample) (string, bool) {
	c := m.Plan.Constraints
	if sample.HasFix && !m.Plan.Geofence.Contains(sample.Position) {
		return fmt.Sprintf("geofence violation at %.5f,%.5f alt %.0fm", sample.Position.Lat, sample.Position.Lon, sample.Position.Alt), true
	}
	if c.MinBatteryAbort > 0 && sample.Battery > 0 && sample.Battery < c.MinBatteryAbort {
		return fmt.Sprintf("battery %.0f%% below abort floor %.0f%%", sample.Battery, c.MinBatteryAbort), true
	}
	if c.MaxWindSpeed > 0 && sample.WindSpeed > c.MaxWindSpeed {
		return fmt.Sprintf("wind %.1f above limit %.1f", sample.WindSpeed, c.MaxWindSpeed), true
	}
	if c.MaxDuration > 0 && !m.Exec.StartTime.IsZero() && sample.Timestamp.Sub(m.Exec.StartTime) > c.MaxDuration {
		return fmt.Sprintf("mission exceeded max duration %s", c.MaxDuration), true
	}
	return "", false
}

func (m *Machine) stepAchieved(step Step, sample telemetry.Sample) bool {
	switch step.Type {
	case StepTakeoff:
		return sample.HasFix && sample.Position.Alt >= step.Alt-waypointToleranceM
	case StepWaypoint:
		return sample.HasFix && telemetry.Distance(sample.Position, step.Position) <= waypointToleranceM
	case StepLand:
		// Landing is confirmed by disarm, which the entity actor observes
		// through the detection engine.
		return false
	default:
		return false
	}
}

// dispatchCurrentStep sends the directive for the current step. Action
// steps complete on acknowledgment, so consecutive actions are dispatched
// in sequence until the route reaches a positional step or its end.
func (m *Machine) dispatchCurrentStep(ctx context.Context) error {
	for m.Exec.StepIndex < len(m.Plan.Route) {
		step := m.Plan.Route[m.Exec.StepIndex]
		if err := m.send(ctx, m.stepCommand(step)); err != nil {
			return err
		}
		if step.Type != StepAction {
			return nil
		}
		m.Exec.StepIndex++
	}
	return nil
}

func (m *Machine) stepCommand(step Step) Command {
	cmd := Command{AgentID: m.Exec.AgentID, Name: string(step.Type)}
	switch step.Type {
	case StepTakeoff:
		cmd.Params = map[string]any{"alt": step.Alt}
	case StepWaypoint:
		cmd.Params = map[string]any{"lat": step.Position.Lat, "lon": step.Position.Lon, "alt": step.Position.Alt}
		if step.HoldSec > 0 {
			cmd.Params["hold_sec"] = step.HoldSec
		}
	case StepAction:
		cmd.Params = map[string]any{"action": step.Action}
	case StepLand:
		if step.Position.Lat != 0 || step.Position.Lon != 0 {
			cmd.Params = map[string]any{"lat": step.Position.Lat, "lon": step.Position.Lon}
		}
	}
	return cmd
}

func (m *Machine) send(ctx context.Context, cmd Command) error {
	if m.commander == nil {
		return nil
	}
	return sendWithRetry(ctx, m.commander, cmd)
}
