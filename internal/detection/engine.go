// Package detection classifies operational session boundaries from an
// agent's telemetry stream. The engine is a pure transition function over a
// serializable State so it can be checkpointed and replayed alongside the
// owning entity actor.
package detection

import (
	"time"

	"github.com/skyfleet/fleetcore/internal/telemetry"
)

// Verdict is the engine's answer for one telemetry sample.
type Verdict string

const (
	Continue            Verdict = "continue"
	ConfirmSessionStart Verdict = "confirm_session_start"
	ConfirmSessionEnd   Verdict = "confirm_session_end"
	RevertFalseStart    Verdict = "revert_false_start"
)

// Profile is the per-deployment rule configuration. It is supplied from
// config and never hardcoded.
type Profile struct {
	MinDuration    time.Duration `yaml:"min_duration" json:"min_duration"`
	MinDistanceM   float64       `yaml:"min_distance_m" json:"min_distance_m"`
	RequireGPSLock bool          `yaml:"require_gps_lock" json:"require_gps_lock"`
	DisarmTimeout  time.Duration `yaml:"disarm_timeout" json:"disarm_timeout"`
}

// Phase names for the detector's internal state.
const (
	PhaseIdle      = "idle"
	PhaseCandidate = "candidate"
	PhaseSession   = "in_session"
)

// State is the detector's serializable state. StartSample is the telemetry
// sample that opened the current candidate window; Home is the last fix seen
// while idle, used as a distance reference when the candidate opened without
// a position fix.
type State struct {
	Phase       string            `json:"phase"`
	StartSample *telemetry.Sample `json:"start_sample,omitempty"`
	Home        *telemetry.Sample `json:"home,omitempty"`
	LastSeen    time.Time         `json:"last_seen,omitempty"`
}

// NewState returns the initial detector state.
func NewState() State {
	return State{Phase: PhaseIdle}
}

// Engine evaluates telemetry samples against a Profile.
type Engine struct {
	Profile Profile
}

// Evaluate applies one sample to the detector state and returns the new
// state plus a verdict. It never mutates its inputs.
func (e Engine) Evaluate(st State, sample telemetry.Sample) (State, Verdict) {
	if sample.Timestamp.IsZero() {
		return st, Continue
	}

	switch st.Phase {
	case PhaseCandidate:
		return e.evaluateCandidate(st, sample)
	case PhaseSession:
		return e.evaluateSession(st, sample)
	default:
		return e.evaluateIdle(st, sample)
	}
}

func (e Engine) evaluateIdle(st State, sample telemetry.Sample) (State, Verdict) {
	next := st
	next.Phase = PhaseIdle
	next.LastSeen = sample.Timestamp
	if sample.HasFix {
		home := sample
		next.Home = &home
	}
	if sample.Armed {
		start := sample
		next.Phase = PhaseCandidate
		next.StartSample = &start
	}
	return next, Continue
}

func (e Engine) evaluateCandidate(st State, sample telemetry.Sample) (State, Verdict) {
	if !sample.Armed {
		// Disarmed before the session was confirmed.
		return State{Phase: PhaseIdle, Home: st.Home, LastSeen: sample.Timestamp}, RevertFalseStart
	}
	start := st.StartSample
	if start == nil {
		return State{Phase: PhaseIdle, Home: st.Home, LastSeen: sample.Timestamp}, RevertFalseStart
	}

	next := st
	next.LastSeen = sample.Timestamp

	// The candidate may have opened on a heartbeat without a fix. Prefer
	// the home fix as the distance reference, else backfill the start
	// sample from the first positioned sample.
	ref := *start
	if !ref.HasFix {
		switch {
		case st.Home != nil && st.Home.HasFix:
			ref.Position = st.Home.Position
			ref.HasFix = true
		case sample.HasFix:
			backfilled := *start
			backfilled.Position = sample.Position
			backfilled.HasFix = true
			next.StartSample = &backfilled
			ref = backfilled
		}
	}

	if e.Profile.RequireGPSLock && !sample.HasFix {
		return next, Continue
	}

	duration := sample.Timestamp.Sub(start.Timestamp)
	if duration < e.Profile.MinDuration {
		return next, Continue
	}
	var dist float64
	if ref.HasFix && sample.HasFix {
		dist = telemetry.Distance(ref.Position, sample.Position)
	}
	if dist < e.Profile.MinDistanceM {
		// Duration met but not movement; keep watching.
		return next, Continue
	}

	next.Phase = PhaseSession
	return next, ConfirmSessionStart
}

func (e Engine) evaluateSession(st State, sample telemetry.Sample) (State, Verdict) {
	if !sample.Armed {
		return State{Phase: PhaseIdle, Home: st.Home, LastSeen: sample.Timestamp}, ConfirmSessionEnd
	}
	if e.Profile.DisarmTimeout > 0 && !st.LastSeen.IsZero() {
		if gap := sample.Timestamp.Sub(st.LastSeen); gap > e.Profile.DisarmTimeout {
			// Telemetry gap longer than the disarm timeout: the vehicle
			// went dark mid-session and came back; treat the old session
			// as ended.
			return State{Phase: PhaseIdle, Home: st.Home, LastSeen: sample.Timestamp}, ConfirmSessionEnd
		}
	}
	next := st
	next.LastSeen = sample.Timestamp
	return next, Continue
}
