// Package archive exports terminal mission records to long-term sinks:
// a local JSONL file, a GreptimeDB time-series table, or both.
package archive

import (
	"context"
	"time"

	"github.com/skyfleet/fleetcore/internal/mission"
)

// Record is the flattened form of a finished mission, written once when
// the mission reaches a terminal phase.
type Record struct {
	MissionID       string    `json:"mission_id"`
	AgentID         string    `json:"agent_id"`
	Phase           string    `json:"phase"`
	Detected        bool      `json:"detected"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSec     float64   `json:"duration_sec"`
	DistanceFlownM  float64   `json:"distance_flown_m"`
	MaxAltitudeM    float64   `json:"max_altitude_m"`
	BatteryConsumed float64   `json:"battery_consumed"`
	AbortReason     string    `json:"abort_reason,omitempty"`
	AbortDetail     string    `json:"abort_detail,omitempty"`
}

// NewRecord flattens a terminal execution into an archive record.
func NewRecord(exec mission.Execution) Record {
	rec := Record{
		MissionID:       exec.MissionID,
		AgentID:         exec.AgentID,
		Phase:           string(exec.Phase),
		Detected:        exec.Detected,
		StartTime:       exec.StartTime,
		EndTime:         exec.EndTime,
		DistanceFlownM:  exec.Metrics.DistanceFlownM,
		MaxAltitudeM:    exec.Metrics.MaxAltitudeM,
		BatteryConsumed: exec.Metrics.BatteryConsumed,
		AbortReason:     string(exec.AbortReason),
		AbortDetail:     exec.AbortDetail,
	}
	if !exec.StartTime.IsZero() && !exec.EndTime.IsZero() {
		rec.DurationSec = exec.EndTime.Sub(exec.StartTime).Seconds()
	}
	return rec
}

// Writer archives one mission record.
type Writer interface {
	Write(ctx context.Context, rec Record) error
}

// MultiWriter fans a record out to several sinks. The first failure is
// returned after all sinks were attempted.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (mw *MultiWriter) Write(ctx context.Context, rec Record) error {
	var first error
	for _, w := range mw.writers {
		if err := w.Write(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
