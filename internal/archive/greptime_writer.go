package archive

import (
	"context"
	"fmt"
	"net"
	"strconv"

	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	ingesterContext "github.com/GreptimeTeam/greptimedb-ingester-go/context"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"
)

const archiveTable = "mission_archive"

// Archive rows are kept for one year. The hint only applies when the
// first write auto-creates the table.
var archiveHints = []*ingesterContext.Hint{{Key: "ttl", Value: "365d"}}

// GreptimeWriter archives mission records to a GreptimeDB table, tagged
// by cluster and agent and time-indexed on the mission end time.
type GreptimeWriter struct {
	client    *greptime.Client
	clusterID string
}

// NewGreptimeWriter connects to GreptimeDB. endpoint is a host or
// host:port pair for the gRPC ingest port (default 4001).
func NewGreptimeWriter(endpoint, database, clusterID string) (*GreptimeWriter, error) {
	host, port := splitEndpoint(endpoint)
	cfg := greptime.NewConfig(host).WithDatabase(database)
	if port > 0 {
		cfg = cfg.WithPort(port)
	}
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	return &GreptimeWriter{client: client, clusterID: clusterID}, nil
}

func splitEndpoint(endpoint string) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return endpoint, 0
	}
	return host, port
}

func (w *GreptimeWriter) Write(ctx context.Context, rec Record) error {
	tbl, err := archiveRow(w.clusterID, rec)
	if err != nil {
		return fmt.Errorf("archive row: %w", err)
	}
	wctx := ingesterContext.New(ctx, ingesterContext.WithHint(archiveHints))
	if _, err := w.client.Write(wctx, tbl); err != nil {
		return fmt.Errorf("archive write: %w", err)
	}
	return nil
}

// archiveRow maps a record onto the table schema. Column declaration order
// defines the value order passed to AddRow.
func archiveRow(clusterID string, rec Record) (*table.Table, error) {
	tbl, err := table.New(archiveTable)
	if err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("cluster_id", types.STRING); err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("agent_id", types.STRING); err != nil {
		return nil, err
	}
	fields := []struct {
		name string
		typ  types.ColumnType
	}{
		{"mission_id", types.STRING},
		{"phase", types.STRING},
		{"detected", types.BOOLEAN},
		{"duration_sec", types.FLOAT64},
		{"distance_flown_m", types.FLOAT64},
		{"max_altitude_m", types.FLOAT64},
		{"battery_consumed", types.FLOAT64},
		{"abort_reason", types.STRING},
		{"abort_detail", types.STRING},
		{"start_time", types.TIMESTAMP_MILLISECOND},
	}
	for _, f := range fields {
		if err := tbl.AddFieldColumn(f.name, f.typ); err != nil {
			return nil, err
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	if err := tbl.AddRow(
		clusterID,
		rec.AgentID,
		rec.MissionID,
		rec.Phase,
		rec.Detected,
		rec.DurationSec,
		rec.DistanceFlownM,
		rec.MaxAltitudeM,
		rec.BatteryConsumed,
		rec.AbortReason,
		rec.AbortDetail,
		rec.StartTime,
		rec.EndTime,
	); err != nil {
		return nil, err
	}
	return tbl, nil
}
