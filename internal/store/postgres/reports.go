package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func (s *Store) PersistReport(ctx context.Context, rpt orchtypes.OrchestrateReport) error {
	outcome, err := json.Marshal(rpt.Outcome)
	if err != nil {
		return fmt.Errorf("encode report outcome %s/%s: %w", rpt.NsID, rpt.ClusterID, err)
	}
	choices, err := json.Marshal(rpt.ActionSchedulingChoices)
	if err != nil {
		return fmt.Errorf("encode report scheduling choices %s/%s: %w", rpt.NsID, rpt.ClusterID, err)
	}
	notes, err := json.Marshal(rpt.Notes)
	if err != nil {
		return fmt.Errorf("encode report notes %s/%s: %w", rpt.NsID, rpt.ClusterID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orchestrate_reports (
			ns_id, cluster_id, start_time, duration_ns, outcome,
			nodes_synced, nodes_failed, node_actions_scheduled,
			node_actions_schedule_failed, node_actions_lost,
			action_scheduling_choices, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rpt.NsID, rpt.ClusterID, rpt.StartTime, int64(rpt.Duration), outcome,
		rpt.NodesSynced, rpt.NodesFailed, rpt.NodeActionsScheduled,
		rpt.NodeActionsScheduleFailed, rpt.NodeActionsLost, choices, notes)
	if err != nil {
		return fmt.Errorf("persist report %s/%s: %w", rpt.NsID, rpt.ClusterID, err)
	}
	return nil
}

type reportRow struct {
	NsID                      string        `db:"ns_id"`
	ClusterID                 string        `db:"cluster_id"`
	StartTime                 time.Time     `db:"start_time"`
	DurationNS                int64         `db:"duration_ns"`
	Outcome                   []byte        `db:"outcome"`
	NodesSynced               int           `db:"nodes_synced"`
	NodesFailed               int           `db:"nodes_failed"`
	NodeActionsScheduled      int           `db:"node_actions_scheduled"`
	NodeActionsScheduleFailed int           `db:"node_actions_schedule_failed"`
	NodeActionsLost           int           `db:"node_actions_lost"`
	ActionSchedulingChoices   []byte        `db:"action_scheduling_choices"`
	Notes                     []byte        `db:"notes"`
}

func (r reportRow) toReport() (orchtypes.OrchestrateReport, error) {
	rpt := orchtypes.OrchestrateReport{
		NsID: r.NsID, ClusterID: r.ClusterID, StartTime: r.StartTime, Duration: time.Duration(r.DurationNS),
		NodesSynced: r.NodesSynced, NodesFailed: r.NodesFailed,
		NodeActionsScheduled: r.NodeActionsScheduled, NodeActionsScheduleFailed: r.NodeActionsScheduleFailed,
		NodeActionsLost: r.NodeActionsLost,
	}
	if len(r.Outcome) > 0 {
		if err := json.Unmarshal(r.Outcome, &rpt.Outcome); err != nil {
			return rpt, fmt.Errorf("decode report outcome %s/%s: %w", r.NsID, r.ClusterID, err)
		}
	}
	if len(r.ActionSchedulingChoices) > 0 {
		if err := json.Unmarshal(r.ActionSchedulingChoices, &rpt.ActionSchedulingChoices); err != nil {
			return rpt, fmt.Errorf("decode report scheduling choices %s/%s: %w", r.NsID, r.ClusterID, err)
		}
	}
	if len(r.Notes) > 0 {
		if err := json.Unmarshal(r.Notes, &rpt.Notes); err != nil {
			return rpt, fmt.Errorf("decode report notes %s/%s: %w", r.NsID, r.ClusterID, err)
		}
	}
	return rpt, nil
}

// ListRecentReports returns the most recent reports for a cluster, newest first.
func (s *Store) ListRecentReports(ctx context.Context, key ports.ClusterKey, limit int) ([]orchtypes.OrchestrateReport, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []reportRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ns_id, cluster_id, start_time, duration_ns, outcome, nodes_synced, nodes_failed,
			node_actions_scheduled, node_actions_schedule_failed, node_actions_lost,
			action_scheduling_choices, notes
		FROM orchestrate_reports WHERE ns_id = $1 AND cluster_id = $2
		ORDER BY start_time DESC LIMIT $3
	`, key.NsID, key.ClusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent reports %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	out := make([]orchtypes.OrchestrateReport, 0, len(rows))
	for _, r := range rows {
		rpt, err := r.toReport()
		if err != nil {
			return nil, err
		}
		out = append(out, rpt)
	}
	return out, nil
}
