package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

type nactionRow struct {
	NsID          string         `db:"ns_id"`
	ClusterID     string         `db:"cluster_id"`
	NodeID        string         `db:"node_id"`
	ActionID      uuid.UUID      `db:"action_id"`
	Kind          string         `db:"kind"`
	Args          []byte         `db:"args"`
	Approval      string         `db:"approval"`
	Metadata      []byte         `db:"metadata"`
	CreatedTime   time.Time      `db:"created_time"`
	ScheduledTime sql.NullTime   `db:"scheduled_time"`
	FinishedTime  sql.NullTime   `db:"finished_time"`
	State         []byte         `db:"state"`
}

func (r nactionRow) toNAction() (orchtypes.NAction, error) {
	a := orchtypes.NAction{
		NsID: r.NsID, ClusterID: r.ClusterID, NodeID: r.NodeID, ActionID: r.ActionID,
		Kind: r.Kind, Approval: orchtypes.ApprovalMode(r.Approval), CreatedTime: r.CreatedTime,
	}
	if r.ScheduledTime.Valid {
		t := r.ScheduledTime.Time
		a.ScheduledTime = &t
	}
	if r.FinishedTime.Valid {
		t := r.FinishedTime.Time
		a.FinishedTime = &t
	}
	if len(r.Args) > 0 {
		if err := json.Unmarshal(r.Args, &a.Args); err != nil {
			return a, fmt.Errorf("decode naction args %s: %w", r.ActionID, err)
		}
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &a.Metadata); err != nil {
			return a, fmt.Errorf("decode naction metadata %s: %w", r.ActionID, err)
		}
	}
	if len(r.State) > 0 {
		if err := json.Unmarshal(r.State, &a.State); err != nil {
			return a, fmt.Errorf("decode naction state %s: %w", r.ActionID, err)
		}
	}
	return a, nil
}

func (s *Store) ListUnfinishedNActions(ctx context.Context, key ports.ClusterKey) ([]orchtypes.NAction, error) {
	var rows []nactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ns_id, cluster_id, node_id, action_id, kind, args, approval, metadata, created_time, scheduled_time, finished_time, state
		FROM nactions WHERE ns_id = $1 AND cluster_id = $2 AND finished_time IS NULL
	`, key.NsID, key.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("list unfinished nactions %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	out := make([]orchtypes.NAction, 0, len(rows))
	for _, r := range rows {
		a, err := r.toNAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) LookupNAction(ctx context.Context, key ports.ClusterKey, actionID uuid.UUID) (*orchtypes.NAction, error) {
	var r nactionRow
	err := s.db.GetContext(ctx, &r, `
		SELECT ns_id, cluster_id, node_id, action_id, kind, args, approval, metadata, created_time, scheduled_time, finished_time, state
		FROM nactions WHERE ns_id = $1 AND cluster_id = $2 AND action_id = $3
	`, key.NsID, key.ClusterID, actionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup naction %s: %w", actionID, err)
	}
	a, err := r.toNAction()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) PersistNAction(ctx context.Context, a orchtypes.NAction) error {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return fmt.Errorf("encode naction args %s: %w", a.ActionID, err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode naction metadata %s: %w", a.ActionID, err)
	}
	state, err := json.Marshal(a.State)
	if err != nil {
		return fmt.Errorf("encode naction state %s: %w", a.ActionID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nactions (ns_id, cluster_id, node_id, action_id, kind, args, approval, metadata, created_time, scheduled_time, finished_time, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ns_id, cluster_id, action_id) DO UPDATE SET
			node_id = EXCLUDED.node_id, kind = EXCLUDED.kind, args = EXCLUDED.args,
			approval = EXCLUDED.approval, metadata = EXCLUDED.metadata,
			scheduled_time = EXCLUDED.scheduled_time, finished_time = EXCLUDED.finished_time,
			state = EXCLUDED.state
	`, a.NsID, a.ClusterID, a.NodeID, a.ActionID, a.Kind, args, string(a.Approval), metadata,
		a.CreatedTime, a.ScheduledTime, a.FinishedTime, state)
	if err != nil {
		return fmt.Errorf("persist naction %s: %w", a.ActionID, err)
	}
	return nil
}

type oactionRow struct {
	NsID              string         `db:"ns_id"`
	ClusterID         string         `db:"cluster_id"`
	ActionID          uuid.UUID      `db:"action_id"`
	Kind              string         `db:"kind"`
	Args              []byte         `db:"args"`
	Approval          string         `db:"approval"`
	State             string         `db:"state"`
	Timeout           sql.NullInt64  `db:"timeout_ns"`
	CreatedTS         time.Time      `db:"created_ts"`
	ScheduledTS       sql.NullTime   `db:"scheduled_ts"`
	FinishedTS        sql.NullTime   `db:"finished_ts"`
	StatePayload      []byte         `db:"state_payload"`
	StatePayloadError string         `db:"state_payload_error"`
}

func (r oactionRow) toOAction() (orchtypes.OAction, error) {
	a := orchtypes.OAction{
		NsID: r.NsID, ClusterID: r.ClusterID, ActionID: r.ActionID, Kind: r.Kind,
		Approval: orchtypes.ApprovalMode(r.Approval), State: orchtypes.Phase(r.State),
		CreatedTS: r.CreatedTS, StatePayloadError: r.StatePayloadError,
	}
	if r.Timeout.Valid {
		d := time.Duration(r.Timeout.Int64)
		a.Timeout = &d
	}
	if r.ScheduledTS.Valid {
		t := r.ScheduledTS.Time
		a.ScheduledTS = &t
	}
	if r.FinishedTS.Valid {
		t := r.FinishedTS.Time
		a.FinishedTS = &t
	}
	if len(r.Args) > 0 {
		if err := json.Unmarshal(r.Args, &a.Args); err != nil {
			return a, fmt.Errorf("decode oaction args %s: %w", r.ActionID, err)
		}
	}
	if len(r.StatePayload) > 0 {
		if err := json.Unmarshal(r.StatePayload, &a.StatePayload); err != nil {
			return a, fmt.Errorf("decode oaction state payload %s: %w", r.ActionID, err)
		}
	}
	return a, nil
}

func (s *Store) ListUnfinishedOActions(ctx context.Context, key ports.ClusterKey) ([]orchtypes.OAction, error) {
	var rows []oactionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ns_id, cluster_id, action_id, kind, args, approval, state, timeout_ns, created_ts, scheduled_ts, finished_ts, state_payload, state_payload_error
		FROM oactions WHERE ns_id = $1 AND cluster_id = $2 AND finished_ts IS NULL
	`, key.NsID, key.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("list unfinished oactions %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	out := make([]orchtypes.OAction, 0, len(rows))
	for _, r := range rows {
		a, err := r.toOAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) PersistOAction(ctx context.Context, a orchtypes.OAction) error {
	args, err := json.Marshal(a.Args)
	if err != nil {
		return fmt.Errorf("encode oaction args %s: %w", a.ActionID, err)
	}
	payload, err := json.Marshal(a.StatePayload)
	if err != nil {
		return fmt.Errorf("encode oaction state payload %s: %w", a.ActionID, err)
	}
	var timeoutNS sql.NullInt64
	if a.Timeout != nil {
		timeoutNS = sql.NullInt64{Int64: int64(*a.Timeout), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oactions (ns_id, cluster_id, action_id, kind, args, approval, state, timeout_ns, created_ts, scheduled_ts, finished_ts, state_payload, state_payload_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (ns_id, cluster_id, action_id) DO UPDATE SET
			kind = EXCLUDED.kind, args = EXCLUDED.args, approval = EXCLUDED.approval,
			state = EXCLUDED.state, timeout_ns = EXCLUDED.timeout_ns,
			scheduled_ts = EXCLUDED.scheduled_ts, finished_ts = EXCLUDED.finished_ts,
			state_payload = EXCLUDED.state_payload, state_payload_error = EXCLUDED.state_payload_error
	`, a.NsID, a.ClusterID, a.ActionID, a.Kind, args, string(a.Approval), string(a.State), timeoutNS,
		a.CreatedTS, a.ScheduledTS, a.FinishedTS, payload, a.StatePayloadError)
	if err != nil {
		return fmt.Errorf("persist oaction %s: %w", a.ActionID, err)
	}
	return nil
}
