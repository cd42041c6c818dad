package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

type nodeRow struct {
	NsID       string `db:"ns_id"`
	ClusterID  string `db:"cluster_id"`
	NodeID     string `db:"node_id"`
	NodeStatus string `db:"node_status"`
	NodeGroup  string `db:"node_group"`
	Kind       string `db:"kind"`
	Version    string `db:"version"`
	Details    []byte `db:"details"`
}

func (r nodeRow) toNode() (orchtypes.Node, error) {
	n := orchtypes.Node{
		NsID: r.NsID, ClusterID: r.ClusterID, NodeID: r.NodeID,
		NodeStatus: orchtypes.NodeStatus(r.NodeStatus), NodeGroup: r.NodeGroup,
		Kind: r.Kind, Version: r.Version,
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &n.Details); err != nil {
			return n, fmt.Errorf("decode node details %s: %w", r.NodeID, err)
		}
	}
	return n, nil
}

func (s *Store) ListNodes(ctx context.Context, key ports.ClusterKey) ([]orchtypes.Node, error) {
	var rows []nodeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ns_id, cluster_id, node_id, node_status, node_group, kind, version, details
		FROM nodes WHERE ns_id = $1 AND cluster_id = $2
	`, key.NsID, key.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("list nodes %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	out := make([]orchtypes.Node, 0, len(rows))
	for _, r := range rows {
		n, err := r.toNode()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) PersistNode(ctx context.Context, n orchtypes.Node) error {
	details, err := json.Marshal(n.Details)
	if err != nil {
		return fmt.Errorf("encode node details %s: %w", n.NodeID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (ns_id, cluster_id, node_id, node_status, node_group, kind, version, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (ns_id, cluster_id, node_id) DO UPDATE SET
			node_status = EXCLUDED.node_status, node_group = EXCLUDED.node_group,
			kind = EXCLUDED.kind, version = EXCLUDED.version, details = EXCLUDED.details
	`, n.NsID, n.ClusterID, n.NodeID, string(n.NodeStatus), n.NodeGroup, n.Kind, n.Version, details)
	if err != nil {
		return fmt.Errorf("persist node %s: %w", n.NodeID, err)
	}
	return nil
}

func (s *Store) ListShards(ctx context.Context, node ports.NodeKey) ([]orchtypes.Shard, error) {
	var shards []orchtypes.Shard
	err := s.db.SelectContext(ctx, &shards, `
		SELECT ns_id, cluster_id, node_id, shard_id, role, commit_offset, lag
		FROM shards WHERE ns_id = $1 AND cluster_id = $2 AND node_id = $3
	`, node.NsID, node.ClusterID, node.NodeID)
	if err != nil {
		return nil, fmt.Errorf("list shards %s/%s/%s: %w", node.NsID, node.ClusterID, node.NodeID, err)
	}
	return shards, nil
}

func (s *Store) PersistShard(ctx context.Context, sh orchtypes.Shard) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shards (ns_id, cluster_id, node_id, shard_id, role, commit_offset, lag)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ns_id, cluster_id, node_id, shard_id) DO UPDATE SET
			role = EXCLUDED.role, commit_offset = EXCLUDED.commit_offset, lag = EXCLUDED.lag
	`, sh.NsID, sh.ClusterID, sh.NodeID, sh.ShardID, string(sh.Role), sh.CommitOffset, sh.Lag)
	if err != nil {
		return fmt.Errorf("persist shard %s: %w", sh.Key(), err)
	}
	return nil
}

func (s *Store) DeleteShard(ctx context.Context, sh orchtypes.Shard) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM shards WHERE ns_id = $1 AND cluster_id = $2 AND node_id = $3 AND shard_id = $4
	`, sh.NsID, sh.ClusterID, sh.NodeID, sh.ShardID)
	if err != nil {
		return fmt.Errorf("delete shard %s: %w", sh.Key(), err)
	}
	return nil
}
