package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

func (s *Store) LookupConvergeState(ctx context.Context, key ports.ClusterKey) (*orchtypes.ConvergeState, error) {
	var row struct {
		NsID      string `db:"ns_id"`
		ClusterID string `db:"cluster_id"`
		Graces    []byte `db:"graces"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT ns_id, cluster_id, graces FROM converge_states WHERE ns_id = $1 AND cluster_id = $2
	`, key.NsID, key.ClusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup converge state %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	cs := orchtypes.ConvergeState{NsID: row.NsID, ClusterID: row.ClusterID}
	if len(row.Graces) > 0 {
		if err := json.Unmarshal(row.Graces, &cs.Graces); err != nil {
			return nil, fmt.Errorf("decode converge state graces %s/%s: %w", key.NsID, key.ClusterID, err)
		}
	}
	return &cs, nil
}

func (s *Store) PersistConvergeState(ctx context.Context, cs orchtypes.ConvergeState) error {
	graces, err := json.Marshal(cs.Graces)
	if err != nil {
		return fmt.Errorf("encode converge state graces %s/%s: %w", cs.NsID, cs.ClusterID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO converge_states (ns_id, cluster_id, graces)
		VALUES ($1, $2, $3)
		ON CONFLICT (ns_id, cluster_id) DO UPDATE SET graces = EXCLUDED.graces
	`, cs.NsID, cs.ClusterID, graces)
	if err != nil {
		return fmt.Errorf("persist converge state %s/%s: %w", cs.NsID, cs.ClusterID, err)
	}
	return nil
}
