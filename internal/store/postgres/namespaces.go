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

func (s *Store) LookupNamespace(ctx context.Context, nsID string) (*orchtypes.Namespace, error) {
	var row struct {
		ID       string `db:"id"`
		Status   string `db:"status"`
		Settings []byte `db:"settings"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, status, settings FROM namespaces WHERE id = $1`, nsID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup namespace %s: %w", nsID, err)
	}
	var settings orchtypes.NamespaceSettings
	if len(row.Settings) > 0 {
		if err := json.Unmarshal(row.Settings, &settings); err != nil {
			return nil, fmt.Errorf("decode namespace settings %s: %w", nsID, err)
		}
	}
	return &orchtypes.Namespace{ID: row.ID, Status: orchtypes.NamespaceStatus(row.Status), Settings: settings}, nil
}

func (s *Store) PersistNamespace(ctx context.Context, ns orchtypes.Namespace) error {
	settings, err := json.Marshal(ns.Settings)
	if err != nil {
		return fmt.Errorf("encode namespace settings %s: %w", ns.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO namespaces (id, status, settings)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, settings = EXCLUDED.settings
	`, ns.ID, string(ns.Status), settings)
	if err != nil {
		return fmt.Errorf("persist namespace %s: %w", ns.ID, err)
	}
	return nil
}

func (s *Store) LookupClusterSpec(ctx context.Context, key ports.ClusterKey) (*orchtypes.ClusterSpec, error) {
	var row struct {
		NsID        string `db:"ns_id"`
		Name        string `db:"name"`
		Declaration []byte `db:"declaration"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT ns_id, name, declaration FROM cluster_specs WHERE ns_id = $1 AND name = $2`, key.NsID, key.ClusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cluster spec %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	var decl orchtypes.Declaration
	if err := json.Unmarshal(row.Declaration, &decl); err != nil {
		return nil, fmt.Errorf("decode cluster spec declaration %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	return &orchtypes.ClusterSpec{NsID: row.NsID, Name: row.Name, Declaration: decl}, nil
}

func (s *Store) PersistClusterSpec(ctx context.Context, spec orchtypes.ClusterSpec) error {
	decl, err := json.Marshal(spec.Declaration)
	if err != nil {
		return fmt.Errorf("encode cluster spec declaration %s/%s: %w", spec.NsID, spec.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cluster_specs (ns_id, name, declaration)
		VALUES ($1, $2, $3)
		ON CONFLICT (ns_id, name) DO UPDATE SET declaration = EXCLUDED.declaration
	`, spec.NsID, spec.Name, decl)
	if err != nil {
		return fmt.Errorf("persist cluster spec %s/%s: %w", spec.NsID, spec.Name, err)
	}
	return nil
}

func (s *Store) DeleteClusterSpec(ctx context.Context, key ports.ClusterKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cluster_specs WHERE ns_id = $1 AND name = $2`, key.NsID, key.ClusterID)
	if err != nil {
		return fmt.Errorf("delete cluster spec %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	return nil
}

func (s *Store) LookupClusterDiscovery(ctx context.Context, key ports.ClusterKey) (*orchtypes.ClusterDiscovery, error) {
	var row struct {
		NsID      string `db:"ns_id"`
		ClusterID string `db:"cluster_id"`
		Nodes     []byte `db:"nodes"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT ns_id, cluster_id, nodes FROM cluster_discoveries WHERE ns_id = $1 AND cluster_id = $2`, key.NsID, key.ClusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cluster discovery %s/%s: %w", key.NsID, key.ClusterID, err)
	}
	var nodes []orchtypes.DiscoveredNode
	if len(row.Nodes) > 0 {
		if err := json.Unmarshal(row.Nodes, &nodes); err != nil {
			return nil, fmt.Errorf("decode cluster discovery nodes %s/%s: %w", key.NsID, key.ClusterID, err)
		}
	}
	return &orchtypes.ClusterDiscovery{NsID: row.NsID, ClusterID: row.ClusterID, Nodes: nodes}, nil
}

func (s *Store) PersistClusterDiscovery(ctx context.Context, d orchtypes.ClusterDiscovery) error {
	nodes, err := json.Marshal(d.Nodes)
	if err != nil {
		return fmt.Errorf("encode cluster discovery nodes %s/%s: %w", d.NsID, d.ClusterID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cluster_discoveries (ns_id, cluster_id, nodes)
		VALUES ($1, $2, $3)
		ON CONFLICT (ns_id, cluster_id) DO UPDATE SET nodes = EXCLUDED.nodes
	`, d.NsID, d.ClusterID, nodes)
	if err != nil {
		return fmt.Errorf("persist cluster discovery %s/%s: %w", d.NsID, d.ClusterID, err)
	}
	return nil
}

func (s *Store) LookupPlatform(ctx context.Context, nsID, name string) (*orchtypes.Platform, error) {
	var row orchtypes.Platform
	err := s.db.GetContext(ctx, &row, `
		SELECT ns_id, name, base_url, tls_enabled, tls_cert_file, tls_key_file, tls_ca_file
		FROM platforms WHERE ns_id = $1 AND name = $2
	`, nsID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup platform %s/%s: %w", nsID, name, err)
	}
	return &row, nil
}

func (s *Store) PersistPlatform(ctx context.Context, p orchtypes.Platform) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platforms (ns_id, name, base_url, tls_enabled, tls_cert_file, tls_key_file, tls_ca_file)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ns_id, name) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			tls_enabled = EXCLUDED.tls_enabled,
			tls_cert_file = EXCLUDED.tls_cert_file,
			tls_key_file = EXCLUDED.tls_key_file,
			tls_ca_file = EXCLUDED.tls_ca_file
	`, p.NsID, p.Name, p.BaseURL, p.TLSEnabled, p.TLSCertFile, p.TLSKeyFile, p.TLSCAFile)
	if err != nil {
		return fmt.Errorf("persist platform %s/%s: %w", p.NsID, p.Name, err)
	}
	return nil
}
