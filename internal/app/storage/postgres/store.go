// Package postgres implements storage.Store against PostgreSQL using
// database/sql and lib/pq, following the teacher's raw-SQL store idiom:
// plain structs, $n placeholders, explicit transactions, and
// `SELECT ... FOR UPDATE [SKIP LOCKED]` for the rows the spec requires to
// be serialized (spec §4.1, §5).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/archetype-labs/archetyped/internal/app/domain/agenthost"
	"github.com/archetype-labs/archetyped/internal/app/domain/job"
	"github.com/archetype-labs/archetyped/internal/app/domain/lab"
	"github.com/archetype-labs/archetyped/internal/app/domain/link"
	"github.com/archetype-labs/archetyped/internal/app/domain/node"
	"github.com/archetype-labs/archetyped/internal/app/domain/nodestate"
	"github.com/archetype-labs/archetyped/internal/app/domain/placement"
	"github.com/archetype-labs/archetyped/internal/app/domain/snapshot"
	"github.com/archetype-labs/archetyped/internal/app/storage"
)

// Store is the PostgreSQL-backed storage.Store implementation.
type Store struct {
	db *sql.DB
}

// New wraps an open *sql.DB. The caller owns the connection's lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ storage.Store = (*Store)(nil)

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- LabStore ---

func (s *Store) CreateLab(ctx context.Context, l lab.Lab) (lab.Lab, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.State == "" {
		l.State = lab.StateStopped
	}
	l.LastStateChange = l.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO labs (id, owner, default_agent_id, state, last_state_change, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.Owner, nullableString(l.DefaultAgentID), string(l.State), l.LastStateChange, l.CreatedAt)
	if err != nil {
		return lab.Lab{}, fmt.Errorf("create lab: %w", err)
	}
	return l, nil
}

func (s *Store) GetLab(ctx context.Context, id string) (lab.Lab, error) {
	var l lab.Lab
	var state string
	var defaultAgent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, default_agent_id, state, last_state_change, created_at
		FROM labs WHERE id = $1`, id).
		Scan(&l.ID, &l.Owner, &defaultAgent, &state, &l.LastStateChange, &l.CreatedAt)
	if err != nil {
		return lab.Lab{}, mapNoRows(err)
	}
	l.State = lab.State(state)
	l.DefaultAgentID = defaultAgent.String
	return l, nil
}

func (s *Store) ListLabs(ctx context.Context, owner string) ([]lab.Lab, error) {
	query := `SELECT id, owner, default_agent_id, state, last_state_change, created_at FROM labs`
	args := []interface{}{}
	if owner != "" {
		query += ` WHERE owner = $1`
		args = append(args, owner)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list labs: %w", err)
	}
	defer rows.Close()

	var out []lab.Lab
	for rows.Next() {
		var l lab.Lab
		var state string
		var defaultAgent sql.NullString
		if err := rows.Scan(&l.ID, &l.Owner, &defaultAgent, &state, &l.LastStateChange, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.State = lab.State(state)
		l.DefaultAgentID = defaultAgent.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLabState(ctx context.Context, id string, state lab.State) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE labs SET state = $1, last_state_change = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update lab state: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteLab(ctx context.Context, id string) error {
	// Cascade deletes are declared as ON DELETE CASCADE in the schema
	// (migrations 000002-000008); deleting the lab row is sufficient.
	_, err := s.db.ExecContext(ctx, `DELETE FROM labs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete lab: %w", err)
	}
	return nil
}

// --- NodeStore ---

func (s *Store) CreateNode(ctx context.Context, n node.Node) (node.Node, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, lab_id, name, container_name, kind, image, host_pin)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.LabID, n.Name, n.ContainerName, n.Kind, n.Image, nullableString(n.HostPin))
	if err != nil {
		return node.Node{}, fmt.Errorf("create node: %w", err)
	}
	return n, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (node.Node, error) {
	var n node.Node
	var hostPin sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lab_id, name, container_name, kind, image, host_pin
		FROM nodes WHERE id = $1`, id).
		Scan(&n.ID, &n.LabID, &n.Name, &n.ContainerName, &n.Kind, &n.Image, &hostPin)
	if err != nil {
		return node.Node{}, mapNoRows(err)
	}
	n.HostPin = hostPin.String
	return n, nil
}

func (s *Store) ListNodesByLab(ctx context.Context, labID string) ([]node.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lab_id, name, container_name, kind, image, host_pin
		FROM nodes WHERE lab_id = $1 ORDER BY name`, labID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []node.Node
	for rows.Next() {
		var n node.Node
		var hostPin sql.NullString
		if err := rows.Scan(&n.ID, &n.LabID, &n.Name, &n.ContainerName, &n.Kind, &n.Image, &hostPin); err != nil {
			return nil, err
		}
		n.HostPin = hostPin.String
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	return err
}

// --- NodeStateStore ---

func (s *Store) CreateNodeState(ctx context.Context, ns nodestate.NodeState) (nodestate.NodeState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_states (lab_id, node_id, desired, actual, is_ready, image_sync,
			enforcement_attempts, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ns.LabID, ns.NodeID, string(ns.Desired), string(ns.Actual), ns.IsReady,
		string(ns.ImageSync), ns.EnforcementAttempts, ns.ErrorMessage)
	if err != nil {
		return nodestate.NodeState{}, fmt.Errorf("create node state: %w", err)
	}
	return ns, nil
}

func scanNodeState(row interface{ Scan(...interface{}) error }) (nodestate.NodeState, error) {
	var ns nodestate.NodeState
	var desired, actual, imageSync string
	var bootStarted, startingStarted, stoppingStarted, lastEnforcement, enforcementFailed sql.NullTime
	err := row.Scan(&ns.LabID, &ns.NodeID, &desired, &actual, &ns.IsReady,
		&bootStarted, &startingStarted, &stoppingStarted,
		&ns.ErrorMessage, &imageSync, &ns.EnforcementAttempts, &lastEnforcement, &enforcementFailed)
	if err != nil {
		return nodestate.NodeState{}, err
	}
	ns.Desired = nodestate.Desired(desired)
	ns.Actual = nodestate.Actual(actual)
	ns.ImageSync = nodestate.ImageSyncStatus(imageSync)
	ns.BootStartedAt = nullTimePtr(bootStarted)
	ns.StartingStartedAt = nullTimePtr(startingStarted)
	ns.StoppingStartedAt = nullTimePtr(stoppingStarted)
	ns.LastEnforcementAt = nullTimePtr(lastEnforcement)
	ns.EnforcementFailedAt = nullTimePtr(enforcementFailed)
	return ns, nil
}

const nodeStateColumns = `lab_id, node_id, desired, actual, is_ready,
	boot_started_at, starting_started_at, stopping_started_at,
	error_message, image_sync, enforcement_attempts, last_enforcement_at, enforcement_failed_at`

func (s *Store) GetNodeState(ctx context.Context, labID, nodeID string) (nodestate.NodeState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeStateColumns+` FROM node_states WHERE lab_id = $1 AND node_id = $2`, labID, nodeID)
	ns, err := scanNodeState(row)
	if err != nil {
		return nodestate.NodeState{}, mapNoRows(err)
	}
	return ns, nil
}

func (s *Store) ListNodeStatesByLab(ctx context.Context, labID string) ([]nodestate.NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeStateColumns+` FROM node_states WHERE lab_id = $1 ORDER BY node_id`, labID)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()
	var out []nodestate.NodeState
	for rows.Next() {
		ns, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *Store) UpdateNodeState(ctx context.Context, ns nodestate.NodeState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_states SET desired=$1, actual=$2, is_ready=$3,
			boot_started_at=$4, starting_started_at=$5, stopping_started_at=$6,
			error_message=$7, image_sync=$8, enforcement_attempts=$9,
			last_enforcement_at=$10, enforcement_failed_at=$11
		WHERE lab_id=$12 AND node_id=$13`,
		string(ns.Desired), string(ns.Actual), ns.IsReady,
		timePtrOrNil(ns.BootStartedAt), timePtrOrNil(ns.StartingStartedAt), timePtrOrNil(ns.StoppingStartedAt),
		ns.ErrorMessage, string(ns.ImageSync), ns.EnforcementAttempts,
		timePtrOrNil(ns.LastEnforcementAt), timePtrOrNil(ns.EnforcementFailedAt),
		ns.LabID, ns.NodeID)
	if err != nil {
		return fmt.Errorf("update node state: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) WithNodeStateLock(ctx context.Context, labID, nodeID string, skipLocked bool, fn func(ns *nodestate.NodeState) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + nodeStateColumns + ` FROM node_states WHERE lab_id = $1 AND node_id = $2 FOR UPDATE`
	if skipLocked {
		query += ` SKIP LOCKED`
	}
	row := tx.QueryRowContext(ctx, query, labID, nodeID)
	ns, err := scanNodeState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil // either absent or (with SKIP LOCKED) held elsewhere
	}
	if err != nil {
		return false, fmt.Errorf("lock node state: %w", err)
	}

	if err := fn(&ns); err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE node_states SET desired=$1, actual=$2, is_ready=$3,
			boot_started_at=$4, starting_started_at=$5, stopping_started_at=$6,
			error_message=$7, image_sync=$8, enforcement_attempts=$9,
			last_enforcement_at=$10, enforcement_failed_at=$11
		WHERE lab_id=$12 AND node_id=$13`,
		string(ns.Desired), string(ns.Actual), ns.IsReady,
		timePtrOrNil(ns.BootStartedAt), timePtrOrNil(ns.StartingStartedAt), timePtrOrNil(ns.StoppingStartedAt),
		ns.ErrorMessage, string(ns.ImageSync), ns.EnforcementAttempts,
		timePtrOrNil(ns.LastEnforcementAt), timePtrOrNil(ns.EnforcementFailedAt),
		labID, nodeID)
	if err != nil {
		return false, fmt.Errorf("write locked node state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// --- LinkStore ---

func (s *Store) CreateLink(ctx context.Context, l link.Link) (link.Link, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO links (id, lab_id, source_node, source_iface, target_node, target_iface)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.LabID, l.Source.NodeName, l.Source.Interface, l.Target.NodeName, l.Target.Interface)
	if err != nil {
		return link.Link{}, fmt.Errorf("create link: %w", err)
	}
	return l, nil
}

func (s *Store) GetLink(ctx context.Context, id string) (link.Link, error) {
	var l link.Link
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lab_id, source_node, source_iface, target_node, target_iface
		FROM links WHERE id = $1`, id).
		Scan(&l.ID, &l.LabID, &l.Source.NodeName, &l.Source.Interface, &l.Target.NodeName, &l.Target.Interface)
	if err != nil {
		return link.Link{}, mapNoRows(err)
	}
	return l, nil
}

func (s *Store) ListLinksByLab(ctx context.Context, labID string) ([]link.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lab_id, source_node, source_iface, target_node, target_iface
		FROM links WHERE lab_id = $1 ORDER BY id`, labID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()
	var out []link.Link
	for rows.Next() {
		var l link.Link
		if err := rows.Scan(&l.ID, &l.LabID, &l.Source.NodeName, &l.Source.Interface, &l.Target.NodeName, &l.Target.Interface); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLink(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM links WHERE id = $1`, id)
	return err
}

const linkStateColumns = `lab_id, canonical_name, source_node, source_iface, target_node, target_iface,
	desired, actual, is_cross_host, source_host_id, target_host_id, vni,
	source_vlan_tag, target_vlan_tag, source_vxlan_attached, target_vxlan_attached,
	source_carrier, target_carrier, source_oper, source_oper_reason, target_oper, target_oper_reason,
	oper_epoch, error_message`

func scanLinkState(row interface{ Scan(...interface{}) error }) (link.LinkState, error) {
	var ls link.LinkState
	var desired, actual, sourceCarrier, targetCarrier, sourceOper, targetOper string
	var sourceHostID, targetHostID sql.NullString
	var vni sql.NullInt64
	err := row.Scan(&ls.LabID, &ls.CanonicalName, &ls.Source.NodeName, &ls.Source.Interface,
		&ls.Target.NodeName, &ls.Target.Interface, &desired, &actual, &ls.IsCrossHost,
		&sourceHostID, &targetHostID, &vni, &ls.SourceVLANTag, &ls.TargetVLANTag,
		&ls.SourceVxlanAttached, &ls.TargetVxlanAttached,
		&sourceCarrier, &targetCarrier, &sourceOper, &ls.SourceOperReason, &targetOper, &ls.TargetOperReason,
		&ls.OperEpoch, &ls.ErrorMessage)
	if err != nil {
		return link.LinkState{}, err
	}
	ls.Desired = link.Desired(desired)
	ls.Actual = link.Actual(actual)
	ls.SourceHostID = sourceHostID.String
	ls.TargetHostID = targetHostID.String
	ls.VNI = int(vni.Int64)
	ls.SourceCarrier = link.Carrier(sourceCarrier)
	ls.TargetCarrier = link.Carrier(targetCarrier)
	ls.SourceOper = link.OperState(sourceOper)
	ls.TargetOper = link.OperState(targetOper)
	return ls, nil
}

func (s *Store) CreateLinkState(ctx context.Context, ls link.LinkState) (link.LinkState, error) {
	if err := s.upsertLinkState(ctx, s.db, ls); err != nil {
		return link.LinkState{}, err
	}
	return ls, nil
}

func (s *Store) upsertLinkState(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, ls link.LinkState) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO link_states (`+linkStateColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (lab_id, canonical_name) DO UPDATE SET
			desired=EXCLUDED.desired, actual=EXCLUDED.actual, is_cross_host=EXCLUDED.is_cross_host,
			source_host_id=EXCLUDED.source_host_id, target_host_id=EXCLUDED.target_host_id, vni=EXCLUDED.vni,
			source_vlan_tag=EXCLUDED.source_vlan_tag, target_vlan_tag=EXCLUDED.target_vlan_tag,
			source_vxlan_attached=EXCLUDED.source_vxlan_attached, target_vxlan_attached=EXCLUDED.target_vxlan_attached,
			source_carrier=EXCLUDED.source_carrier, target_carrier=EXCLUDED.target_carrier,
			source_oper=EXCLUDED.source_oper, source_oper_reason=EXCLUDED.source_oper_reason,
			target_oper=EXCLUDED.target_oper, target_oper_reason=EXCLUDED.target_oper_reason,
			oper_epoch=EXCLUDED.oper_epoch, error_message=EXCLUDED.error_message`,
		ls.LabID, ls.CanonicalName, ls.Source.NodeName, ls.Source.Interface, ls.Target.NodeName, ls.Target.Interface,
		string(ls.Desired), string(ls.Actual), ls.IsCrossHost,
		nullableString(ls.SourceHostID), nullableString(ls.TargetHostID), ls.VNI,
		ls.SourceVLANTag, ls.TargetVLANTag, ls.SourceVxlanAttached, ls.TargetVxlanAttached,
		string(ls.SourceCarrier), string(ls.TargetCarrier),
		string(ls.SourceOper), ls.SourceOperReason, string(ls.TargetOper), ls.TargetOperReason,
		ls.OperEpoch, ls.ErrorMessage)
	return err
}

func (s *Store) GetLinkState(ctx context.Context, labID, canonicalName string) (link.LinkState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkStateColumns+` FROM link_states WHERE lab_id=$1 AND canonical_name=$2`, labID, canonicalName)
	ls, err := scanLinkState(row)
	if err != nil {
		return link.LinkState{}, mapNoRows(err)
	}
	return ls, nil
}

func (s *Store) ListLinkStatesByLab(ctx context.Context, labID string) ([]link.LinkState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkStateColumns+` FROM link_states WHERE lab_id=$1 ORDER BY canonical_name`, labID)
	if err != nil {
		return nil, fmt.Errorf("list link states: %w", err)
	}
	defer rows.Close()
	var out []link.LinkState
	for rows.Next() {
		ls, err := scanLinkState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLinkState(ctx context.Context, ls link.LinkState) error {
	return s.upsertLinkState(ctx, s.db, ls)
}

func (s *Store) WithLinkStateLock(ctx context.Context, labID, canonicalName string, fn func(ls *link.LinkState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+linkStateColumns+` FROM link_states WHERE lab_id=$1 AND canonical_name=$2 FOR UPDATE`, labID, canonicalName)
	ls, err := scanLinkState(row)
	if err != nil {
		return mapNoRows(err)
	}
	if err := fn(&ls); err != nil {
		return err
	}
	if err := s.upsertLinkState(ctx, tx, ls); err != nil {
		return fmt.Errorf("write locked link state: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ReserveEndpoints(ctx context.Context, labID, linkName string, a, b node.Endpoint) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var conflicts []string
	for _, ep := range []node.Endpoint{a, b} {
		var existingLink string
		err := tx.QueryRowContext(ctx, `
			SELECT link_name FROM link_endpoint_reservations
			WHERE lab_id=$1 AND node_name=$2 AND interface=$3 FOR UPDATE`,
			labID, ep.NodeName, ep.Interface).Scan(&existingLink)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, fmt.Errorf("check reservation: %w", err)
		case existingLink != linkName:
			conflicts = append(conflicts, existingLink)
		}
	}
	if len(conflicts) > 0 {
		return conflicts, nil
	}

	for _, ep := range []node.Endpoint{a, b} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO link_endpoint_reservations (lab_id, node_name, interface, link_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (lab_id, node_name, interface) DO UPDATE SET link_name = EXCLUDED.link_name`,
			labID, ep.NodeName, ep.Interface, linkName)
		if err != nil {
			return nil, fmt.Errorf("reserve endpoint: %w", err)
		}
	}
	return nil, tx.Commit()
}

func (s *Store) ReleaseEndpoints(ctx context.Context, labID, linkName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM link_endpoint_reservations WHERE lab_id=$1 AND link_name=$2`, labID, linkName)
	return err
}

func (s *Store) CreateVxlanTunnel(ctx context.Context, t link.VxlanTunnel) (link.VxlanTunnel, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vxlan_tunnels (lab_id, link_name, vni, agent_a_id, agent_a_ip, agent_b_id, agent_b_ip, port_name, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (lab_id, link_name) DO UPDATE SET
			vni=EXCLUDED.vni, agent_a_id=EXCLUDED.agent_a_id, agent_a_ip=EXCLUDED.agent_a_ip,
			agent_b_id=EXCLUDED.agent_b_id, agent_b_ip=EXCLUDED.agent_b_ip,
			port_name=EXCLUDED.port_name, status=EXCLUDED.status`,
		t.LabID, t.LinkName, t.VNI, t.AgentAID, t.AgentAIP, t.AgentBID, t.AgentBIP, t.PortName, string(t.Status), t.CreatedAt)
	if err != nil {
		return link.VxlanTunnel{}, fmt.Errorf("create vxlan tunnel: %w", err)
	}
	return t, nil
}

func (s *Store) GetVxlanTunnel(ctx context.Context, labID, linkName string) (link.VxlanTunnel, error) {
	var t link.VxlanTunnel
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT lab_id, link_name, vni, agent_a_id, agent_a_ip, agent_b_id, agent_b_ip, port_name, status, created_at
		FROM vxlan_tunnels WHERE lab_id=$1 AND link_name=$2`, labID, linkName).
		Scan(&t.LabID, &t.LinkName, &t.VNI, &t.AgentAID, &t.AgentAIP, &t.AgentBID, &t.AgentBIP, &t.PortName, &status, &t.CreatedAt)
	if err != nil {
		return link.VxlanTunnel{}, mapNoRows(err)
	}
	t.Status = link.TunnelStatus(status)
	return t, nil
}

func (s *Store) ListVxlanTunnels(ctx context.Context) ([]link.VxlanTunnel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lab_id, link_name, vni, agent_a_id, agent_a_ip, agent_b_id, agent_b_ip, port_name, status, created_at
		FROM vxlan_tunnels ORDER BY lab_id, link_name`)
	if err != nil {
		return nil, fmt.Errorf("list vxlan tunnels: %w", err)
	}
	defer rows.Close()
	var out []link.VxlanTunnel
	for rows.Next() {
		var t link.VxlanTunnel
		var status string
		if err := rows.Scan(&t.LabID, &t.LinkName, &t.VNI, &t.AgentAID, &t.AgentAIP, &t.AgentBID, &t.AgentBIP, &t.PortName, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = link.TunnelStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateVxlanTunnelStatus(ctx context.Context, labID, linkName string, status link.TunnelStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE vxlan_tunnels SET status=$1 WHERE lab_id=$2 AND link_name=$3`, string(status), labID, linkName)
	if err != nil {
		return fmt.Errorf("update tunnel status: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteVxlanTunnel(ctx context.Context, labID, linkName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vxlan_tunnels WHERE lab_id=$1 AND link_name=$2`, labID, linkName)
	return err
}

// --- AgentStore ---

func (s *Store) UpsertAgent(ctx context.Context, h agenthost.Host) (agenthost.Host, error) {
	caps, err := json.Marshal(h.Capabilities)
	if err != nil {
		return agenthost.Host{}, err
	}
	usage, err := json.Marshal(h.ResourceUsage)
	if err != nil {
		return agenthost.Host{}, err
	}
	if h.LastHeartbeat.IsZero() {
		h.LastHeartbeat = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, address, status, last_heartbeat, version, commit_sha, deployment_mode,
			capabilities, resource_usage, image_sync_strategy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			address=EXCLUDED.address, status=EXCLUDED.status, last_heartbeat=EXCLUDED.last_heartbeat,
			version=EXCLUDED.version, commit_sha=EXCLUDED.commit_sha, deployment_mode=EXCLUDED.deployment_mode,
			capabilities=EXCLUDED.capabilities, resource_usage=EXCLUDED.resource_usage,
			image_sync_strategy=EXCLUDED.image_sync_strategy`,
		h.ID, h.Address, string(h.Status), h.LastHeartbeat, h.Version, h.CommitSHA, h.DeploymentMode,
		caps, usage, h.ImageSyncStrategy)
	if err != nil {
		return agenthost.Host{}, fmt.Errorf("upsert agent: %w", err)
	}
	return h, nil
}

func scanAgent(row interface{ Scan(...interface{}) error }) (agenthost.Host, error) {
	var h agenthost.Host
	var status string
	var caps, usage []byte
	err := row.Scan(&h.ID, &h.Address, &status, &h.LastHeartbeat, &h.Version, &h.CommitSHA,
		&h.DeploymentMode, &caps, &usage, &h.ImageSyncStrategy)
	if err != nil {
		return agenthost.Host{}, err
	}
	h.Status = agenthost.Status(status)
	_ = json.Unmarshal(caps, &h.Capabilities)
	_ = json.Unmarshal(usage, &h.ResourceUsage)
	return h, nil
}

const agentColumns = `id, address, status, last_heartbeat, version, commit_sha, deployment_mode, capabilities, resource_usage, image_sync_strategy`

func (s *Store) GetAgent(ctx context.Context, id string) (agenthost.Host, error) {
	h, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if err != nil {
		return agenthost.Host{}, mapNoRows(err)
	}
	return h, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (agenthost.Host, error) {
	return s.GetAgent(ctx, name)
}

func (s *Store) ListAgents(ctx context.Context) ([]agenthost.Host, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []agenthost.Host
	for rows.Next() {
		h, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) UpdateHeartbeat(ctx context.Context, id string, usage agenthost.ResourceUsage, at time.Time) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET resource_usage=$1, last_heartbeat=$2, status=$3 WHERE id=$4`,
		data, at, string(agenthost.StatusOnline), id)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) MarkOffline(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status=$1 WHERE id = ANY($2)`, string(agenthost.StatusOffline), idArray(ids))
	return err
}

func (s *Store) ListStaleAgentIDs(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM agents WHERE status=$1 AND last_heartbeat < $2`,
		string(agenthost.StatusOnline), now.Add(-timeout))
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- JobStore ---

func (s *Store) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if err := s.insertJob(ctx, s.db, j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *Store) insertJob(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, j job.Job) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO jobs (id, lab_id, user_id, action, status, agent_id, created_at, started_at,
			completed_at, last_heartbeat, retry_count, parent_job_id, log)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.LabID, j.UserID, j.Action.String(), string(j.Status), nullableString(j.AgentID),
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.LastHeartbeat, j.RetryCount, nullableString(j.ParentJobID), j.Log)
	return err
}

func scanJob(row interface{ Scan(...interface{}) error }) (job.Job, error) {
	var j job.Job
	var actionStr, status string
	var agentID, parentID sql.NullString
	err := row.Scan(&j.ID, &j.LabID, &j.UserID, &actionStr, &status, &agentID, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.LastHeartbeat, &j.RetryCount, &parentID, &j.Log)
	if err != nil {
		return job.Job{}, err
	}
	action, parseErr := job.ParseAction(actionStr)
	if parseErr != nil {
		return job.Job{}, fmt.Errorf("parse stored action %q: %w", actionStr, parseErr)
	}
	j.Action = action
	j.Status = job.Status(status)
	j.AgentID = agentID.String
	j.ParentJobID = parentID.String
	return j, nil
}

const jobColumns = `id, lab_id, user_id, action, status, agent_id, created_at, started_at, completed_at, last_heartbeat, retry_count, parent_job_id, log`

func (s *Store) GetJob(ctx context.Context, id string) (job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		return job.Job{}, mapNoRows(err)
	}
	return j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j job.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status=$1, agent_id=$2, started_at=$3, completed_at=$4,
			last_heartbeat=$5, retry_count=$6, log=$7
		WHERE id=$8`,
		string(j.Status), nullableString(j.AgentID), j.StartedAt, j.CompletedAt,
		j.LastHeartbeat, j.RetryCount, j.Log, j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) ListActiveJobsByLab(ctx context.Context, labID string) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE lab_id=$1 AND status IN ($2,$3) ORDER BY created_at`,
		labID, string(job.StatusQueued), string(job.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) ListStuckJobs(ctx context.Context, heartbeatThreshold time.Time) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status=$1 AND (last_heartbeat IS NULL OR last_heartbeat < $2)`,
		string(job.StatusRunning), heartbeatThreshold)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveJobsByAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE agent_id=$1 AND status IN ($2,$3)`,
		agentID, string(job.StatusQueued), string(job.StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs by agent: %w", err)
	}
	return n, nil
}

func (s *Store) CreateJobIfNoConflict(ctx context.Context, j job.Job) (job.Job, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Job{}, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, action FROM jobs WHERE lab_id=$1 AND status IN ($2,$3) FOR UPDATE`,
		j.LabID, string(job.StatusQueued), string(job.StatusRunning))
	if err != nil {
		return job.Job{}, "", fmt.Errorf("lock active jobs: %w", err)
	}
	type activeJob struct {
		id, action string
	}
	var active []activeJob
	for rows.Next() {
		var aj activeJob
		if err := rows.Scan(&aj.id, &aj.action); err != nil {
			rows.Close()
			return job.Job{}, "", err
		}
		active = append(active, aj)
	}
	rows.Close()

	for _, aj := range active {
		existingAction, err := job.ParseAction(aj.action)
		if err != nil {
			continue
		}
		if job.Conflicts(existingAction.Verb, j.Action.Verb) {
			return job.Job{}, aj.id, nil
		}
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if err := s.insertJob(ctx, tx, j); err != nil {
		return job.Job{}, "", fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return job.Job{}, "", fmt.Errorf("commit: %w", err)
	}
	return j, "", nil
}

func (s *Store) DeleteJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1,$2,$3) AND created_at < $4`,
		string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return res.RowsAffected()
}

// --- PlacementStore ---

func (s *Store) SetPlacement(ctx context.Context, p placement.Placement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_placements (lab_id, node_name, host_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (lab_id, node_name) DO UPDATE SET host_id = EXCLUDED.host_id`,
		p.LabID, p.NodeName, p.HostID)
	return err
}

func (s *Store) GetPlacementsByLab(ctx context.Context, labID string) ([]placement.Placement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lab_id, node_name, host_id FROM node_placements WHERE lab_id=$1 ORDER BY node_name`, labID)
	if err != nil {
		return nil, fmt.Errorf("list placements: %w", err)
	}
	defer rows.Close()
	var out []placement.Placement
	for rows.Next() {
		var p placement.Placement
		if err := rows.Scan(&p.LabID, &p.NodeName, &p.HostID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePlacement(ctx context.Context, labID, nodeName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM node_placements WHERE lab_id=$1 AND node_name=$2`, labID, nodeName)
	return err
}

// --- SnapshotStore ---

func (s *Store) CreateConfigSnapshot(ctx context.Context, sn snapshot.ConfigSnapshot) (snapshot.ConfigSnapshot, error) {
	if sn.ID == "" {
		sn.ID = uuid.NewString()
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_snapshots (id, lab_id, topology, created_at) VALUES ($1,$2,$3,$4)`,
		sn.ID, sn.LabID, sn.Topology, sn.CreatedAt)
	if err != nil {
		return snapshot.ConfigSnapshot{}, fmt.Errorf("create config snapshot: %w", err)
	}
	return sn, nil
}

func (s *Store) DeleteConfigSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_snapshots WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateImageSyncJob(ctx context.Context, j snapshot.ImageSyncJob) (snapshot.ImageSyncJob, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_sync_jobs (id, agent_id, image_ref, status, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (agent_id, image_ref) DO UPDATE SET status=EXCLUDED.status, completed_at=EXCLUDED.completed_at`,
		j.ID, j.AgentID, j.ImageRef, string(j.Status), j.CreatedAt, j.CompletedAt)
	if err != nil {
		return snapshot.ImageSyncJob{}, fmt.Errorf("create image sync job: %w", err)
	}
	return j, nil
}

func (s *Store) GetImageSyncJob(ctx context.Context, agentID, imageRef string) (snapshot.ImageSyncJob, error) {
	var j snapshot.ImageSyncJob
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, image_ref, status, created_at, completed_at
		FROM image_sync_jobs WHERE agent_id=$1 AND image_ref=$2`, agentID, imageRef).
		Scan(&j.ID, &j.AgentID, &j.ImageRef, &status, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return snapshot.ImageSyncJob{}, mapNoRows(err)
	}
	j.Status = snapshot.ImageSyncStatus(status)
	return j, nil
}

func (s *Store) UpdateImageSyncJob(ctx context.Context, j snapshot.ImageSyncJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE image_sync_jobs SET status=$1, completed_at=$2 WHERE agent_id=$3 AND image_ref=$4`,
		string(j.Status), j.CompletedAt, j.AgentID, j.ImageRef)
	if err != nil {
		return fmt.Errorf("update image sync job: %w", err)
	}
	return requireRowsAffected(res)
}

func (s *Store) DeleteImageSyncJobsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM image_sync_jobs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- helpers ---

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func timePtrOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func idArray(ids []string) string {
	// pq supports array literals via pq.Array in real call sites; this
	// helper keeps the dependency surface to database/sql + lib/pq for the
	// common "IN (...)" case used by MarkOffline.
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += `"` + id + `"`
	}
	return out + "}"
}
