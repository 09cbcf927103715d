package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wardengate/wardengate/internal/domain/policy"
)

// PolicyStore implements policy.Store on a SQLite database.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore wraps an opened database handle.
func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

var _ policy.Store = (*PolicyStore)(nil)

const policyColumns = `policy_id, policy_code, name, description, status,
	priority, version, created_at, updated_at`

// List returns policies matching the filter, priority descending.
func (s *PolicyStore) List(ctx context.Context, f policy.Filter) ([]*policy.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.PriorityMin != nil {
		query += ` AND priority >= ?`
		args = append(args, *f.PriorityMin)
	}
	if f.PriorityMax != nil {
		query += ` AND priority <= ?`
		args = append(args, *f.PriorityMax)
	}
	if f.Query != "" {
		query += ` AND (name LIKE ? OR description LIKE ? OR policy_code LIKE ?)`
		pattern := "%" + f.Query + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if f.ResourceType != "" || f.ResourceID != "" {
		sub := `SELECT 1 FROM policy_resources pr WHERE pr.policy_id = policies.policy_id`
		if f.ResourceType != "" {
			sub += ` AND pr.resource_type = ?`
			args = append(args, string(f.ResourceType))
		}
		if f.ResourceID != "" {
			sub += ` AND pr.resource_id = ?`
			args = append(args, f.ResourceID)
		}
		query += ` AND EXISTS (` + sub + `)`
	}

	query += ` ORDER BY priority DESC, policy_id ASC`

	return s.queryPolicies(ctx, query, args...)
}

// Get retrieves a single policy with its rules, scopes, and bindings.
func (s *PolicyStore) Get(ctx context.Context, id string) (*policy.Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE policy_id = ?`, id)

	p, err := scanPolicy(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts a new policy. Version, CreatedAt, and UpdatedAt are
// assigned here and written back into p.
func (s *PolicyStore) Create(ctx context.Context, p *policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if p.PolicyCode != "" {
		if err := checkCodeFree(ctx, tx, p.PolicyCode, p.PolicyID); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Version == 0 {
		p.Version = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO policies (policy_id, policy_code, name, description, status,
			priority, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PolicyID, p.PolicyCode, p.Name, p.Description, string(p.Status),
		p.Priority, p.Version, encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt),
	); err != nil {
		return fmt.Errorf("inserting policy: %w", err)
	}

	if err := insertChildren(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Update replaces the policy row and all child rows, bumping Version and
// refreshing UpdatedAt. The new values are written back into p.
func (s *PolicyStore) Update(ctx context.Context, p *policy.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if p.PolicyCode != "" {
		if err := checkCodeFree(ctx, tx, p.PolicyCode, p.PolicyID); err != nil {
			return err
		}
	}

	p.UpdatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE policies SET policy_code = ?, name = ?, description = ?,
			status = ?, priority = ?, version = version + 1, updated_at = ?
		WHERE policy_id = ?`,
		p.PolicyCode, p.Name, p.Description, string(p.Status),
		p.Priority, encodeTime(p.UpdatedAt), p.PolicyID,
	)
	if err != nil {
		return fmt.Errorf("updating policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return policy.ErrNotFound
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM policies WHERE policy_id = ?`, p.PolicyID,
	).Scan(&p.Version); err != nil {
		return fmt.Errorf("reading back version: %w", err)
	}

	if err := deleteChildren(ctx, tx, p.PolicyID); err != nil {
		return err
	}
	if err := insertChildren(ctx, tx, p); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Delete removes a policy and its child rows.
func (s *PolicyStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := deleteChildren(ctx, tx, id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM policies WHERE policy_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return policy.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SetStatus transitions the policy lifecycle state and returns the
// refreshed policy.
func (s *PolicyStore) SetStatus(ctx context.Context, id string, status policy.Status) (*policy.Policy, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET status = ?, version = version + 1, updated_at = ?
		WHERE policy_id = ?`,
		string(status), encodeTime(time.Now().UTC()), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return nil, policy.ErrNotFound
	}
	return s.Get(ctx, id)
}

// BindResource attaches a resource binding. Binding an already-bound
// resource is a no-op and does not bump the version.
func (s *PolicyStore) BindResource(ctx context.Context, id string, b policy.ResourceBinding) (*policy.Policy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := checkPolicyExists(ctx, tx, id); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO policy_resources (policy_id, resource_type, resource_id)
		VALUES (?, ?, ?)`,
		id, string(b.ResourceType), b.ResourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting binding: %w", err)
	}
	if err := bumpIfChanged(ctx, tx, id, res); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return s.Get(ctx, id)
}

// UnbindResource detaches a resource binding. Removing an absent binding
// is a no-op and does not bump the version.
func (s *PolicyStore) UnbindResource(ctx context.Context, id string, b policy.ResourceBinding) (*policy.Policy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if err := checkPolicyExists(ctx, tx, id); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM policy_resources
		WHERE policy_id = ? AND resource_type = ? AND resource_id = ?`,
		id, string(b.ResourceType), b.ResourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("deleting binding: %w", err)
	}
	if err := bumpIfChanged(ctx, tx, id, res); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return s.Get(ctx, id)
}

// ForResource returns policies bound to (rt, rid). includeGlobal adds
// policies with no bindings at all; includeScoped=false drops policies
// that carry principal scopes.
func (s *PolicyStore) ForResource(
	ctx context.Context, rt policy.ResourceType, rid string, includeGlobal, includeScoped bool,
) ([]*policy.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE (
		EXISTS (SELECT 1 FROM policy_resources pr
			WHERE pr.policy_id = policies.policy_id
			  AND pr.resource_type = ? AND pr.resource_id = ?)`
	args := []any{string(rt), rid}

	if includeGlobal {
		query += ` OR NOT EXISTS (SELECT 1 FROM policy_resources pr
			WHERE pr.policy_id = policies.policy_id)`
	}
	query += `)`

	if !includeScoped {
		query += ` AND NOT EXISTS (SELECT 1 FROM policy_scopes ps
			WHERE ps.policy_id = policies.policy_id)`
	}

	query += ` ORDER BY priority DESC, policy_id ASC`

	return s.queryPolicies(ctx, query, args...)
}

// queryPolicies runs a policy SELECT and loads child rows. Policy rows
// are fully drained first: the handle is limited to one connection, so
// the child queries need the rows closed.
func (s *PolicyStore) queryPolicies(ctx context.Context, query string, args ...any) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*policy.Policy
	for rows.Next() {
		p, scanErr := scanPolicy(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating policy rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing policy rows: %w", err)
	}

	for _, p := range out {
		if err := s.loadChildren(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanPolicy(sc scanner) (*policy.Policy, error) {
	var (
		p          policy.Policy
		status     string
		createdStr string
		updatedStr string
	)
	err := sc.Scan(&p.PolicyID, &p.PolicyCode, &p.Name, &p.Description, &status,
		&p.Priority, &p.Version, &createdStr, &updatedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, policy.ErrNotFound
		}
		return nil, fmt.Errorf("scanning policy row: %w", err)
	}
	p.Status = policy.Status(status)
	if p.CreatedAt, err = decodeTime(createdStr); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = decodeTime(updatedStr); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PolicyStore) loadChildren(ctx context.Context, p *policy.Policy) error {
	rules, err := s.loadRules(ctx, p.PolicyID)
	if err != nil {
		return err
	}
	p.Rules = rules

	scopes, err := s.loadScopes(ctx, p.PolicyID)
	if err != nil {
		return err
	}
	p.Scopes = scopes

	resources, err := s.loadResources(ctx, p.PolicyID)
	if err != nil {
		return err
	}
	p.Resources = resources
	return nil
}

func (s *PolicyStore) loadRules(ctx context.Context, id string) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, priority, description, conditions, actions
		FROM policy_rules WHERE policy_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []policy.Rule
	for rows.Next() {
		var (
			r          policy.Rule
			condBlob   []byte
			actionBlob []byte
		)
		if err := rows.Scan(&r.RuleID, &r.Priority, &r.Description, &condBlob, &actionBlob); err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		if len(condBlob) > 0 {
			r.Conditions = &policy.Condition{}
			if err := decodeJSON(condBlob, r.Conditions); err != nil {
				return nil, err
			}
		}
		if err := decodeJSON(actionBlob, &r.Actions); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rule rows: %w", err)
	}
	return rules, nil
}

func (s *PolicyStore) loadScopes(ctx context.Context, id string) ([]policy.PrincipalScope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_type, principal_id
		FROM policy_scopes WHERE policy_id = ?
		ORDER BY principal_type, principal_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []policy.PrincipalScope
	for rows.Next() {
		var pt string
		var sc policy.PrincipalScope
		if err := rows.Scan(&pt, &sc.PrincipalID); err != nil {
			return nil, fmt.Errorf("scanning scope row: %w", err)
		}
		sc.PrincipalType = policy.PrincipalType(pt)
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scope rows: %w", err)
	}
	return scopes, nil
}

func (s *PolicyStore) loadResources(ctx context.Context, id string) ([]policy.ResourceBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, resource_id
		FROM policy_resources WHERE policy_id = ?
		ORDER BY resource_type, resource_id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []policy.ResourceBinding
	for rows.Next() {
		var rt string
		var b policy.ResourceBinding
		if err := rows.Scan(&rt, &b.ResourceID); err != nil {
			return nil, fmt.Errorf("scanning binding row: %w", err)
		}
		b.ResourceType = policy.ResourceType(rt)
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}
	return bindings, nil
}

func insertChildren(ctx context.Context, tx *sql.Tx, p *policy.Policy) error {
	for i, r := range p.Rules {
		var cond any
		if r.Conditions != nil {
			encoded, err := encodeJSON(r.Conditions)
			if err != nil {
				return err
			}
			cond = encoded
		}
		actions, err := encodeJSON(r.Actions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_rules (policy_id, rule_id, priority, description,
				conditions, actions, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.PolicyID, r.RuleID, r.Priority, r.Description, cond, actions, i,
		); err != nil {
			return fmt.Errorf("inserting rule %q: %w", r.RuleID, err)
		}
	}

	for _, sc := range p.Scopes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_scopes (policy_id, principal_type, principal_id)
			VALUES (?, ?, ?)`,
			p.PolicyID, string(sc.PrincipalType), sc.PrincipalID,
		); err != nil {
			return fmt.Errorf("inserting scope: %w", err)
		}
	}

	for _, b := range p.Resources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_resources (policy_id, resource_type, resource_id)
			VALUES (?, ?, ?)`,
			p.PolicyID, string(b.ResourceType), b.ResourceID,
		); err != nil {
			return fmt.Errorf("inserting binding: %w", err)
		}
	}
	return nil
}

func deleteChildren(ctx context.Context, tx *sql.Tx, id string) error {
	for _, table := range []string{"policy_rules", "policy_scopes", "policy_resources"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE policy_id = ?`, id,
		); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

// checkCodeFree enforces policy_code uniqueness ahead of the partial
// index so the caller gets the domain error, not a constraint message.
func checkCodeFree(ctx context.Context, tx *sql.Tx, code, selfID string) error {
	var other string
	err := tx.QueryRowContext(ctx,
		`SELECT policy_id FROM policies WHERE policy_code = ? AND policy_id <> ?`,
		code, selfID,
	).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking policy code: %w", err)
	}
	return policy.ErrCodeExists
}

func checkPolicyExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM policies WHERE policy_id = ?`, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking policy: %w", err)
	}
	return nil
}

// bumpIfChanged bumps version and updated_at when res touched a row.
func bumpIfChanged(ctx context.Context, tx *sql.Tx, id string, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE policies SET version = version + 1, updated_at = ?
		WHERE policy_id = ?`,
		encodeTime(time.Now().UTC()), id,
	); err != nil {
		return fmt.Errorf("bumping version: %w", err)
	}
	return nil
}
