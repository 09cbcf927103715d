package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wardengate/wardengate/internal/domain/server"
)

// ServerStore implements server.Store on a SQLite database.
type ServerStore struct {
	db *sql.DB
}

// NewServerStore wraps an opened database handle.
func NewServerStore(db *sql.DB) *ServerStore {
	return &ServerStore{db: db}
}

var _ server.Store = (*ServerStore)(nil)

const serverColumns = `name, url, transport, enabled, description, tags,
	timeout_seconds, auth, credential, command, args, env, metadata,
	created_at, updated_at`

// ListServers returns every registered backend, ordered by name.
func (s *ServerStore) ListServers(ctx context.Context) ([]*server.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*server.Descriptor
	for rows.Next() {
		d, scanErr := scanServer(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return out, nil
}

// GetServer retrieves a backend by name.
func (s *ServerStore) GetServer(ctx context.Context, name string) (*server.Descriptor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

// CreateServer inserts a new backend. CreatedAt and UpdatedAt are
// assigned here and written back into d.
func (s *ServerStore) CreateServer(ctx context.Context, d *server.Descriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM servers WHERE name = ?`, d.Name,
	).Scan(&one)
	if err == nil {
		return server.ErrServerExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking server: %w", err)
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	cols, err := serverValues(d)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols...,
	); err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpdateServer replaces a backend's row, refreshing UpdatedAt.
// CreatedAt is never touched.
func (s *ServerStore) UpdateServer(ctx context.Context, d *server.Descriptor) error {
	d.UpdatedAt = time.Now().UTC()

	cols, err := serverValues(d)
	if err != nil {
		return err
	}
	// serverValues leads with name and ends with the two timestamps;
	// rotate name to the WHERE clause and drop created_at.
	args := append(cols[1:len(cols)-2], cols[len(cols)-1], d.Name)

	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET url = ?, transport = ?, enabled = ?, description = ?,
			tags = ?, timeout_seconds = ?, auth = ?, credential = ?, command = ?,
			args = ?, env = ?, metadata = ?, updated_at = ?
		WHERE name = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return server.ErrServerNotFound
	}
	return nil
}

// DeleteServer removes a backend and its group memberships in one
// transaction.
func (s *ServerStore) DeleteServer(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_members WHERE server_name = ?`, name,
	); err != nil {
		return fmt.Errorf("removing group memberships: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return server.ErrServerNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const groupColumns = `group_id, name, description, tool_config,
	gateway_path, enabled, created_at, updated_at`

// ListGroups returns every group with its ordered membership.
func (s *ServerStore) ListGroups(ctx context.Context) ([]*server.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM server_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*server.Group
	for rows.Next() {
		g, scanErr := scanGroup(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing group rows: %w", err)
	}

	// Members load after the group rows are drained; the handle is
	// limited to one connection.
	for _, g := range out {
		if g.MemberNames, err = s.loadMembers(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetGroup retrieves a group by ID.
func (s *ServerStore) GetGroup(ctx context.Context, id string) (*server.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM server_groups WHERE group_id = ?`, id)

	g, err := scanGroup(row)
	if err != nil {
		return nil, err
	}
	if g.MemberNames, err = s.loadMembers(ctx, id); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateGroup inserts a new group with its membership.
func (s *ServerStore) CreateGroup(ctx context.Context, g *server.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM server_groups WHERE group_id = ?`, g.ID,
	).Scan(&one)
	if err == nil {
		return server.ErrGroupExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking group: %w", err)
	}

	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	toolCfg, err := encodeJSONMap(g.ToolConfig)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO server_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, toolCfg, g.GatewayPath, g.Enabled,
		encodeTime(g.CreatedAt), encodeTime(g.UpdatedAt),
	); err != nil {
		return fmt.Errorf("inserting group: %w", err)
	}

	if err := insertMembers(ctx, tx, g.ID, g.MemberNames); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpdateGroup replaces a group's row and membership, refreshing
// UpdatedAt.
func (s *ServerStore) UpdateGroup(ctx context.Context, g *server.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	g.UpdatedAt = time.Now().UTC()

	toolCfg, err := encodeJSONMap(g.ToolConfig)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE server_groups SET name = ?, description = ?, tool_config = ?,
			gateway_path = ?, enabled = ?, updated_at = ?
		WHERE group_id = ?`,
		g.Name, g.Description, toolCfg, g.GatewayPath, g.Enabled,
		encodeTime(g.UpdatedAt), g.ID,
	)
	if err != nil {
		return fmt.Errorf("updating group: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return server.ErrGroupNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ?`, g.ID,
	); err != nil {
		return fmt.Errorf("clearing members: %w", err)
	}
	if err := insertMembers(ctx, tx, g.ID, g.MemberNames); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// DeleteGroup removes a group and its membership rows.
func (s *ServerStore) DeleteGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = ?`, id,
	); err != nil {
		return fmt.Errorf("clearing members: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM server_groups WHERE group_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return server.ErrGroupNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *ServerStore) loadMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_name FROM group_members
		WHERE group_id = ? ORDER BY position`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning member row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating member rows: %w", err)
	}
	return names, nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, groupID string, names []string) error {
	for i, name := range names {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, server_name, position)
			VALUES (?, ?, ?)`,
			groupID, name, i,
		); err != nil {
			return fmt.Errorf("inserting member %q: %w", name, err)
		}
	}
	return nil
}

// serverValues flattens a descriptor into the serverColumns order.
func serverValues(d *server.Descriptor) ([]any, error) {
	var tags, args, env, meta, auth any
	var credential string
	var err error

	if len(d.Tags) > 0 {
		if tags, err = encodeJSON(d.Tags); err != nil {
			return nil, err
		}
	}
	if len(d.Args) > 0 {
		if args, err = encodeJSON(d.Args); err != nil {
			return nil, err
		}
	}
	if len(d.Env) > 0 {
		if env, err = encodeJSON(d.Env); err != nil {
			return nil, err
		}
	}
	if len(d.Metadata) > 0 {
		if meta, err = encodeJSON(d.Metadata); err != nil {
			return nil, err
		}
	}
	if d.Auth != nil {
		// The auth JSON never carries the inline credential; it gets
		// its own column.
		if auth, err = encodeJSON(d.Auth); err != nil {
			return nil, err
		}
		credential = d.Auth.Credential
	}

	return []any{
		d.Name, d.URL, string(d.Transport), d.Enabled, d.Description, tags,
		d.TimeoutSeconds, auth, credential, d.Command, args, env, meta,
		encodeTime(d.CreatedAt), encodeTime(d.UpdatedAt),
	}, nil
}

func scanServer(sc scanner) (*server.Descriptor, error) {
	var (
		d          server.Descriptor
		transport  string
		tagsBlob   []byte
		authBlob   []byte
		credential string
		argsBlob   []byte
		envBlob    []byte
		metaBlob   []byte
		createdStr string
		updatedStr string
	)
	err := sc.Scan(&d.Name, &d.URL, &transport, &d.Enabled, &d.Description,
		&tagsBlob, &d.TimeoutSeconds, &authBlob, &credential, &d.Command,
		&argsBlob, &envBlob, &metaBlob, &createdStr, &updatedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, server.ErrServerNotFound
		}
		return nil, fmt.Errorf("scanning server row: %w", err)
	}

	d.Transport = server.Transport(transport)
	if err := decodeJSON(tagsBlob, &d.Tags); err != nil {
		return nil, err
	}
	if len(authBlob) > 0 {
		d.Auth = &server.AuthConfig{}
		if err := decodeJSON(authBlob, d.Auth); err != nil {
			return nil, err
		}
		d.Auth.Credential = credential
	}
	if err := decodeJSON(argsBlob, &d.Args); err != nil {
		return nil, err
	}
	if err := decodeJSON(envBlob, &d.Env); err != nil {
		return nil, err
	}
	if err := decodeJSON(metaBlob, &d.Metadata); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = decodeTime(createdStr); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = decodeTime(updatedStr); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanGroup(sc scanner) (*server.Group, error) {
	var (
		g           server.Group
		toolCfgBlob []byte
		createdStr  string
		updatedStr  string
	)
	err := sc.Scan(&g.ID, &g.Name, &g.Description, &toolCfgBlob,
		&g.GatewayPath, &g.Enabled, &createdStr, &updatedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, server.ErrGroupNotFound
		}
		return nil, fmt.Errorf("scanning group row: %w", err)
	}

	if err := decodeJSON(toolCfgBlob, &g.ToolConfig); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = decodeTime(createdStr); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = decodeTime(updatedStr); err != nil {
		return nil, err
	}
	return &g, nil
}

// encodeJSONMap marshals a tool-config map, mapping empty to NULL.
func encodeJSONMap(m map[string][]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return encodeJSON(m)
}
