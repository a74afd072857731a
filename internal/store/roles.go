package store

import (
	"context"
	"database/sql"
	"errors"
)

// Role is the per-(agent, group) permission bitset. Permission checks always
// read the current row, so a grant change takes effect on the next check.
type Role struct {
	AgentID   string
	Group     string
	CanRead   bool
	CanInsert bool
	CanUpdate bool
	CanDelete bool
	IsAdmin   bool
}

func (s *Store) UpsertRole(ctx context.Context, r Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_group_roles(agent_id,grp,can_read,can_insert,can_update,can_delete,is_admin)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(agent_id,grp) DO UPDATE SET
		   can_read=excluded.can_read, can_insert=excluded.can_insert,
		   can_update=excluded.can_update, can_delete=excluded.can_delete,
		   is_admin=excluded.is_admin`,
		r.AgentID, r.Group, b2i(r.CanRead), b2i(r.CanInsert), b2i(r.CanUpdate), b2i(r.CanDelete), b2i(r.IsAdmin))
	return err
}

func (s *Store) GetRole(ctx context.Context, agentID, group string) (Role, error) {
	r := Role{AgentID: agentID, Group: group}
	var read, ins, upd, del, adm int
	err := s.db.QueryRowContext(ctx,
		`SELECT can_read,can_insert,can_update,can_delete,is_admin
		 FROM sync_group_roles WHERE agent_id=? AND grp=?`, agentID, group).
		Scan(&read, &ins, &upd, &del, &adm)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CanRead, r.CanInsert, r.CanUpdate, r.CanDelete, r.IsAdmin = read != 0, ins != 0, upd != 0, del != 0, adm != 0
	return r, nil
}

func (s *Store) DeleteRole(ctx context.Context, agentID, group string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_group_roles WHERE agent_id=? AND grp=?`, agentID, group)
	return err
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
