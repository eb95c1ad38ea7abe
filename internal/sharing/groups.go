package sharing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Group represents a user group that shares can target.
type Group struct {
	ID        int
	Name      string
	CreatedAt time.Time
}

// GroupStore manages groups and their membership.
type GroupStore struct {
	db *sql.DB
}

// NewGroupStore creates a new group store.
func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

// CreateGroup creates a new group.
func (s *GroupStore) CreateGroup(ctx context.Context, name string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO groups (name) VALUES ($1) RETURNING id, name, created_at`,
		name).Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return &g, nil
}

// GetGroupByName returns a group by name.
func (s *GroupStore) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM groups WHERE name = $1`, name).
		Scan(&g.ID, &g.Name, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// AddMember adds a user to a group. Adding an existing member is a no-op.
func (s *GroupStore) AddMember(ctx context.Context, groupID, userID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a group.
func (s *GroupStore) RemoveMember(ctx context.Context, groupID, userID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// UserGroupIDs returns the IDs of all groups the user belongs to.
func (s *GroupStore) UserGroupIDs(ctx context.Context, userID int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM group_members WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("user groups: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
