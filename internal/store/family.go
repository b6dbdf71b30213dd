package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Decision is the answer of a capability check.
type Decision struct {
	Allowed bool
	Reason  string
}

// LinkFamily records that memberID (a parent or family member) may call and
// be called by childID.
func (d *DB) LinkFamily(ctx context.Context, childID, memberID string, memberRole Party) error {
	if memberRole != PartyParent && memberRole != PartyFamilyMember {
		return fmt.Errorf("%w: member role %q", ErrInvalidRole, memberRole)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO family_links (child_id, member_id, member_role)
		VALUES (?, ?, ?)
		ON CONFLICT(child_id, member_id) DO UPDATE SET member_role = excluded.member_role`,
		childID, memberID, string(memberRole))
	return wrap("link family", err)
}

// SetBlocked blocks or unblocks calls between a child and a member.
func (d *DB) SetBlocked(ctx context.Context, childID, memberID string, blocked bool) error {
	b := 0
	if blocked {
		b = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx,
		`UPDATE family_links SET blocked = ? WHERE child_id = ? AND member_id = ?`,
		b, childID, memberID)
	if err != nil {
		return wrap("set blocked", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("family link %s/%s: %w", childID, memberID, ErrRecordNotFound)
	}
	return nil
}

// CanCommunicate is the default capability check: a call is allowed between
// a child and a linked, unblocked parent or family member.
func (d *DB) CanCommunicate(ctx context.Context, callerID string, callerRole Party, calleeID string, calleeRole Party) (Decision, error) {
	if callerID == "" || calleeID == "" {
		return Decision{Reason: "missing identity"}, nil
	}
	if callerRole.Side() == calleeRole.Side() {
		return Decision{Reason: "calls are between a child and a family member"}, nil
	}

	childID, memberID := callerID, calleeID
	if callerRole != PartyChild {
		childID, memberID = calleeID, callerID
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	var blocked int
	err := d.db.QueryRowContext(ctx,
		`SELECT blocked FROM family_links WHERE child_id = ? AND member_id = ?`,
		childID, memberID).Scan(&blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{Reason: "not linked"}, nil
	}
	if err != nil {
		return Decision{}, wrap("can communicate", err)
	}
	if blocked != 0 {
		return Decision{Reason: "blocked"}, nil
	}
	return Decision{Allowed: true}, nil
}

// SetDisplayName stores the name shown in incoming call notifications.
func (d *DB) SetDisplayName(ctx context.Context, id, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO display_names (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`, id, name)
	return wrap("set display name", err)
}

// DisplayName returns the stored name for id, or id itself if unknown.
func (d *DB) DisplayName(ctx context.Context, id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var name string
	if err := d.db.QueryRowContext(ctx,
		`SELECT name FROM display_names WHERE id = ?`, id).Scan(&name); err != nil || name == "" {
		return id
	}
	return name
}
