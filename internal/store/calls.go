package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/famcall/internal/util"
)

const callColumns = `id, caller_type, child_id, parent_id, status, offer_sdp, answer_sdp,
	child_ice_candidates, parent_ice_candidates, created_at, ended_at, ended_by, end_reason,
	updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (CallRecord, error) {
	var (
		r                    CallRecord
		childID, parentID    sql.NullString
		offer, answer        sql.NullString
		childICE, parentICE  string
		createdAt, updatedAt int64
		endedAt              sql.NullInt64
		endedBy, endReason   sql.NullString
		callerType, status   string
	)
	if err := s.Scan(&r.ID, &callerType, &childID, &parentID, &status, &offer, &answer,
		&childICE, &parentICE, &createdAt, &endedAt, &endedBy, &endReason,
		&updatedAt, &r.Version); err != nil {
		return CallRecord{}, err
	}
	r.CallerType = Role(callerType)
	r.Status = Status(status)
	r.ChildID = childID.String
	r.ParentID = parentID.String
	r.OfferSDP = offer.String
	r.AnswerSDP = answer.String
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		r.EndedAt = &t
	}
	r.EndedBy = Party(endedBy.String)
	r.EndReason = EndReason(endReason.String)
	if err := json.Unmarshal([]byte(childICE), &r.ChildICECandidates); err != nil {
		return CallRecord{}, fmt.Errorf("%w: child_ice_candidates: %v", ErrSchema, err)
	}
	if err := json.Unmarshal([]byte(parentICE), &r.ParentICECandidates); err != nil {
		return CallRecord{}, fmt.Errorf("%w: parent_ice_candidates: %v", ErrSchema, err)
	}
	return r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateCall inserts a ringing record placed by callerRole and returns its id.
func (d *DB) CreateCall(ctx context.Context, callerRole Role, callerID, calleeID string) (string, error) {
	if !callerRole.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, callerRole)
	}
	callerID, err := util.ValidatePartyID(callerID)
	if err != nil {
		return "", fmt.Errorf("caller: %w", err)
	}
	calleeID, err = util.ValidatePartyID(calleeID)
	if err != nil {
		return "", fmt.Errorf("callee: %w", err)
	}

	childID, parentID := callerID, calleeID
	if callerRole == RoleParent {
		childID, parentID = calleeID, callerID
	}

	id := uuid.NewString()
	now := millis(d.now())

	d.mu.Lock()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO calls (id, caller_type, child_id, parent_id, status, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, 'ringing', ?, ?, 1)`,
		id, string(callerRole), nullable(childID), nullable(parentID), now, now)
	d.mu.Unlock()
	if err != nil {
		return "", wrap("create call", err)
	}

	log.Infof("[%s] ringing: %s %s -> %s", id, callerRole, callerID, calleeID)
	d.publish(ctx, id, "insert")
	return id, nil
}

// SetOffer stores the caller's offer. Write-once: a second, different offer
// fails with ErrAlreadySet; repeating the same offer is a no-op.
func (d *DB) SetOffer(ctx context.Context, id, sdp string) error {
	return d.setDescription(ctx, id, "offer_sdp", sdp)
}

// SetAnswer stores the callee's answer, write-once like SetOffer.
func (d *DB) SetAnswer(ctx context.Context, id, sdp string) error {
	return d.setDescription(ctx, id, "answer_sdp", sdp)
}

func (d *DB) setDescription(ctx context.Context, id, column, sdp string) error {
	if sdp == "" {
		return fmt.Errorf("%s: empty session description", column)
	}

	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE calls SET %[1]s = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status != 'ended' AND (%[1]s IS NULL OR %[1]s = '')`, column),
		sdp, millis(d.now()), id)
	d.mu.Unlock()
	if err != nil {
		return wrap("set "+column, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		d.publish(ctx, id, "update")
		return nil
	}

	rec, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusEnded {
		return ErrAlreadyEnded
	}
	existing := rec.OfferSDP
	if column == "answer_sdp" {
		existing = rec.AnswerSDP
	}
	if existing == sdp {
		return nil
	}
	return fmt.Errorf("%s: %w", column, ErrAlreadySet)
}

// Activate moves a ringing record to active. Returns false when the record
// had already left ringing; status never moves backwards.
func (d *DB) Activate(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE calls SET status = 'active', updated_at = ?, version = version + 1
		WHERE id = ? AND status = 'ringing'`, millis(d.now()), id)
	d.mu.Unlock()
	if err != nil {
		return false, wrap("activate", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		d.publish(ctx, id, "update")
		return true, nil
	}
	if _, err := d.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// AppendICECandidate appends cand to role's own list unless a candidate with
// the same identity is already stored. Returns whether it was appended.
func (d *DB) AppendICECandidate(ctx context.Context, id string, role Role, cand ICECandidate) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	column := "child_ice_candidates"
	if role == RoleParent {
		column = "parent_ice_candidates"
	}

	d.mu.Lock()
	appended, err := d.appendCandidate(ctx, id, column, cand)
	d.mu.Unlock()
	if err != nil {
		return false, err
	}
	if appended {
		d.publish(ctx, id, "update")
	}
	return appended, nil
}

func (d *DB) appendCandidate(ctx context.Context, id, column string, cand ICECandidate) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("append candidate", err)
	}
	defer tx.Rollback()

	var (
		status string
		raw    string
	)
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT status, %s FROM calls WHERE id = ?`, column), id).
		Scan(&status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRecordNotFound
	}
	if err != nil {
		return false, wrap("append candidate", err)
	}
	if Status(status) == StatusEnded {
		return false, ErrAlreadyEnded
	}

	var list []ICECandidate
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrSchema, column, err)
	}
	key := cand.Key()
	for _, c := range list {
		if c.Key() == key {
			return false, nil
		}
	}
	list = append(list, cand)
	b, err := json.Marshal(list)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE calls SET %s = ?, updated_at = ?, version = version + 1 WHERE id = ?`, column),
		string(b), millis(d.now()), id); err != nil {
		return false, wrap("append candidate", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("append candidate", err)
	}
	return true, nil
}

// EndCall marks the record ended. The end fields are written once: if the
// record already ended, EndCall returns false and leaves it untouched.
func (d *DB) EndCall(ctx context.Context, id string, by Party, reason EndReason) (bool, error) {
	if !by.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, by)
	}
	now := millis(d.now())

	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE calls SET status = 'ended', ended_at = ?, ended_by = ?, end_reason = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND status != 'ended'`,
		now, string(by), string(reason), now, id)
	d.mu.Unlock()
	if err != nil {
		return false, wrap("end call", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		log.Infof("[%s] ended by %s (%s)", id, by, reason)
		d.publish(ctx, id, "update")
		return true, nil
	}
	if _, err := d.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Get returns the call record for id.
func (d *DB) Get(ctx context.Context, id string) (CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, err := scanCall(d.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return CallRecord{}, wrap("get call", err)
	}
	return r, nil
}

// ChangedSince returns records touching partyID ("" for any) updated at or
// after since, oldest first. Ringing records older than the stale window are
// left out so polling never resurrects an abandoned ring.
func (d *DB) ChangedSince(ctx context.Context, since time.Time, partyID string) ([]CallRecord, error) {
	return d.changedSince(ctx, since, partyID, true)
}

func (d *DB) changedSince(ctx context.Context, since time.Time, partyID string, dropStale bool) ([]CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE updated_at >= ?`
	args := []any{millis(since)}
	if partyID != "" {
		q += ` AND (child_id = ? OR parent_id = ?)`
		args = append(args, partyID, partyID)
	}
	if dropStale {
		q += ` AND NOT (status = 'ringing' AND created_at < ?)`
		args = append(args, millis(d.now().Add(-d.staleWindow)))
	}
	q += ` ORDER BY updated_at, id`

	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("changed since", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		r, err := scanCall(rows)
		if err != nil {
			return nil, wrap("changed since", err)
		}
		out = append(out, r)
	}
	return out, wrap("changed since", rows.Err())
}

// Ringing returns live ringing records addressed to calleeID.
func (d *DB) Ringing(ctx context.Context, calleeID string) ([]CallRecord, error) {
	recs, err := d.ChangedSince(ctx, d.now().Add(-d.staleWindow), calleeID)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Status == StatusRinging && r.PartyID(r.CalleeRole()) == calleeID {
			out = append(out, r)
		}
	}
	return out, nil
}

// IsStale reports whether a ringing record is past the stale window.
func (d *DB) IsStale(r *CallRecord) bool {
	return r.Status == StatusRinging && d.now().Sub(r.CreatedAt) > d.staleWindow
}

func (d *DB) publish(ctx context.Context, id, op string) {
	rec, err := d.Get(ctx, id)
	if err != nil {
		log.Debugf("[%s] publish: %v", id, err)
		return
	}
	d.hub.Publish(Change{Op: op, Record: rec})
}
