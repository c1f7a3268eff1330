package repo

import (
	"context"
	"database/sql"

	"relabel/internal/domain"
)

const leaseCols = `work_item_id,status,leased_by,leased_at,completed_by,completed_at`

func scanLease(row rowScanner) (domain.Lease, error) {
	var l domain.Lease
	var status string
	var leasedBy, leasedAt, completedBy, completedAt sql.NullString
	err := row.Scan(&l.WorkItemID, &status, &leasedBy, &leasedAt, &completedBy, &completedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Status, err = domain.ParseStatus(status)
	if err != nil {
		return l, err
	}
	if leasedBy.Valid {
		l.LeasedBy = &leasedBy.String
	}
	if leasedAt.Valid {
		l.LeasedAt = &leasedAt.String
	}
	if completedBy.Valid {
		l.CompletedBy = &completedBy.String
	}
	if completedAt.Valid {
		l.CompletedAt = &completedAt.String
	}
	return l, nil
}

func (r Repo) InsertLease(ctx context.Context, tx *sql.Tx, l domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leases(work_item_id,status,leased_by,leased_at,completed_by,completed_at) VALUES (?,?,?,?,?,?)`,
		l.WorkItemID, string(l.Status), nullableStringPtr(l.LeasedBy), nullableStringPtr(l.LeasedAt),
		nullableStringPtr(l.CompletedBy), nullableStringPtr(l.CompletedAt))
	return err
}

func (r Repo) GetLease(ctx context.Context, workItemID int64) (domain.Lease, error) {
	return scanLease(r.DB.QueryRowContext(ctx, `SELECT `+leaseCols+` FROM leases WHERE work_item_id=?`, workItemID))
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, workItemID int64) (domain.Lease, error) {
	return scanLease(tx.QueryRowContext(ctx, `SELECT `+leaseCols+` FROM leases WHERE work_item_id=?`, workItemID))
}

// NextPendingID returns the lowest pending work item id greater than after.
// Arrival order is creation order, so this is the FIFO candidate.
func (r Repo) NextPendingID(ctx context.Context, after int64) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT work_item_id FROM leases WHERE status='pending' AND work_item_id>? ORDER BY work_item_id ASC LIMIT 1`, after).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// ClaimLease flips one pending lease to leased for the given user. The
// WHERE status='pending' clause is the compare-and-swap: under concurrent
// claimers SQLite serializes the writes and only one UPDATE matches, so the
// returned bool tells the caller whether it won the row.
func (r Repo) ClaimLease(ctx context.Context, tx *sql.Tx, workItemID int64, userID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE leases SET status='leased', leased_by=?, leased_at=? WHERE work_item_id=? AND status='pending'`,
		userID, now, workItemID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease returns a leased row to pending, clearing the holder pair.
func (r Repo) ReleaseLease(ctx context.Context, tx *sql.Tx, workItemID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE leases SET status='pending', leased_by=NULL, leased_at=NULL WHERE work_item_id=? AND status='leased'`, workItemID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteLease marks a leased row completed, setting the completing pair.
func (r Repo) CompleteLease(ctx context.Context, tx *sql.Tx, workItemID int64, userID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE leases SET status='completed', completed_by=?, completed_at=? WHERE work_item_id=? AND status='leased'`,
		userID, now, workItemID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ActiveLeaseFor returns the lease currently held by a user, if any.
func (r Repo) ActiveLeaseFor(ctx context.Context, userID string) (domain.Lease, error) {
	return scanLease(r.DB.QueryRowContext(ctx, `SELECT `+leaseCols+` FROM leases WHERE status='leased' AND leased_by=? LIMIT 1`, userID))
}

// CompletedBy lists leases completed by a user, most recent first.
func (r Repo) CompletedBy(ctx context.Context, userID string, limit int) ([]domain.Lease, error) {
	query := `SELECT ` + leaseCols + ` FROM leases WHERE status='completed' AND completed_by=? ORDER BY completed_at DESC, work_item_id DESC`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountLeasesByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM leases GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		s, err := domain.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		res[s] = count
	}
	return res, rows.Err()
}
