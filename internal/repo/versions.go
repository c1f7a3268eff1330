package repo

import (
	"context"
	"database/sql"

	"relabel/internal/domain"
)

const versionCols = `id,work_item_id,seq,COALESCE(accession_id,''),COALESCE(stain,''),COALESCE(block_number,''),complete,user_id,created_at`

func scanVersion(row rowScanner) (domain.Version, error) {
	var v domain.Version
	err := row.Scan(&v.ID, &v.WorkItemID, &v.Seq, &v.AccessionID, &v.Stain, &v.BlockNumber, &v.Complete, &v.UserID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// InsertVersion appends a version row and reports the assigned rowid.
// Rows are never updated or deleted afterwards.
func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.Version) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO versions(work_item_id,seq,accession_id,stain,block_number,complete,user_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		v.WorkItemID, v.Seq, nullable(v.AccessionID), nullable(v.Stain), nullable(v.BlockNumber), v.Complete, v.UserID, v.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MaxVersionSeq returns the highest recorded sequence for a work item, or 0.
func (r Repo) MaxVersionSeq(ctx context.Context, tx *sql.Tx, workItemID int64) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM versions WHERE work_item_id=?`, workItemID).Scan(&seq)
	return seq, err
}

// ListVersions returns a work item's versions in sequence order.
func (r Repo) ListVersions(ctx context.Context, workItemID int64) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionCols+` FROM versions WHERE work_item_id=? ORDER BY seq ASC`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// LatestVersion returns the most recent version for a work item.
func (r Repo) LatestVersion(ctx context.Context, workItemID int64) (domain.Version, error) {
	return scanVersion(r.DB.QueryRowContext(ctx, `SELECT `+versionCols+` FROM versions WHERE work_item_id=? ORDER BY seq DESC LIMIT 1`, workItemID))
}
