package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"relabel/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workItemCols = `id,original_line,COALESCE(identifier,''),COALESCE(label_text,''),COALESCE(macro_text,''),COALESCE(accession_id,''),COALESCE(stain,''),COALESCE(block_number,''),complete,COALESCE(image_file,''),created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	err := row.Scan(&w.ID, &w.OriginalLine, &w.Identifier, &w.LabelText, &w.MacroText,
		&w.AccessionID, &w.Stain, &w.BlockNumber, &w.Complete, &w.ImageFile, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) InsertWorkItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,original_line,identifier,label_text,macro_text,accession_id,stain,block_number,complete,image_file,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.OriginalLine, nullable(w.Identifier), nullable(w.LabelText), nullable(w.MacroText),
		nullable(w.AccessionID), nullable(w.Stain), nullable(w.BlockNumber), w.Complete, nullable(w.ImageFile), w.CreatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id int64) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id))
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkItem, error) {
	return scanWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id))
}

type WorkItemFilters struct {
	AccessionID string
	Identifier  string
	Incomplete  bool
	Limit       int
	CursorID    int64
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.AccessionID != "" {
		clauses = append(clauses, "accession_id=?")
		args = append(args, f.AccessionID)
	}
	if f.Identifier != "" {
		clauses = append(clauses, "identifier=?")
		args = append(args, f.Identifier)
	}
	if f.Incomplete {
		clauses = append(clauses, "complete=0")
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + workItemCols + ` FROM work_items ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ApplyCorrection persists accepted field values onto the work item.
// Called only after the queue has recorded the version for them.
func (r Repo) ApplyCorrection(ctx context.Context, tx *sql.Tx, id int64, f domain.CorrectedFields) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET accession_id=?, stain=?, block_number=?, complete=? WHERE id=?`,
		nullable(f.AccessionID), nullable(f.Stain), nullable(f.BlockNumber), f.Complete, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountWorkItems(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM work_items`).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
