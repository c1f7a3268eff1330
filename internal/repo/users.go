package repo

import (
	"context"
	"database/sql"

	"relabel/internal/domain"
)

const userCols = `id,password_hash,correction_count,admin,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.PasswordHash, &u.CorrectionCount, &u.Admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO users(id,password_hash,correction_count,admin,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.PasswordHash, u.CorrectionCount, u.Admin, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// IncrementCorrectionCount bumps a user's running total inside the
// completion transaction.
func (r Repo) IncrementCorrectionCount(ctx context.Context, tx *sql.Tx, userID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET correction_count=correction_count+1 WHERE id=?`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetUserAdmin(ctx context.Context, id string, admin bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET admin=? WHERE id=?`, admin, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetUserPassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
