package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relabel/internal/domain"
)

// recordVersion appends the next version for a work item inside the
// caller's transaction. Sequence numbers are per item, 1-based and gapless:
// the max+1 read and the insert commit together, and the
// UNIQUE(work_item_id, seq) constraint rejects any interleaving that would
// produce a duplicate.
func (q Queue) recordVersion(ctx context.Context, tx *sql.Tx, workItemID int64, userID string, fields domain.CorrectedFields) (domain.Version, error) {
	seq, err := q.Repo.MaxVersionSeq(ctx, tx, workItemID)
	if err != nil {
		return domain.Version{}, fmt.Errorf("read version seq: %w", err)
	}
	v := domain.Version{
		WorkItemID:  workItemID,
		Seq:         seq + 1,
		AccessionID: fields.AccessionID,
		Stain:       fields.Stain,
		BlockNumber: fields.BlockNumber,
		Complete:    fields.Complete,
		UserID:      userID,
		CreatedAt:   q.now().UTC().Format(time.RFC3339),
	}
	id, err := q.Repo.InsertVersion(ctx, tx, v)
	if err != nil {
		return domain.Version{}, fmt.Errorf("append version: %w", err)
	}
	v.ID = id
	return v, nil
}

// History returns a work item's versions ordered by sequence ascending.
func (q Queue) History(ctx context.Context, workItemID int64) ([]domain.Version, error) {
	return q.Repo.ListVersions(ctx, workItemID)
}
