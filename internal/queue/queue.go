// Package queue is the lease-based work distribution core. It hands each
// pending work item to at most one reviewer at a time and records every
// accepted correction as an immutable version. All state lives in the
// database; nothing is cached across calls, so multiple processes can share
// one store safely.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"relabel/internal/domain"
	"relabel/internal/events"
	"relabel/internal/repo"
)

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Queue {
	return Queue{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// AcquireNext claims the oldest pending work item for the user and returns
// it with its lease. The claim itself is a conditional UPDATE on
// status='pending' inside a transaction, so when two callers race for the
// same candidate exactly one wins; the loser moves on to the next pending
// id. Returns ErrNoWork when the queue has nothing pending.
func (q Queue) AcquireNext(ctx context.Context, user domain.Actor) (domain.WorkItem, domain.Lease, error) {
	var after int64
	for {
		candidate, err := q.Repo.NextPendingID(ctx, after)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkItem{}, domain.Lease{}, ErrNoWork
			}
			return domain.WorkItem{}, domain.Lease{}, err
		}
		lease, won, err := q.tryClaim(ctx, candidate, user)
		if err != nil {
			return domain.WorkItem{}, domain.Lease{}, err
		}
		if !won {
			// Someone else took this one between the read and our
			// write. Skip past it and retry.
			after = candidate
			continue
		}
		item, err := q.Repo.GetWorkItem(ctx, candidate)
		if err != nil {
			return domain.WorkItem{}, domain.Lease{}, err
		}
		return item, lease, nil
	}
}

func (q Queue) tryClaim(ctx context.Context, workItemID int64, user domain.Actor) (domain.Lease, bool, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, false, err
	}
	defer tx.Rollback()

	now := q.now().UTC().Format(time.RFC3339)
	won, err := q.Repo.ClaimLease(ctx, tx, workItemID, user.ID, now)
	if err != nil {
		return domain.Lease{}, false, err
	}
	if !won {
		return domain.Lease{}, false, nil
	}
	if err := q.Events.Append(ctx, tx, "lease.acquired", "work_item", itemKey(workItemID), user.ID, nil); err != nil {
		return domain.Lease{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, false, err
	}
	return domain.Lease{
		WorkItemID: workItemID,
		Status:     domain.StatusLeased,
		LeasedBy:   &user.ID,
		LeasedAt:   &now,
	}, true, nil
}

// Release returns a leased item to pending. Only the lease holder may
// release it, unless the caller is an admin.
func (q Queue) Release(ctx context.Context, workItemID int64, user domain.Actor) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lease, err := q.Repo.GetLeaseTx(ctx, tx, workItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrNotLeased
		}
		return err
	}
	if lease.Status != domain.StatusLeased {
		return ErrNotLeased
	}
	if err := requireHolder(lease, user); err != nil {
		return err
	}
	ok, err := q.Repo.ReleaseLease(ctx, tx, workItemID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotLeased
	}
	if err := q.Events.Append(ctx, tx, "lease.released", "work_item", itemKey(workItemID), user.ID, events.EventPayload{
		"held_by": deref(lease.LeasedBy),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Complete accepts a correction for a leased item. In one transaction it
// appends the next version, marks the lease completed, writes the accepted
// values onto the work item and bumps the user's correction count. Either
// all of that lands or none of it does.
func (q Queue) Complete(ctx context.Context, workItemID int64, user domain.Actor, fields domain.CorrectedFields) (domain.Version, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	lease, err := q.Repo.GetLeaseTx(ctx, tx, workItemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Version{}, ErrNotLeased
		}
		return domain.Version{}, err
	}
	if lease.Status != domain.StatusLeased {
		return domain.Version{}, ErrNotLeased
	}
	if err := requireHolder(lease, user); err != nil {
		return domain.Version{}, err
	}

	v, err := q.recordVersion(ctx, tx, workItemID, user.ID, fields)
	if err != nil {
		return domain.Version{}, err
	}
	now := q.now().UTC().Format(time.RFC3339)
	ok, err := q.Repo.CompleteLease(ctx, tx, workItemID, user.ID, now)
	if err != nil {
		return domain.Version{}, err
	}
	if !ok {
		return domain.Version{}, ErrNotLeased
	}
	if err := q.Repo.ApplyCorrection(ctx, tx, workItemID, fields); err != nil {
		return domain.Version{}, err
	}
	if err := q.Repo.IncrementCorrectionCount(ctx, tx, user.ID); err != nil {
		return domain.Version{}, err
	}
	if err := q.Events.Append(ctx, tx, "item.completed", "work_item", itemKey(workItemID), user.ID, events.EventPayload{
		"seq":          v.Seq,
		"accession_id": fields.AccessionID,
	}); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	return v, nil
}

// CreateForItem materializes the pending lease for a newly ingested work
// item. Called once per item; a second call fails with ErrDuplicateLease.
// The UNIQUE constraint on leases.work_item_id backs the pre-check, so a
// racing duplicate still cannot corrupt existing state.
func (q Queue) CreateForItem(ctx context.Context, tx *sql.Tx, workItemID int64) (domain.Lease, error) {
	if _, err := q.Repo.GetLeaseTx(ctx, tx, workItemID); err == nil {
		return domain.Lease{}, ErrDuplicateLease
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Lease{}, err
	}
	lease := domain.Lease{
		WorkItemID: workItemID,
		Status:     domain.StatusPending,
	}
	if err := q.Repo.InsertLease(ctx, tx, lease); err != nil {
		return domain.Lease{}, fmt.Errorf("insert lease: %w", err)
	}
	return lease, nil
}

// ActiveLease returns the lease a user currently holds, or repo.ErrNotFound.
func (q Queue) ActiveLease(ctx context.Context, userID string) (domain.Lease, error) {
	return q.Repo.ActiveLeaseFor(ctx, userID)
}

// Counts reports how many leases sit in each status.
func (q Queue) Counts(ctx context.Context) (map[domain.Status]int, error) {
	return q.Repo.CountLeasesByStatus(ctx)
}

func requireHolder(lease domain.Lease, user domain.Actor) error {
	if user.Admin {
		return nil
	}
	if lease.LeasedBy == nil || *lease.LeasedBy != user.ID {
		return ErrNotOwner
	}
	return nil
}

func itemKey(id int64) string {
	return fmt.Sprintf("%d", id)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
