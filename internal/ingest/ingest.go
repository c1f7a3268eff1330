// Package ingest loads the OCR pipeline's semicolon-delimited CSV export
// into the store, creating one work item plus its pending lease per row.
package ingest

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"relabel/internal/domain"
	"relabel/internal/events"
	"relabel/internal/queue"
	"relabel/internal/repo"
)

var requiredHeaders = []string{"AccessionID", "Stain", "Complete", "OriginalLine"}

var (
	labelRe = regexp.MustCompile(`Label:\s*(.*?)(?:;Macro:|$)`)
	macroRe = regexp.MustCompile(`Macro:\s*(.*?)(?:;|$)`)
)

// ParseSourceLine splits a raw OriginalLine into its identifier, label text
// and macro text. The line looks like `<id>;Label: ...;Macro: ...`.
func ParseSourceLine(line string) (identifier, labelText, macroText string) {
	parts := strings.Split(line, ";")
	if len(parts) > 0 {
		identifier = strings.ReplaceAll(strings.TrimSpace(parts[0]), `"`, "")
	}
	if m := labelRe.FindStringSubmatch(line); m != nil {
		labelText = strings.Trim(strings.TrimSpace(m[1]), `"`)
	}
	if m := macroRe.FindStringSubmatch(line); m != nil {
		macroText = strings.Trim(strings.TrimSpace(m[1]), `"`)
	}
	return identifier, labelText, macroText
}

type Ingestor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Queue  queue.Queue
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Ingestor {
	return Ingestor{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Queue:  queue.New(db),
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

type Result struct {
	Created int
	Skipped int
}

// File ingests a CSV export from disk.
func (in Ingestor) File(ctx context.Context, path, actorID string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return in.Read(ctx, f, actorID)
}

// Read ingests CSV rows. Rows are numbered from 1 in file order; the row
// number becomes the work item id, which makes re-running an import of the
// same file idempotent: existing ids are skipped.
func (in Ingestor) Read(ctx context.Context, r io.Reader, actorID string) (Result, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return Result{}, fmt.Errorf("read csv header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	for _, h := range requiredHeaders {
		if _, ok := cols[h]; !ok {
			return Result{}, fmt.Errorf("csv missing required header %s", h)
		}
	}

	var res Result
	var rowNum int64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read csv row %d: %w", rowNum+1, err)
		}
		rowNum++
		item := itemFromRecord(rowNum, cols, record)
		item.CreatedAt = in.now().UTC().Format(time.RFC3339)
		created, err := in.createItem(ctx, item, actorID)
		if err != nil {
			return res, fmt.Errorf("ingest row %d: %w", rowNum, err)
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func itemFromRecord(id int64, cols map[string]int, record []string) domain.WorkItem {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	line := field("OriginalLine")
	identifier, labelText, macroText := ParseSourceLine(line)
	item := domain.WorkItem{
		ID:           id,
		OriginalLine: line,
		Identifier:   identifier,
		LabelText:    labelText,
		MacroText:    macroText,
		AccessionID:  field("AccessionID"),
		Stain:        field("Stain"),
		BlockNumber:  field("BlockNumber"),
		Complete:     strings.EqualFold(field("Complete"), "true"),
	}
	if identifier != "" {
		item.ImageFile = identifier + "_label.png"
	}
	return item
}

// createItem inserts the work item and its pending lease in one
// transaction. Reports false when the item already exists.
func (in Ingestor) createItem(ctx context.Context, item domain.WorkItem, actorID string) (bool, error) {
	if _, err := in.Repo.GetWorkItem(ctx, item.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	tx, err := in.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := in.Repo.InsertWorkItem(ctx, tx, item); err != nil {
		return false, fmt.Errorf("insert work item: %w", err)
	}
	if _, err := in.Queue.CreateForItem(ctx, tx, item.ID); err != nil {
		return false, err
	}
	if err := in.Events.Append(ctx, tx, "item.created", "work_item", fmt.Sprintf("%d", item.ID), actorID, events.EventPayload{
		"identifier": item.Identifier,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (in Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}
