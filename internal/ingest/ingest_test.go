package ingest_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"relabel/internal/db"
	"relabel/internal/domain"
	"relabel/internal/ingest"
	"relabel/internal/migrate"
)

func TestParseSourceLine(t *testing.T) {
	cases := []struct {
		line       string
		identifier string
		label      string
		macro      string
	}{
		{
			line:       `S-001;Label: NP-24-001 HE;Macro: block A`,
			identifier: "S-001",
			label:      "NP-24-001 HE",
			macro:      "block A",
		},
		{
			line:       `"S-002";Label: "NP-24-002"`,
			identifier: "S-002",
			label:      "NP-24-002",
		},
		{
			line:       `S-003`,
			identifier: "S-003",
		},
		{
			line:       `S-004;Macro: unreadable`,
			identifier: "S-004",
			macro:      "unreadable",
		},
		{
			line: ``,
		},
	}
	for _, tc := range cases {
		id, label, macro := ingest.ParseSourceLine(tc.line)
		if id != tc.identifier || label != tc.label || macro != tc.macro {
			t.Errorf("ParseSourceLine(%q) = (%q, %q, %q), want (%q, %q, %q)",
				tc.line, id, label, macro, tc.identifier, tc.label, tc.macro)
		}
	}
}

const sampleCSV = `AccessionID;Stain;Complete;OriginalLine;BlockNumber
NP-24-001;HE;true;"S-001;Label: NP-24-001 HE;Macro: block A";A1
;;false;"S-002;Label: unreadable";
NP-24-003;PAS;false;"S-003;Label: NP-24-003 PAS;Macro: block C";C2
`

func newIngestor(t *testing.T) ingest.Ingestor {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	in := ingest.New(conn)
	in.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return in
}

func TestReadCreatesItemsAndPendingLeases(t *testing.T) {
	in := newIngestor(t)
	ctx := context.Background()

	res, err := in.Read(ctx, strings.NewReader(sampleCSV), "importer")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Created != 3 || res.Skipped != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	item, err := in.Repo.GetWorkItem(ctx, 1)
	if err != nil {
		t.Fatalf("get item 1: %v", err)
	}
	if item.Identifier != "S-001" || item.LabelText != "NP-24-001 HE" || item.MacroText != "block A" {
		t.Fatalf("row 1 parsed wrong: %+v", item)
	}
	if item.AccessionID != "NP-24-001" || item.Stain != "HE" || item.BlockNumber != "A1" || !item.Complete {
		t.Fatalf("row 1 fields wrong: %+v", item)
	}
	if item.ImageFile != "S-001_label.png" {
		t.Fatalf("row 1 image file: %q", item.ImageFile)
	}

	// Row with empty accession and stain still becomes a work item.
	item, err = in.Repo.GetWorkItem(ctx, 2)
	if err != nil {
		t.Fatalf("get item 2: %v", err)
	}
	if item.AccessionID != "" || item.Complete {
		t.Fatalf("row 2 fields wrong: %+v", item)
	}

	for id := int64(1); id <= 3; id++ {
		lease, err := in.Repo.GetLease(ctx, id)
		if err != nil {
			t.Fatalf("get lease %d: %v", id, err)
		}
		if lease.Status != domain.StatusPending {
			t.Fatalf("lease %d: expected pending, got %s", id, lease.Status)
		}
	}
}

func TestReadIsIdempotent(t *testing.T) {
	in := newIngestor(t)
	ctx := context.Background()

	if _, err := in.Read(ctx, strings.NewReader(sampleCSV), "importer"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	res, err := in.Read(ctx, strings.NewReader(sampleCSV), "importer")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if res.Created != 0 || res.Skipped != 3 {
		t.Fatalf("re-import should skip everything, got %+v", res)
	}
	n, err := in.Repo.CountWorkItems(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 items after re-import, got %d", n)
	}
}

func TestReadRejectsMissingHeaders(t *testing.T) {
	in := newIngestor(t)
	bad := "AccessionID;Stain;OriginalLine\nA;HE;line\n"
	if _, err := in.Read(context.Background(), strings.NewReader(bad), "importer"); err == nil {
		t.Fatal("expected error for missing Complete header")
	}

	if _, err := in.Read(context.Background(), strings.NewReader(""), "importer"); err == nil {
		t.Fatal("expected error for empty input")
	}
}
