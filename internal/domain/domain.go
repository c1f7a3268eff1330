package domain

import "fmt"

// Status is the lease lifecycle state. The three named states are the only
// values that ever reach storage; anything else is rejected at parse time.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
)

// ParseStatus validates a stored status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusLeased, StatusCompleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid lease status %q", s)
}

// WorkItem is a single correctable record derived from a scanned slide.
type WorkItem struct {
	ID           int64  `json:"id"`
	OriginalLine string `json:"original_line"`
	Identifier   string `json:"identifier,omitempty"`
	LabelText    string `json:"label_text,omitempty"`
	MacroText    string `json:"macro_text,omitempty"`
	AccessionID  string `json:"accession_id,omitempty"`
	Stain        string `json:"stain,omitempty"`
	BlockNumber  string `json:"block_number,omitempty"`
	Complete     bool   `json:"complete"`
	ImageFile    string `json:"image_file,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Lease tracks the exclusive claim lifecycle of one work item.
// Exactly zero or one lease exists per work item.
type Lease struct {
	WorkItemID  int64   `json:"work_item_id"`
	Status      Status  `json:"status" enum:"pending,leased,completed"`
	LeasedBy    *string `json:"leased_by,omitempty"`
	LeasedAt    *string `json:"leased_at,omitempty" format:"date-time"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Version is one immutable snapshot of accepted corrected values.
// Seq is 1-based and gapless per work item.
type Version struct {
	ID          int64  `json:"id"`
	WorkItemID  int64  `json:"work_item_id"`
	Seq         int    `json:"seq"`
	AccessionID string `json:"accession_id,omitempty"`
	Stain       string `json:"stain,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Complete    bool   `json:"complete"`
	UserID      string `json:"user_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// CorrectedFields carries the values a reviewer submits on completion.
type CorrectedFields struct {
	AccessionID string `json:"accession_id"`
	Stain       string `json:"stain"`
	BlockNumber string `json:"block_number,omitempty"`
	Complete    bool   `json:"complete"`
}

// User is a reviewer account. The queue core only ever reads ID and Admin;
// credentials are the server layer's business.
type User struct {
	ID              string `json:"id"`
	PasswordHash    string `json:"-"`
	CorrectionCount int    `json:"correction_count"`
	Admin           bool   `json:"admin"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// Actor is the resolved identity the request layer hands to the core.
type Actor struct {
	ID    string
	Admin bool
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
