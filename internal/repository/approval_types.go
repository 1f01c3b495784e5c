package repository

import (
	"time"

	"github.com/pesio-ai/be-hse-approvals/internal/approval"
)

// MaxListLimit caps one page of a request listing.
const MaxListLimit = 500

// Audit actions.
const (
	AuditSubmitted   = "submitted"
	AuditApproved    = "approved"
	AuditRejected    = "rejected"
	AuditResubmitted = "resubmitted"
	AuditWithdrawn   = "withdrawn"
	AuditAutoPassed  = "auto_approved"
)

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           int64
	RequestID    string
	ProcessType  string
	Level        *int
	Action       string
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{}
}

// RequestFilter narrows request listings. Zero values mean "any".
// Listings are ordered newest first by (created_at, id); After continues
// from the last row of a previous page.
type RequestFilter struct {
	ProcessType string
	SubmitterID string
	OpenOnly    bool
	Limit       int
	After       *RequestCursor
}

// RequestCursor is a keyset position in a request listing.
type RequestCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor that continues a listing after req.
func CursorAfter(req *approval.Request) *RequestCursor {
	return &RequestCursor{CreatedAt: req.CreatedAt, ID: req.ID}
}
