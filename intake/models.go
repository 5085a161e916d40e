package intake

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is a client's brief awaiting an admin decision.
type Request struct {
	ID           string
	ClientID     string
	Title        string
	Brief        string
	Status       Status
	RejectReason *string
	ProjectID    *string
	DecidedBy    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Filters struct {
	ClientID string
	Status   Status
	Page     int
	PageSize int
}

// Decision is the outcome written back onto a pending request.
type Decision struct {
	ID        string
	Status    Status
	ProjectID string
	DecidedBy string
	Reason    string
}
