package project

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of a project.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusFunded         Status = "FUNDED"
	StatusDraftSubmitted Status = "DRAFT_SUBMITTED"
	StatusApproved       Status = "APPROVED"
	StatusReleased       Status = "RELEASED"
	StatusDisputed       Status = "DISPUTED"
	StatusResolved       Status = "RESOLVED"
	StatusRefunded       Status = "REFUNDED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal statuses accept no further fund-moving transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusResolved, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusFunded, StatusDraftSubmitted, StatusApproved, StatusReleased,
		StatusDisputed, StatusResolved, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Project mirrors the projects table.
type Project struct {
	ID          string
	IntakeID    *string
	Title       string
	ClientID    string
	DesignerID  string
	Quoted      decimal.Decimal
	Deposit     decimal.Decimal
	Balance     decimal.Decimal
	Status      Status
	EscrowRef   *string
	ChainID     *string
	Paused      bool
	ReviewDueAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (p Project) HasEscrow() bool {
	return p.EscrowRef != nil && *p.EscrowRef != ""
}

func (p Project) EscrowRefValue() string {
	if p.EscrowRef == nil {
		return ""
	}
	return *p.EscrowRef
}

// Filters narrows List results. Zero values mean "any".
type Filters struct {
	ClientID   string
	DesignerID string
	Status     Status
	Limit      int
}

// StatusUpdate is the only way a status column changes. ReviewDueAt nil keeps the current value.
type StatusUpdate struct {
	ID          string
	Status      Status
	ReviewDueAt *time.Time
}
