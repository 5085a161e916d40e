package dispute

import "time"

// Status represents the lifecycle of a dispute record. ARBITRATED is terminal.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusArbitrated Status = "ARBITRATED"
)

// Decision is the arbitration outcome.
type Decision string

const (
	DecisionRelease Decision = "RELEASE"
	DecisionRefund  Decision = "REFUND"
	DecisionSplit   Decision = "SPLIT"
)

func (d Decision) Valid() bool {
	return d == DecisionRelease || d == DecisionRefund || d == DecisionSplit
}

// Record mirrors the disputes table.
type Record struct {
	ID             string
	ProjectID      string
	OpenerID       string
	Description    string
	Status         Status
	Decision       *Decision
	ClientPercent  *int
	CompanyPercent *int
	DeciderID      *string
	Files          []File
	CreatedAt      time.Time
	ArbitratedAt   *time.Time
}

// File is one evidence attachment with its content hash at upload time.
type File struct {
	ID        string
	DisputeID string
	FileName  string
	FileURL   string
	SHA256    string
	CreatedAt time.Time
}

type FileRef struct {
	FileName string
	FileURL  string
	SHA256   string
}

type OpenParams struct {
	ID          string
	ProjectID   string
	OpenerID    string
	Description string
	Files       []FileRef
}

// Ruling is a validated arbitration decision.
type Ruling struct {
	Decision       Decision
	ClientPercent  *int
	CompanyPercent *int
}

type ArbitrateParams struct {
	DisputeID string
	DeciderID string
	Ruling    Ruling
	At        time.Time
}
