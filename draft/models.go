package draft

import "time"

// Draft is one uploaded deliverable version of a project.
type Draft struct {
	ID         string
	ProjectID  string
	Version    int
	UploaderID string
	FileName   string
	FileURL    string
	SHA256     string
	CreatedAt  time.Time
}

// Comment is immutable once posted.
type Comment struct {
	ID        string
	DraftID   string
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

type CreateParams struct {
	ID         string
	ProjectID  string
	UploaderID string
	FileName   string
	FileURL    string
	SHA256     string
}

// Outcome of an integrity check. A mismatch is a result, never an error.
type Outcome string

const (
	OutcomeMatch    Outcome = "MATCH"
	OutcomeMismatch Outcome = "MISMATCH"
)

type Verification struct {
	DraftID    string    `json:"draftId,omitempty"`
	FileURL    string    `json:"fileUrl"`
	Outcome    Outcome   `json:"outcome"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual"`
	VerifiedAt time.Time `json:"verifiedAt"`
}
