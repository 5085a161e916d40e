package proof

import (
	"encoding/json"
	"time"
)

// Timeline and chain event types written by the lifecycle engine.
const (
	EventProjectCreated    = "PROJECT_CREATED"
	EventEscrowDeployed    = "ESCROW_DEPLOYED"
	EventDepositFunded     = "DEPOSIT_FUNDED"
	EventDraftSubmitted    = "DRAFT_SUBMITTED"
	EventBalancePaid       = "BALANCE_PAID"
	EventDisputeOpened     = "DISPUTE_OPENED"
	EventDisputeArbitrated = "DISPUTE_ARBITRATED"
	EventFundsReleased     = "FUNDS_RELEASED"
	EventFundsRefunded     = "FUNDS_REFUNDED"
	EventEscrowPaused      = "ESCROW_PAUSED"
	EventEscrowResumed     = "ESCROW_RESUMED"
	EventProjectCancelled  = "PROJECT_CANCELLED"
)

// Entry is one row of either timeline_events or chain_events.
type Entry struct {
	ID        int64
	ProjectID string
	ActorID   *string
	Type      string
	Message   string
	TxRef     *string
	ChainID   *string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// AppendParams describes a new proof entry. Empty strings are stored as NULL.
type AppendParams struct {
	ProjectID string
	ActorID   string
	Type      string
	Message   string
	TxRef     string
	ChainID   string
	Payload   map[string]any
}

// Signals is the dashboard projection of a project's security posture.
type Signals struct {
	ProjectID         string `json:"projectId"`
	EscrowDeployed    bool   `json:"escrowDeployed"`
	ProofCount        int    `json:"proofCount"`
	HasProof          bool   `json:"hasProof"`
	FilesTotal        int    `json:"filesTotal"`
	FilesHashed       int    `json:"filesHashed"`
	IntegrityCoverage int    `json:"integrityCoverage"`
	FullCoverage      bool   `json:"fullCoverage"`
	DisputeOpen       bool   `json:"disputeOpen"`
	Paused            bool   `json:"paused"`
}
