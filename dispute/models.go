package dispute

import (
	"time"

	"github.com/shopspring/decimal"

	"fundshield/apperr"
)

// MaxTier is the highest escalation tier.
const MaxTier = 3

type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusArbitration Status = "ARBITRATION"
	StatusEscalated   Status = "ESCALATED"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusVoting      Status = "VOTING"
	StatusResolved    Status = "RESOLVED"
	StatusAppealed    Status = "APPEALED"
	StatusClosed      Status = "CLOSED"
	StatusExpired     Status = "EXPIRED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusArbitration, StatusEscalated, StatusUnderReview, StatusVoting,
		StatusResolved, StatusAppealed, StatusClosed, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusExpired
}

// InProgress reports whether the case is still being adjudicated: it can be
// escalated, resolved or expire.
func (s Status) InProgress() bool {
	switch s {
	case StatusOpen, StatusArbitration, StatusEscalated, StatusUnderReview, StatusVoting:
		return true
	default:
		return false
	}
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", apperr.Validationf("dispute: unknown status %q", v)
	}
	return s, nil
}

type Type string

const (
	TypePaymentNotReceived Type = "PAYMENT_NOT_RECEIVED"
	TypeItemNotAsDescribed Type = "ITEM_NOT_AS_DESCRIBED"
	TypeServiceNotRendered Type = "SERVICE_NOT_RENDERED"
	TypeFraudClaim         Type = "FRAUD_CLAIM"
	TypeContractBreach     Type = "CONTRACT_BREACH"
	TypeOther              Type = "OTHER"
)

func (t Type) Valid() bool {
	switch t {
	case TypePaymentNotReceived, TypeItemNotAsDescribed, TypeServiceNotRendered,
		TypeFraudClaim, TypeContractBreach, TypeOther:
		return true
	default:
		return false
	}
}

func ParseType(v string) (Type, error) {
	t := Type(v)
	if !t.Valid() {
		return "", apperr.Validationf("dispute: unknown type %q", v)
	}
	return t, nil
}

type Priority string

const (
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Ruling is an adjudication outcome, used by decisions and votes.
type Ruling string

const (
	RulingFavorClaimant       Ruling = "FAVOR_CLAIMANT"
	RulingFavorRespondent     Ruling = "FAVOR_RESPONDENT"
	RulingSplit               Ruling = "SPLIT"
	RulingRequireMoreEvidence Ruling = "REQUIRE_MORE_EVIDENCE"
)

func (r Ruling) Valid() bool {
	switch r {
	case RulingFavorClaimant, RulingFavorRespondent, RulingSplit, RulingRequireMoreEvidence:
		return true
	default:
		return false
	}
}

// Final reports whether the ruling can close a case.
func (r Ruling) Final() bool {
	return r.Valid() && r != RulingRequireMoreEvidence
}

func ParseRuling(v string) (Ruling, error) {
	r := Ruling(v)
	if !r.Valid() {
		return "", apperr.Validationf("dispute: unknown ruling %q", v)
	}
	return r, nil
}

type ResolutionPath string

const (
	PathDirectDecision ResolutionPath = "DIRECT_DECISION"
	PathVoteTally      ResolutionPath = "VOTE_TALLY"
	PathManual         ResolutionPath = "MANUAL"
	PathExpiryDefault  ResolutionPath = "EXPIRY_DEFAULT"
)

type SettlementStatus string

const (
	SettlementNone         SettlementStatus = "NONE"
	SettlementSettled      SettlementStatus = "SETTLED"
	SettlementPendingRetry SettlementStatus = "PENDING_RETRY"
)

// Case is one dispute.
type Case struct {
	ID                    string
	CaseNumber            string
	Type                  Type
	Status                Status
	Priority              Priority
	InitiatorID           string
	RespondentID          string
	EscrowID              string
	Amount                decimal.Decimal
	Currency              string
	Description           string
	Specialization        string
	CurrentTier           int
	RequiredArbitrators   int
	VotingRound           int
	Deadline              time.Time
	AutoEscalationAt      *time.Time
	Resolution            *string
	Ruling                *Ruling
	ResolutionPath        *ResolutionPath
	CompensationAmount    *decimal.Decimal
	CompensationRecipient *string
	ResolvedBy            *string
	ResolvedAt            *time.Time
	// ResolutionCount numbers the resolutions of the case; an approved
	// appeal followed by a new ruling makes it 2.
	ResolutionCount       int
	SettlementStatus      SettlementStatus
	SettlementRef         *string
	LastSweptAt           *time.Time
	Version               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsParty reports whether userID is the initiator or respondent.
func (c Case) IsParty(userID string) bool {
	return userID != "" && (userID == c.InitiatorID || userID == c.RespondentID)
}

type AssignmentStatus string

const (
	AssignmentAssigned  AssignmentStatus = "ASSIGNED"
	AssignmentAccepted  AssignmentStatus = "ACCEPTED"
	AssignmentDeclined  AssignmentStatus = "DECLINED"
	AssignmentCompleted AssignmentStatus = "COMPLETED"
	AssignmentExpired   AssignmentStatus = "EXPIRED"
)

// Live assignments hold a seat and a caseload slot.
func (s AssignmentStatus) Live() bool {
	return s == AssignmentAssigned || s == AssignmentAccepted
}

// Decision is a single arbitrator's ruling on an assignment.
type Decision struct {
	Ruling       Ruling
	Reasoning    string
	Compensation *decimal.Decimal
}

// Assignment binds one arbitrator to one panel seat of a case tier.
type Assignment struct {
	ID              string
	CaseID          string
	Tier            int
	Seat            int
	ArbitratorID    string
	Status          AssignmentStatus
	AssignedAt      time.Time
	AcceptedAt      *time.Time
	CompletedAt     *time.Time
	Deadline        time.Time
	Decision        *Decision
	FeedbackApplied bool
}

type AppealStatus string

const (
	AppealPending  AppealStatus = "PENDING"
	AppealApproved AppealStatus = "APPROVED"
	AppealRejected AppealStatus = "REJECTED"
)

type Appeal struct {
	ID          string
	CaseID      string
	AppellantID string
	Reason      string
	Status      AppealStatus
	FiledAt     time.Time
	ReviewedAt  *time.Time
	ReviewedBy  *string
	ReviewNote  *string
}

// Filters narrows ListCases.
type Filters struct {
	Status       Status
	Type         Type
	Priority     Priority
	Tier         int
	PartyID      string
	ArbitratorID string
	Page         int
	PageSize     int
}

// CreateCaseInput is the payload of CreateCase.
type CreateCaseInput struct {
	Type           Type
	InitiatorID    string
	RespondentID   string
	EscrowID       string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Specialization string
	IdempotencyKey string
}

// ResolveInput is a resolution issued outside the decision and vote paths.
type ResolveInput struct {
	Ruling       Ruling
	Resolution   string
	Compensation *decimal.Decimal
	ResolvedBy   string
	// Settle hands the resolution to the executor once it commits.
	Settle       bool
}

// SettlementRequest is handed to the resolution executor after a case
// resolves or expires.
type SettlementRequest struct {
	// Key identifies one resolution of the case. It doubles as the
	// executor's idempotency key.
	Key          string          `json:"key"`
	CaseID       string          `json:"case_id"`
	CaseNumber   string          `json:"case_number"`
	EscrowID     string          `json:"escrow_id"`
	Ruling       Ruling          `json:"ruling"`
	Path         ResolutionPath  `json:"path"`
	Amount       decimal.Decimal `json:"amount"`
	Compensation decimal.Decimal `json:"compensation"`
	Recipient    string          `json:"recipient"`
	Currency     string          `json:"currency"`
}
