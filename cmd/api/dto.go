package main

import (
	"time"

	"github.com/shopspring/decimal"

	"fundshield/arbitrator"
	"fundshield/dispute"
	"fundshield/timeline"
	"fundshield/voting"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type caseResponse struct {
	ID                    string  `json:"id"`
	CaseNumber            string  `json:"case_number"`
	Type                  string  `json:"type"`
	Status                string  `json:"status"`
	Priority              string  `json:"priority"`
	InitiatorID           string  `json:"initiator_id"`
	RespondentID          string  `json:"respondent_id"`
	EscrowID              string  `json:"escrow_id"`
	Amount                string  `json:"amount"`
	Currency              string  `json:"currency"`
	Description           string  `json:"description"`
	CurrentTier           int     `json:"current_tier"`
	RequiredArbitrators   int     `json:"required_arbitrators"`
	VotingRound           int     `json:"voting_round"`
	Deadline              string  `json:"deadline"`
	AutoEscalationAt      *string `json:"auto_escalation_at"`
	Ruling                *string `json:"ruling"`
	Resolution            *string `json:"resolution"`
	ResolutionPath        *string `json:"resolution_path"`
	CompensationAmount    *string `json:"compensation_amount"`
	CompensationRecipient *string `json:"compensation_recipient"`
	ResolvedBy            *string `json:"resolved_by"`
	ResolvedAt            *string `json:"resolved_at"`
	SettlementStatus      string  `json:"settlement_status"`
	SettlementRef         *string `json:"settlement_ref"`
	CreatedAt             string  `json:"created_at"`
	UpdatedAt             string  `json:"updated_at"`
}

func toCaseResponse(c dispute.Case) caseResponse {
	resp := caseResponse{
		ID:                    c.ID,
		CaseNumber:            c.CaseNumber,
		Type:                  string(c.Type),
		Status:                string(c.Status),
		Priority:              string(c.Priority),
		InitiatorID:           c.InitiatorID,
		RespondentID:          c.RespondentID,
		EscrowID:              c.EscrowID,
		Amount:                c.Amount.StringFixed(2),
		Currency:              c.Currency,
		Description:           c.Description,
		CurrentTier:           c.CurrentTier,
		RequiredArbitrators:   c.RequiredArbitrators,
		VotingRound:           c.VotingRound,
		Deadline:              formatTime(c.Deadline),
		AutoEscalationAt:      formatTimePtr(c.AutoEscalationAt),
		Resolution:            c.Resolution,
		CompensationRecipient: c.CompensationRecipient,
		ResolvedBy:            c.ResolvedBy,
		ResolvedAt:            formatTimePtr(c.ResolvedAt),
		SettlementStatus:      string(c.SettlementStatus),
		SettlementRef:         c.SettlementRef,
		CreatedAt:             formatTime(c.CreatedAt),
		UpdatedAt:             formatTime(c.UpdatedAt),
	}
	if c.Ruling != nil {
		r := string(*c.Ruling)
		resp.Ruling = &r
	}
	if c.ResolutionPath != nil {
		p := string(*c.ResolutionPath)
		resp.ResolutionPath = &p
	}
	if c.CompensationAmount != nil {
		a := c.CompensationAmount.StringFixed(2)
		resp.CompensationAmount = &a
	}
	return resp
}

type listCasesResponse struct {
	Cases    []caseResponse `json:"cases"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

type createCaseRequest struct {
	Type           string          `json:"type"`
	InitiatorID    string          `json:"initiator_id"`
	RespondentID   string          `json:"respondent_id"`
	EscrowID       string          `json:"escrow_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	Specialization string          `json:"specialization"`
}

type decisionRequest struct {
	Ruling       string           `json:"ruling"`
	Reasoning    string           `json:"reasoning"`
	Compensation *decimal.Decimal `json:"compensation"`
}

type resolveRequest struct {
	Ruling       string           `json:"ruling"`
	Resolution   string           `json:"resolution"`
	Compensation *decimal.Decimal `json:"compensation"`
	// Settle defaults to true when omitted.
	Settle *bool `json:"settle"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type reviewAppealRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note"`
}

type assignmentResponse struct {
	ID           string  `json:"id"`
	CaseID       string  `json:"case_id"`
	Tier         int     `json:"tier"`
	Seat         int     `json:"seat"`
	ArbitratorID string  `json:"arbitrator_id"`
	Status       string  `json:"status"`
	AssignedAt   string  `json:"assigned_at"`
	AcceptedAt   *string `json:"accepted_at"`
	CompletedAt  *string `json:"completed_at"`
	Deadline     string  `json:"deadline"`
	Ruling       *string `json:"ruling,omitempty"`
}

func toAssignmentResponse(a dispute.Assignment) assignmentResponse {
	resp := assignmentResponse{
		ID:           a.ID,
		CaseID:       a.CaseID,
		Tier:         a.Tier,
		Seat:         a.Seat,
		ArbitratorID: a.ArbitratorID,
		Status:       string(a.Status),
		AssignedAt:   formatTime(a.AssignedAt),
		AcceptedAt:   formatTimePtr(a.AcceptedAt),
		CompletedAt:  formatTimePtr(a.CompletedAt),
		Deadline:     formatTime(a.Deadline),
	}
	if a.Decision != nil {
		r := string(a.Decision.Ruling)
		resp.Ruling = &r
	}
	return resp
}

type appealResponse struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	AppellantID string  `json:"appellant_id"`
	Reason      string  `json:"reason"`
	Status      string  `json:"status"`
	FiledAt     string  `json:"filed_at"`
	ReviewedAt  *string `json:"reviewed_at"`
	ReviewedBy  *string `json:"reviewed_by"`
	ReviewNote  *string `json:"review_note"`
}

func toAppealResponse(a dispute.Appeal) appealResponse {
	return appealResponse{
		ID:          a.ID,
		CaseID:      a.CaseID,
		AppellantID: a.AppellantID,
		Reason:      a.Reason,
		Status:      string(a.Status),
		FiledAt:     formatTime(a.FiledAt),
		ReviewedAt:  formatTimePtr(a.ReviewedAt),
		ReviewedBy:  a.ReviewedBy,
		ReviewNote:  a.ReviewNote,
	}
}

type submitVoteRequest struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning"`
	Nonce     string `json:"nonce"`
}

type revealVoteRequest struct {
	Nonce string `json:"nonce"`
}

type voteResponse struct {
	ID           string  `json:"id"`
	Round        int     `json:"round"`
	ArbitratorID string  `json:"arbitrator_id"`
	Decision     string  `json:"decision"`
	Reasoning    string  `json:"reasoning"`
	Weight       float64 `json:"weight"`
	CommitHash   string  `json:"commit_hash"`
	RevealedAt   *string `json:"revealed_at"`
}

func toVoteResponse(v voting.Vote) voteResponse {
	return voteResponse{
		ID:           v.ID,
		Round:        v.Round,
		ArbitratorID: v.ArbitratorID,
		Decision:     string(v.Decision),
		Reasoning:    v.Reasoning,
		Weight:       v.Weight,
		CommitHash:   v.CommitHash,
		RevealedAt:   formatTimePtr(v.RevealedAt),
	}
}

type revealResponse struct {
	Vote     voteResponse   `json:"vote"`
	Quorum   bool           `json:"quorum"`
	Resolved bool           `json:"resolved"`
	Status   string         `json:"status"`
	Tally    *voting.Result `json:"tally,omitempty"`
}

type timelineEntryResponse struct {
	Seq       int     `json:"seq"`
	Type      string  `json:"type"`
	ActorID   *string `json:"actor_id"`
	Payload   any     `json:"payload"`
	PrevHash  string  `json:"prev_hash"`
	Hash      string  `json:"hash"`
	CreatedAt string  `json:"created_at"`
}

type timelineResponse struct {
	Entries  []timelineEntryResponse `json:"entries"`
	Verified bool                    `json:"verified"`
	Error    string                  `json:"verification_error,omitempty"`
}

func toTimelineResponse(entries []timeline.Entry) timelineResponse {
	resp := timelineResponse{Entries: make([]timelineEntryResponse, 0, len(entries)), Verified: true}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, timelineEntryResponse{
			Seq:       e.Seq,
			Type:      e.Type,
			ActorID:   e.ActorID,
			Payload:   e.Payload,
			PrevHash:  e.PrevHash,
			Hash:      e.Hash,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	if err := timeline.Verify(entries); err != nil {
		resp.Verified = false
		resp.Error = err.Error()
	}
	return resp
}

type registerArbitratorRequest struct {
	UserID          string   `json:"user_id"`
	Tier            string   `json:"tier"`
	Specializations []string `json:"specializations"`
	MaxCaseload     int      `json:"max_caseload"`
	Status          string   `json:"status"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type arbitratorResponse struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	Status          string   `json:"status"`
	Tier            string   `json:"tier"`
	Specializations []string `json:"specializations"`
	Reputation      float64  `json:"reputation"`
	TotalCases      int      `json:"total_cases"`
	ResolvedCases   int      `json:"resolved_cases"`
	SuccessRate     float64  `json:"success_rate"`
	CurrentCaseload int      `json:"current_caseload"`
	MaxCaseload     int      `json:"max_caseload"`
	VotingWeight    float64  `json:"voting_weight"`
	CreatedAt       string   `json:"created_at"`
}

func toArbitratorResponse(a arbitrator.Arbitrator) arbitratorResponse {
	specs := a.Specializations
	if specs == nil {
		specs = []string{}
	}
	return arbitratorResponse{
		ID:              a.ID,
		UserID:          a.UserID,
		Status:          string(a.Status),
		Tier:            string(a.Tier),
		Specializations: specs,
		Reputation:      a.Reputation,
		TotalCases:      a.TotalCases,
		ResolvedCases:   a.ResolvedCases,
		SuccessRate:     a.SuccessRate(),
		CurrentCaseload: a.CurrentCaseload,
		MaxCaseload:     a.MaxCaseload,
		VotingWeight:    voting.Weight(a),
		CreatedAt:       formatTime(a.CreatedAt),
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
