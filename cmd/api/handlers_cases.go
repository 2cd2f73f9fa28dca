package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"fundshield/apperr"
	"fundshield/auth"
	"fundshield/dispute"
)

// loadCase reads the case in the URL and checks the caller may see it:
// parties their own cases, arbitrators cases they ever sat on.
func (s *Server) loadCase(w http.ResponseWriter, r *http.Request) (dispute.Case, bool) {
	c, err := s.cases.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		s.writeError(w, r, err)
		return dispute.Case{}, false
	}
	p := principalFrom(r.Context())
	switch p.Role {
	case auth.RoleAdmin:
		return c, true
	case auth.RoleParty:
		if c.IsParty(p.Subject) {
			return c, true
		}
		s.writeError(w, r, dispute.ErrNotParty)
		return dispute.Case{}, false
	case auth.RoleArbitrator:
		assignments, err := s.cases.ListAssignments(r.Context(), c.ID)
		if err != nil {
			s.writeError(w, r, err)
			return dispute.Case{}, false
		}
		for _, a := range assignments {
			if a.ArbitratorID == p.Subject {
				return c, true
			}
		}
		s.writeError(w, r, dispute.ErrNotAssignee)
		return dispute.Case{}, false
	}
	writeUnauthorized(w, "unknown role")
	return dispute.Case{}, false
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	typ, err := dispute.ParseType(req.Type)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	initiator := req.InitiatorID
	if p.Role == auth.RoleParty {
		if initiator != "" && initiator != p.Subject {
			s.writeError(w, r, apperr.New(apperr.Forbidden, "cases: parties open cases in their own name"))
			return
		}
		initiator = p.Subject
	}

	c, err := s.cases.CreateCase(r.Context(), dispute.CreateCaseInput{
		Type:           typ,
		InitiatorID:    initiator,
		RespondentID:   req.RespondentID,
		EscrowID:       req.EscrowID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		Specialization: req.Specialization,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseResponse(c))
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := pageParams(r)
	f := dispute.Filters{Page: page, PageSize: size}

	if v := q.Get("status"); v != "" {
		st, err := dispute.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = st
	}
	if v := q.Get("type"); v != "" {
		typ, err := dispute.ParseType(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Type = typ
	}
	if v := q.Get("priority"); v != "" {
		f.Priority = dispute.Priority(strings.ToUpper(v))
		if !f.Priority.Valid() {
			s.writeError(w, r, apperr.Validationf("cases: unknown priority"))
			return
		}
	}
	if v := q.Get("tier"); v != "" {
		tier, err := strconv.Atoi(v)
		if err != nil || tier < 1 || tier > dispute.MaxTier {
			s.writeError(w, r, apperr.Validationf("cases: tier must be 1-3"))
			return
		}
		f.Tier = tier
	}

	p := principalFrom(r.Context())
	switch p.Role {
	case auth.RoleParty:
		f.PartyID = p.Subject
	case auth.RoleArbitrator:
		f.ArbitratorID = p.Subject
	default:
		f.PartyID = q.Get("party_id")
		f.ArbitratorID = q.Get("arbitrator_id")
	}

	cases, total, err := s.cases.ListCases(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listCasesResponse{Cases: make([]caseResponse, 0, len(cases)), Total: total, Page: page, PageSize: size}
	for _, c := range cases {
		resp.Cases = append(resp.Cases, toCaseResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	entries, err := s.timeline.List(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineResponse(entries))
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	assignments, err := s.cases.ListAssignments(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]assignmentResponse, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, toAssignmentResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAppeals(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	appeals, err := s.cases.ListAppeals(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]appealResponse, 0, len(appeals))
	for _, a := range appeals {
		out = append(out, toAppealResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFileAppeal(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	appeal, err := s.cases.FileAppeal(r.Context(), chi.URLParam(r, "caseID"), p.Subject, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppealResponse(appeal))
}

func (s *Server) handleReviewAppeal(w http.ResponseWriter, r *http.Request) {
	var req reviewAppealRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	appeal, c, err := s.cases.ReviewAppeal(r.Context(), chi.URLParam(r, "appealID"), req.Approve, p.Subject, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appeal": toAppealResponse(appeal),
		"case":   toCaseResponse(c),
	})
}

func (s *Server) handleOpenVoting(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	c, err := s.cases.OpenVoting(r.Context(), chi.URLParam(r, "caseID"), p.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}
	p := principalFrom(r.Context())
	c, err := s.cases.Escalate(r.Context(), chi.URLParam(r, "caseID"), reason, p.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ruling, err := dispute.ParseRuling(req.Ruling)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	settle := req.Settle == nil || *req.Settle
	p := principalFrom(r.Context())
	c, err := s.cases.Resolve(r.Context(), chi.URLParam(r, "caseID"), dispute.ResolveInput{
		Ruling:       ruling,
		Resolution:   req.Resolution,
		Compensation: req.Compensation,
		ResolvedBy:   p.Subject,
		Settle:       settle,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}

func (s *Server) handleAcceptAssignment(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	a, err := s.cases.AcceptAssignment(r.Context(), chi.URLParam(r, "assignmentID"), p.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func (s *Server) handleDeclineAssignment(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	a, err := s.cases.DeclineAssignment(r.Context(), chi.URLParam(r, "assignmentID"), p.Subject, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}

func (s *Server) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ruling, err := dispute.ParseRuling(req.Ruling)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	c, err := s.cases.SubmitDecision(r.Context(), chi.URLParam(r, "assignmentID"), p.Subject, dispute.Decision{
		Ruling:       ruling,
		Reasoning:    req.Reasoning,
		Compensation: req.Compensation,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(c))
}
