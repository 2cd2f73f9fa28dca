package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/auth"
	"fundshield/dispute"
	"fundshield/voting"
)

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req submitVoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	decision, err := dispute.ParseRuling(req.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	receipt, err := s.votes.SubmitVote(r.Context(), voting.SubmitInput{
		CaseID:       chi.URLParam(r, "caseID"),
		ArbitratorID: p.Subject,
		Decision:     decision,
		Reasoning:    req.Reasoning,
		Nonce:        req.Nonce,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleRevealVote(w http.ResponseWriter, r *http.Request) {
	var req revealVoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := principalFrom(r.Context())
	out, err := s.votes.RevealVote(r.Context(), chi.URLParam(r, "caseID"), p.Subject, req.Nonce)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revealResponse{
		Vote:     toVoteResponse(out.Vote),
		Quorum:   out.Quorum,
		Resolved: out.Resolved,
		Status:   string(out.Status),
		Tally:    out.Tally,
	})
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	votes, err := s.votes.ListVotes(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]voteResponse, 0, len(votes))
	for _, v := range votes {
		out = append(out, toVoteResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCase(w, r)
	if !ok {
		return
	}
	res, err := s.votes.GetTally(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterArbitrator(w http.ResponseWriter, r *http.Request) {
	var req registerArbitratorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tier, err := arbitrator.ParseTier(req.Tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var status arbitrator.Status
	if req.Status != "" {
		if status, err = arbitrator.ParseStatus(req.Status); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	a, err := s.arbitrators.Register(r.Context(), arbitrator.RegisterInput{
		UserID:          req.UserID,
		Tier:            tier,
		Specializations: req.Specializations,
		MaxCaseload:     req.MaxCaseload,
		Status:          status,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toArbitratorResponse(a))
}

func (s *Server) handleListArbitrators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, size := pageParams(r)
	f := arbitrator.Filters{Page: page, PageSize: size}
	if v := q.Get("status"); v != "" {
		st, err := arbitrator.ParseStatus(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = st
	}
	if v := q.Get("tier"); v != "" {
		tier, err := arbitrator.ParseTier(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Tier = tier
	}
	list, total, err := s.arbitrators.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]arbitratorResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toArbitratorResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"arbitrators": out, "total": total, "page": page, "page_size": size})
}

// handleGetArbitrator lets admins read any profile and arbitrators their own.
func (s *Server) handleGetArbitrator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "arbitratorID")
	p := principalFrom(r.Context())
	if p.Role != auth.RoleAdmin && p.Subject != id {
		s.writeError(w, r, apperr.New(apperr.Forbidden, "arbitrators: profile belongs to someone else"))
		return
	}
	a, err := s.arbitrators.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(a))
}

func (s *Server) handleSetArbitratorStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status, err := arbitrator.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.arbitrators.SetStatus(r.Context(), chi.URLParam(r, "arbitratorID"), status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArbitratorResponse(a))
}
