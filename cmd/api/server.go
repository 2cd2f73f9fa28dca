package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fundshield/apperr"
	"fundshield/arbitrator"
	"fundshield/auth"
	"fundshield/dispute"
	"fundshield/timeline"
	"fundshield/voting"
)

type CaseService interface {
	CreateCase(ctx context.Context, in dispute.CreateCaseInput) (dispute.Case, error)
	GetCase(ctx context.Context, id string) (dispute.Case, error)
	ListCases(ctx context.Context, filters dispute.Filters) ([]dispute.Case, int, error)
	ListAssignments(ctx context.Context, caseID string) ([]dispute.Assignment, error)
	ListAppeals(ctx context.Context, caseID string) ([]dispute.Appeal, error)
	AcceptAssignment(ctx context.Context, assignmentID, arbitratorID string) (dispute.Assignment, error)
	DeclineAssignment(ctx context.Context, assignmentID, arbitratorID, reason string) (dispute.Assignment, error)
	SubmitDecision(ctx context.Context, assignmentID, arbitratorID string, d dispute.Decision) (dispute.Case, error)
	OpenVoting(ctx context.Context, caseID, actor string) (dispute.Case, error)
	Escalate(ctx context.Context, caseID, reason, actor string) (dispute.Case, error)
	Resolve(ctx context.Context, caseID string, in dispute.ResolveInput) (dispute.Case, error)
	FileAppeal(ctx context.Context, caseID, appellantID, reason string) (dispute.Appeal, error)
	ReviewAppeal(ctx context.Context, appealID string, approve bool, reviewer, note string) (dispute.Appeal, dispute.Case, error)
}

type VotingService interface {
	SubmitVote(ctx context.Context, in voting.SubmitInput) (voting.Receipt, error)
	RevealVote(ctx context.Context, caseID, arbitratorID, nonce string) (voting.RevealOutcome, error)
	GetTally(ctx context.Context, caseID string) (voting.Result, error)
	ListVotes(ctx context.Context, caseID string) ([]voting.Vote, error)
}

type ArbitratorService interface {
	Register(ctx context.Context, in arbitrator.RegisterInput) (arbitrator.Arbitrator, error)
	Get(ctx context.Context, id string) (arbitrator.Arbitrator, error)
	List(ctx context.Context, filters arbitrator.Filters) ([]arbitrator.Arbitrator, int, error)
	SetStatus(ctx context.Context, id string, status arbitrator.Status) (arbitrator.Arbitrator, error)
}

type TimelineReader interface {
	List(ctx context.Context, caseID string) ([]timeline.Entry, error)
}

type TokenService interface {
	Exchange(ctx context.Context, req auth.TokenRequest) (auth.TokenResult, error)
	VerifyToken(token string) (auth.Principal, error)
}

type SweepRunner interface {
	Sweep(ctx context.Context) (dispute.SweepReport, error)
}

// Server is the HTTP surface of the engine.
type Server struct {
	cases       CaseService
	votes       VotingService
	arbitrators ArbitratorService
	timeline    TimelineReader
	tokens      TokenService
	sweeper     SweepRunner
	logger      *slog.Logger
}

type principalKey struct{}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey{}).(auth.Principal)
	return p
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/api/auth/token", s.handleToken)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/cases", func(cr chi.Router) {
			cr.With(requireRole(auth.RoleParty, auth.RoleAdmin)).Post("/", s.handleCreateCase)
			cr.Get("/", s.handleListCases)
			cr.Route("/{caseID}", func(c chi.Router) {
				c.Get("/", s.handleGetCase)
				c.Get("/timeline", s.handleTimeline)
				c.Get("/assignments", s.handleListAssignments)
				c.Get("/appeals", s.handleListAppeals)
				c.Get("/votes", s.handleListVotes)
				c.Get("/tally", s.handleTally)
				c.With(requireRole(auth.RoleParty)).Post("/appeals", s.handleFileAppeal)
				c.With(requireRole(auth.RoleArbitrator)).Post("/votes", s.handleSubmitVote)
				c.With(requireRole(auth.RoleArbitrator)).Post("/votes/reveal", s.handleRevealVote)
				c.With(requireRole(auth.RoleAdmin)).Post("/voting", s.handleOpenVoting)
				c.With(requireRole(auth.RoleAdmin)).Post("/escalate", s.handleEscalate)
				c.With(requireRole(auth.RoleAdmin)).Post("/resolve", s.handleResolve)
			})
		})

		api.Route("/assignments/{assignmentID}", func(ar chi.Router) {
			ar.Use(requireRole(auth.RoleArbitrator))
			ar.Post("/accept", s.handleAcceptAssignment)
			ar.Post("/decline", s.handleDeclineAssignment)
			ar.Post("/decision", s.handleSubmitDecision)
		})

		api.With(requireRole(auth.RoleAdmin)).Post("/appeals/{appealID}/review", s.handleReviewAppeal)

		api.Route("/arbitrators", func(ar chi.Router) {
			ar.With(requireRole(auth.RoleAdmin)).Post("/", s.handleRegisterArbitrator)
			ar.With(requireRole(auth.RoleAdmin)).Get("/", s.handleListArbitrators)
			ar.Get("/{arbitratorID}", s.handleGetArbitrator)
			ar.With(requireRole(auth.RoleAdmin)).Put("/{arbitratorID}/status", s.handleSetArbitratorStatus)
		})

		api.With(requireRole(auth.RoleAdmin)).Post("/admin/sweep", s.handleSweep)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log().InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		p, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeUnauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func requireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "role not allowed", Kind: apperr.Forbidden.String()})
		})
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.tokens.Exchange(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeUnauthorized(w, "invalid client credentials")
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil && report == nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Kind: apperr.Validation.String()})
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body for endpoints whose fields are all optional.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Kind: apperr.Validation.String()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="fundshield"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg, Kind: "unauthorized"})
}

// writeError maps a classified error to its status. Internal errors are
// logged and hidden from the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log().ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind.String()})
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return page, size
}
