package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/intake"
	"escrowflow/notify"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/stepup"
)

type escrowService interface {
	DeployEscrow(ctx context.Context, req escrow.DeployRequest) (escrow.Result, error)
	FundDeposit(ctx context.Context, req escrow.CollectRequest) (escrow.Result, error)
	SubmitDraft(ctx context.Context, req escrow.SubmitDraftRequest) (escrow.Result, error)
	ApproveAndPay(ctx context.Context, req escrow.CollectRequest) (escrow.Result, error)
	OpenDispute(ctx context.Context, req escrow.OpenDisputeRequest) (escrow.Result, error)
	Arbitrate(ctx context.Context, req escrow.ArbitrateRequest) (escrow.Result, error)
	Release(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error)
	Refund(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error)
	Pause(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error)
	Resume(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error)
	Cancel(ctx context.Context, req escrow.CancelRequest) (escrow.Result, error)
	PendingReconciliations(ctx context.Context, actor auth.Actor, limit int) ([]escrow.Marker, error)
	ResolveReconciliation(ctx context.Context, actor auth.Actor, id, note string) (escrow.Marker, error)
}

type intakeService interface {
	Submit(ctx context.Context, params intake.SubmitParams) (intake.Request, error)
	List(ctx context.Context, actor auth.Actor, filters intake.Filters) ([]intake.Request, int, error)
	Approve(ctx context.Context, params intake.ApproveParams) (project.Project, error)
	Reject(ctx context.Context, params intake.RejectParams) (intake.Request, error)
}

type projectReader interface {
	Get(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context, f project.Filters) ([]project.Project, error)
}

type draftStore interface {
	Get(ctx context.Context, id string) (draft.Draft, error)
	ListByProject(ctx context.Context, projectID string) ([]draft.Draft, error)
	AddComment(ctx context.Context, draftID, authorID, body string) (draft.Comment, error)
	Comments(ctx context.Context, draftID string) ([]draft.Comment, error)
}

type draftVerifier interface {
	VerifyDraft(ctx context.Context, draftID string) (draft.Verification, error)
}

type disputeReader interface {
	List(ctx context.Context, projectID string) ([]dispute.Record, error)
}

type proofReader interface {
	AuditTrail(ctx context.Context, projectID string, from, to time.Time) (proof.Trail, error)
	Signals(ctx context.Context, projectID string) (proof.Signals, error)
}

type stepUpIssuer interface {
	IssueAndDeliver(ctx context.Context, actorID string, purpose stepup.Purpose, deliver func(context.Context, stepup.Issued) error) (stepup.Issued, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (auth.Actor, error)
}

// codeDelivery carries a step-up code to its owner outside the HTTP response.
type codeDelivery interface {
	Push(ctx context.Context, m notify.Message) error
}

type Server struct {
	escrowService escrowService
	intakeService intakeService
	projects      projectReader
	drafts        draftStore
	verifier      draftVerifier
	disputes      disputeReader
	proofs        proofReader
	stepUp        stepUpIssuer
	tokens        tokenVerifier
	delivery      codeDelivery
	hub           *notify.Hub
	logger        *slog.Logger
	now           func() time.Time
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		if s.hub != nil {
			r.Get("/ws", s.handleWebsocket)
		}

		r.Route("/api/intake", func(r chi.Router) {
			r.Get("/", s.handleListIntake)
			r.Post("/", s.handleSubmitIntake)
			r.Post("/{requestID}/approve", s.handleApproveIntake)
			r.Post("/{requestID}/reject", s.handleRejectIntake)
		})

		r.Post("/api/stepup", s.handleIssueStepUp)

		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Post("/escrow", s.handleDeployEscrow)
				r.Post("/deposit", s.handleFundDeposit)
				r.Get("/drafts", s.handleListDrafts)
				r.Post("/drafts", s.handleSubmitDraft)
				r.Post("/approve", s.handleApproveAndPay)
				r.Get("/disputes", s.handleListDisputes)
				r.Post("/disputes", s.handleOpenDispute)
				r.Post("/release", s.authorityHandler(escrow.TransitionRelease))
				r.Post("/refund", s.authorityHandler(escrow.TransitionRefund))
				r.Post("/pause", s.authorityHandler(escrow.TransitionPause))
				r.Post("/resume", s.authorityHandler(escrow.TransitionResume))
				r.Post("/cancel", s.handleCancel)
				r.Get("/audit", s.handleAuditTrail)
				r.Get("/signals", s.handleSignals)
			})
		})

		r.Post("/api/disputes/{disputeID}/arbitrate", s.handleArbitrate)

		r.Route("/api/drafts/{draftID}", func(r chi.Router) {
			r.Get("/verify", s.handleVerifyDraft)
			r.Get("/comments", s.handleListComments)
			r.Post("/comments", s.handleAddComment)
		})

		r.Route("/api/reconciliations", func(r chi.Router) {
			r.Get("/", s.handleListReconciliations)
			r.Post("/{markerID}/resolve", s.handleResolveReconciliation)
		})
	})
	return r
}

// authenticate turns the bearer token into an actor on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok && r.URL.Path == "/ws" {
			token = r.URL.Query().Get("token")
			ok = token != ""
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := s.tokens.VerifyToken(token)
		if err != nil {
			s.logger.Debug("rejected bearer token", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

func actorFrom(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
	}
	return actor, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps an error kind onto the HTTP status callers branch on.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalid:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindPrecondition:
		return http.StatusConflict
	case fault.KindAuthorization:
		return http.StatusForbidden
	case fault.KindExternal:
		return http.StatusBadGateway
	case fault.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeFault renders err with the message the actor is allowed to see.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	actor, _ := auth.ActorFrom(r.Context())
	kind := fault.KindOf(err)
	if kind == fault.KindInternal {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, statusFor(kind), errorResponse{
		Error:     fault.Public(err, actor.IsAdmin()),
		Kind:      string(kind),
		Retryable: kind.Retryable(),
	})
}

// notFoundAs converts a repository sentinel into a NotFound fault.
func notFoundAs(err error, sentinel error, what string) error {
	if errors.Is(err, sentinel) {
		return fault.NotFound(what+" not found", err)
	}
	return err
}
