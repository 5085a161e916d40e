package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/draft"
	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/intake"
	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/project"
	"escrowflow/proof"
	"escrowflow/stepup"
)

type projectResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	ClientID    string  `json:"clientId"`
	DesignerID  string  `json:"designerId"`
	Quoted      string  `json:"quoted"`
	Deposit     string  `json:"deposit"`
	Balance     string  `json:"balance"`
	Status      string  `json:"status"`
	EscrowRef   *string `json:"escrowRef,omitempty"`
	ChainID     *string `json:"chainId,omitempty"`
	Paused      bool    `json:"paused"`
	ReviewDueAt string  `json:"reviewDueAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

func toProjectResponse(p project.Project) projectResponse {
	resp := projectResponse{
		ID:         p.ID,
		Title:      p.Title,
		ClientID:   p.ClientID,
		DesignerID: p.DesignerID,
		Quoted:     p.Quoted.StringFixed(2),
		Deposit:    p.Deposit.StringFixed(2),
		Balance:    p.Balance.StringFixed(2),
		Status:     string(p.Status),
		EscrowRef:  p.EscrowRef,
		ChainID:    p.ChainID,
		Paused:     p.Paused,
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  p.UpdatedAt.Format(time.RFC3339),
	}
	if p.ReviewDueAt != nil {
		resp.ReviewDueAt = p.ReviewDueAt.Format(time.RFC3339)
	}
	return resp
}

type paymentResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Amount      string  `json:"amount"`
	ExternalRef *string `json:"externalRef,omitempty"`
	Method      string  `json:"method,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Instrument  string  `json:"instrument,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toPaymentResponse(r payment.Record) paymentResponse {
	return paymentResponse{
		ID:          r.ID,
		Type:        string(r.Type),
		Status:      r.Status,
		Amount:      r.Amount.StringFixed(2),
		ExternalRef: r.ExternalRef,
		Method:      r.Gateway.Method,
		Provider:    r.Gateway.Provider,
		Instrument:  r.Gateway.MaskedInstrument,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
}

type disputeFileResponse struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	SHA256   string `json:"sha256"`
}

type disputeResponse struct {
	ID             string                `json:"id"`
	ProjectID      string                `json:"projectId"`
	OpenerID       string                `json:"openerId"`
	Description    string                `json:"description"`
	Status         string                `json:"status"`
	Decision       string                `json:"decision,omitempty"`
	ClientPercent  *int                  `json:"clientPercent,omitempty"`
	CompanyPercent *int                  `json:"companyPercent,omitempty"`
	Files          []disputeFileResponse `json:"files"`
	CreatedAt      string                `json:"createdAt"`
	ArbitratedAt   string                `json:"arbitratedAt,omitempty"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:             d.ID,
		ProjectID:      d.ProjectID,
		OpenerID:       d.OpenerID,
		Description:    d.Description,
		Status:         string(d.Status),
		ClientPercent:  d.ClientPercent,
		CompanyPercent: d.CompanyPercent,
		Files:          make([]disputeFileResponse, 0, len(d.Files)),
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
	}
	if d.Decision != nil {
		resp.Decision = string(*d.Decision)
	}
	if d.ArbitratedAt != nil {
		resp.ArbitratedAt = d.ArbitratedAt.Format(time.RFC3339)
	}
	for _, f := range d.Files {
		resp.Files = append(resp.Files, disputeFileResponse{FileName: f.FileName, FileURL: f.FileURL, SHA256: f.SHA256})
	}
	return resp
}

type draftResponse struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	Version    int    `json:"version"`
	UploaderID string `json:"uploaderId"`
	FileName   string `json:"fileName"`
	FileURL    string `json:"fileUrl"`
	SHA256     string `json:"sha256"`
	CreatedAt  string `json:"createdAt"`
}

func toDraftResponse(d draft.Draft) draftResponse {
	return draftResponse{
		ID:         d.ID,
		ProjectID:  d.ProjectID,
		Version:    d.Version,
		UploaderID: d.UploaderID,
		FileName:   d.FileName,
		FileURL:    d.FileURL,
		SHA256:     d.SHA256,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
}

type commentResponse struct {
	ID        string `json:"id"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

type transitionResponse struct {
	Project      projectResponse  `json:"project"`
	Payment      *paymentResponse `json:"payment,omitempty"`
	Dispute      *disputeResponse `json:"dispute,omitempty"`
	Draft        *draftResponse   `json:"draft,omitempty"`
	ExternalTxID string           `json:"externalTxId,omitempty"`
	Replayed     bool             `json:"replayed,omitempty"`
}

func toTransitionResponse(res escrow.Result) transitionResponse {
	resp := transitionResponse{
		Project:      toProjectResponse(res.Project),
		ExternalTxID: res.ExternalTxID,
		Replayed:     res.Replayed,
	}
	if res.Payment != nil {
		p := toPaymentResponse(*res.Payment)
		resp.Payment = &p
	}
	if res.Dispute != nil {
		d := toDisputeResponse(*res.Dispute)
		resp.Dispute = &d
	}
	if res.Draft != nil {
		d := toDraftResponse(*res.Draft)
		resp.Draft = &d
	}
	return resp
}

type intakeResponse struct {
	ID           string  `json:"id"`
	ClientID     string  `json:"clientId"`
	Title        string  `json:"title"`
	Brief        string  `json:"brief"`
	Status       string  `json:"status"`
	RejectReason *string `json:"rejectReason,omitempty"`
	ProjectID    *string `json:"projectId,omitempty"`
	CreatedAt    string  `json:"createdAt"`
}

func toIntakeResponse(r intake.Request) intakeResponse {
	return intakeResponse{
		ID:           r.ID,
		ClientID:     r.ClientID,
		Title:        r.Title,
		Brief:        r.Brief,
		Status:       string(r.Status),
		RejectReason: r.RejectReason,
		ProjectID:    r.ProjectID,
		CreatedAt:    r.CreatedAt.Format(time.RFC3339),
	}
}

type entryResponse struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	ActorID   *string `json:"actorId,omitempty"`
	TxRef     *string `json:"txRef,omitempty"`
	ChainID   *string `json:"chainId,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

func toEntries(in []proof.Entry) []entryResponse {
	out := make([]entryResponse, 0, len(in))
	for _, e := range in {
		out = append(out, entryResponse{
			Type:      e.Type,
			Message:   e.Message,
			ActorID:   e.ActorID,
			TxRef:     e.TxRef,
			ChainID:   e.ChainID,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

func canView(a auth.Actor, p project.Project) bool {
	switch a.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleClient:
		return a.ID == p.ClientID
	case auth.RoleDesigner:
		return a.ID == p.DesignerID
	default:
		return false
	}
}

// visibleProject loads a project the actor is a party to. Others get NotFound.
func (s *Server) visibleProject(ctx context.Context, actor auth.Actor, id string) (project.Project, error) {
	p, err := s.projects.Get(ctx, id)
	if err != nil {
		return project.Project{}, notFoundAs(err, project.ErrNotFound, "project")
	}
	if !canView(actor, p) {
		return project.Project{}, fault.NotFound("project not found", nil)
	}
	return p, nil
}

func (s *Server) transitionRequest(r *http.Request, actor auth.Actor) escrow.Request {
	return escrow.Request{
		Actor:          actor,
		ProjectID:      chi.URLParam(r, "projectID"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
}

func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, res escrow.Result, err error) {
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleSubmitIntake(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Title string `json:"title"`
		Brief string `json:"brief"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := s.intakeService.Submit(r.Context(), intake.SubmitParams{Actor: actor, Title: body.Title, Brief: body.Brief})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIntakeResponse(req))
}

func (s *Server) handleListIntake(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filters := intake.Filters{Status: intake.Status(q.Get("status")), PageSize: queryLimit(r, 20)}
	if p, err := strconv.Atoi(q.Get("page")); err == nil {
		filters.Page = p
	}
	items, total, err := s.intakeService.List(r.Context(), actor, filters)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	out := make([]intakeResponse, 0, len(items))
	for _, it := range items {
		out = append(out, toIntakeResponse(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": total})
}

func (s *Server) handleApproveIntake(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Quoted     string `json:"quoted"`
		DesignerID string `json:"designerId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	p, err := s.intakeService.Approve(r.Context(), intake.ApproveParams{
		Actor:      actor,
		RequestID:  chi.URLParam(r, "requestID"),
		Quoted:     body.Quoted,
		DesignerID: body.DesignerID,
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectResponse(p))
}

func (s *Server) handleRejectIntake(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	req, err := s.intakeService.Reject(r.Context(), intake.RejectParams{
		Actor:     actor,
		RequestID: chi.URLParam(r, "requestID"),
		Reason:    body.Reason,
	})
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntakeResponse(req))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	f := project.Filters{Status: project.Status(r.URL.Query().Get("status")), Limit: queryLimit(r, 50)}
	switch actor.Role {
	case auth.RoleClient:
		f.ClientID = actor.ID
	case auth.RoleDesigner:
		f.DesignerID = actor.ID
	}
	items, err := s.projects.List(r.Context(), f)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	out := make([]projectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	p, err := s.visibleProject(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(p))
}

func (s *Server) handleDeployEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		ClientAddress   string `json:"clientAddress"`
		OperatorAddress string `json:"operatorAddress"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.escrowService.DeployEscrow(r.Context(), escrow.DeployRequest{
		Request:         s.transitionRequest(r, actor),
		ClientAddress:   body.ClientAddress,
		OperatorAddress: body.OperatorAddress,
	})
	s.writeTransition(w, r, res, err)
}

type collectBody struct {
	Method string `json:"method"`
}

func (s *Server) handleFundDeposit(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body collectBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.escrowService.FundDeposit(r.Context(), escrow.CollectRequest{Request: s.transitionRequest(r, actor), Method: body.Method})
	s.writeTransition(w, r, res, err)
}

func (s *Server) handleApproveAndPay(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body collectBody
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.escrowService.ApproveAndPay(r.Context(), escrow.CollectRequest{Request: s.transitionRequest(r, actor), Method: body.Method})
	s.writeTransition(w, r, res, err)
}

func (s *Server) handleSubmitDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		FileName string `json:"fileName"`
		FileURL  string `json:"fileUrl"`
		SHA256   string `json:"sha256"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.escrowService.SubmitDraft(r.Context(), escrow.SubmitDraftRequest{
		Request:  s.transitionRequest(r, actor),
		FileName: body.FileName,
		FileURL:  body.FileURL,
		SHA256:   body.SHA256,
	})
	s.writeTransition(w, r, res, err)
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	p, err := s.visibleProject(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	items, err := s.drafts.ListByProject(r.Context(), p.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	out := make([]draftResponse, 0, len(items))
	for _, d := range items {
		out = append(out, toDraftResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Description string                `json:"description"`
		Files       []disputeFileResponse `json:"files"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	files := make([]dispute.FileRef, 0, len(body.Files))
	for _, f := range body.Files {
		files = append(files, dispute.FileRef{FileName: f.FileName, FileURL: f.FileURL, SHA256: f.SHA256})
	}
	res, err := s.escrowService.OpenDispute(r.Context(), escrow.OpenDisputeRequest{
		Request:     s.transitionRequest(r, actor),
		Description: body.Description,
		Files:       files,
	})
	s.writeTransition(w, r, res, err)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	p, err := s.visibleProject(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	items, err := s.disputes.List(r.Context(), p.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	out := make([]disputeResponse, 0, len(items))
	for _, d := range items {
		out = append(out, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleArbitrate(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Decision       string `json:"decision"`
		ClientPercent  *int   `json:"clientPercent"`
		CompanyPercent *int   `json:"companyPercent"`
		StepUpCode     string `json:"stepUpCode"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.escrowService.Arbitrate(r.Context(), escrow.ArbitrateRequest{
		Request: escrow.Request{
			Actor:          actor,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		},
		DisputeID:      chi.URLParam(r, "disputeID"),
		Decision:       dispute.Decision(body.Decision),
		ClientPercent:  body.ClientPercent,
		CompanyPercent: body.CompanyPercent,
		StepUpCode:     body.StepUpCode,
	})
	s.writeTransition(w, r, res, err)
}

// authorityHandler serves the step-up gated admin transitions.
func (s *Server) authorityHandler(transition string) http.HandlerFunc {
	var call func(context.Context, escrow.AuthorityRequest) (escrow.Result, error)
	switch transition {
	case escrow.TransitionRelease:
		call = func(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error) {
			return s.escrowService.Release(ctx, req)
		}
	case escrow.TransitionRefund:
		call = func(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error) {
			return s.escrowService.Refund(ctx, req)
		}
	case escrow.TransitionPause:
		call = func(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error) {
			return s.escrowService.Pause(ctx, req)
		}
	case escrow.TransitionResume:
		call = func(ctx context.Context, req escrow.AuthorityRequest) (escrow.Result, error) {
			return s.escrowService.Resume(ctx, req)
		}
	default:
		panic(fmt.Sprintf("api: no authority handler for %q", transition))
	}
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body struct {
			StepUpCode string `json:"stepUpCode"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		res, err := call(r.Context(), escrow.AuthorityRequest{Request: s.transitionRequest(r, actor), StepUpCode: body.StepUpCode})
		s.writeTransition(w, r, res, err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := s.escrowService.Cancel(r.Context(), escrow.CancelRequest{Request: s.transitionRequest(r, actor), Reason: body.Reason})
	s.writeTransition(w, r, res, err)
}

func (s *Server) handleIssueStepUp(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		writeError(w, http.StatusForbidden, "step-up codes are issued to admins only")
		return
	}
	var body struct {
		Purpose string `json:"purpose"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	push := func(ctx context.Context, issued stepup.Issued) error {
		return s.delivery.Push(ctx, notify.Message{
			Event:     "STEPUP_CODE",
			UserIDs:   []string{actor.ID},
			Title:     "Verification code",
			Body:      fmt.Sprintf("Your code for %s is %s. It expires at %s.", issued.Purpose, issued.Code, issued.ExpiresAt.Format(time.RFC3339)),
			CreatedAt: s.now().UTC(),
		})
	}
	issued, err := s.stepUp.IssueAndDeliver(r.Context(), actor.ID, stepup.Purpose(body.Purpose), push)
	switch {
	case err == nil:
	case errors.Is(err, stepup.ErrInvalidPurpose):
		writeError(w, http.StatusBadRequest, "unknown step-up purpose")
		return
	case errors.Is(err, stepup.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "too many codes requested, try again shortly")
		return
	case errors.Is(err, stepup.ErrUndelivered):
		s.logger.Warn("step-up code delivery failed", "actor_id", actor.ID, "purpose", body.Purpose, "error", err)
		writeError(w, http.StatusServiceUnavailable, "verification code could not be delivered")
		return
	default:
		s.writeFault(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"purpose":   string(issued.Purpose),
		"expiresAt": issued.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := s.visibleProject(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	trail, err := s.proofs.AuditTrail(r.Context(), p.ID, from, to)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	payments := make([]paymentResponse, 0, len(trail.Payments))
	for _, rec := range trail.Payments {
		payments = append(payments, toPaymentResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timeline": toEntries(trail.Timeline),
		"chain":    toEntries(trail.Chain),
		"payments": payments,
		"txRefs":   trail.TxRefs,
	})
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("from must be RFC3339")
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("to must be RFC3339")
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	p, err := s.visibleProject(r.Context(), actor, chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	sig, err := s.proofs.Signals(r.Context(), p.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// draftFor loads a draft whose project the actor may see.
func (s *Server) draftFor(ctx context.Context, actor auth.Actor, id string) (draft.Draft, error) {
	d, err := s.drafts.Get(ctx, id)
	if err != nil {
		return draft.Draft{}, notFoundAs(err, draft.ErrNotFound, "draft")
	}
	if _, err := s.visibleProject(ctx, actor, d.ProjectID); err != nil {
		return draft.Draft{}, fault.NotFound("draft not found", nil)
	}
	return d, nil
}

func (s *Server) handleVerifyDraft(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	d, err := s.draftFor(r.Context(), actor, chi.URLParam(r, "draftID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	res, err := s.verifier.VerifyDraft(r.Context(), d.ID)
	if err != nil {
		s.logger.Warn("draft verification could not read blob", "draft_id", d.ID, "error", err)
		writeError(w, http.StatusBadGateway, "draft file could not be read")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	d, err := s.draftFor(r.Context(), actor, chi.URLParam(r, "draftID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	items, err := s.drafts.Comments(r.Context(), d.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	out := make([]commentResponse, 0, len(items))
	for _, c := range items {
		out = append(out, commentResponse{ID: c.ID, AuthorID: c.AuthorID, Body: c.Body, CreatedAt: c.CreatedAt.Format(time.RFC3339)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	d, err := s.draftFor(r.Context(), actor, chi.URLParam(r, "draftID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	c, err := s.drafts.AddComment(r.Context(), d.ID, actor.ID, body.Body)
	if err != nil {
		switch {
		case errors.Is(err, draft.ErrEmptyComment):
			writeError(w, http.StatusBadRequest, "comment body is required")
			return
		case errors.Is(err, draft.ErrLongComment):
			writeError(w, http.StatusBadRequest, "comment is too long")
			return
		}
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commentResponse{ID: c.ID, AuthorID: c.AuthorID, Body: c.Body, CreatedAt: c.CreatedAt.Format(time.RFC3339)})
}

func (s *Server) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	items, err := s.escrowService.PendingReconciliations(r.Context(), actor, queryLimit(r, 100))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	m, err := s.escrowService.ResolveReconciliation(r.Context(), actor, chi.URLParam(r, "markerID"), body.Note)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	s.hub.ServeWS(w, r, actor)
}
