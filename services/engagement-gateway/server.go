package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusbridge/audit"
	"campusbridge/clients/assessment"
	"campusbridge/engagement"
	"campusbridge/gates"
	"campusbridge/observability"
	"campusbridge/workspace"
)

type escrowAdmin interface {
	ConfirmDeposit(ctx context.Context, engagementID string, amount int64, paymentMethod, notes string) (*gates.EscrowHold, error)
	RevokeDeposit(ctx context.Context, engagementID, reason string) (*gates.EscrowHold, error)
	ClearHold(ctx context.Context, engagementID, notes string) (*gates.EscrowHold, error)
	ReinstateHold(ctx context.Context, engagementID, reason string) (*gates.EscrowHold, error)
	GetStatus(ctx context.Context, engagementID string) (*gates.EscrowHold, error)
}

type ndaService interface {
	RequestSignature(ctx context.Context, engagementID string) (*gates.SignatureRequest, error)
	Sign(ctx context.Context, engagementID, signerRole, signatureData string) (*gates.SignatureRequest, error)
	GetSignatureStatus(ctx context.Context, engagementID string) (*gates.SignatureRequest, error)
}

type assessmentService interface {
	GetAssessment(ctx context.Context, engagementID string) (*gates.Assessment, error)
	SubmitAssessment(ctx context.Context, engagementID, submittedBy string, scores map[string]int) (*gates.Assessment, error)
	GetPendingAssessments(ctx context.Context, providerID string) ([]assessment.PendingAssessment, error)
}

type gatewayStore interface {
	InsertSubscription(ctx context.Context, sub audit.Subscription) (int64, error)
	ListSubscriptions(ctx context.Context) ([]audit.Subscription, error)
	SetSubscriptionActive(ctx context.Context, id int64, active bool) error
	ObserveEngagement(ctx context.Context, eng *engagement.Engagement) error
	ListEvents(ctx context.Context, engagementID string) ([]audit.Event, error)
}

// ServerDeps bundles the collaborators the HTTP surface dispatches into.
type ServerDeps struct {
	Engine         *engagement.Engine
	Source         workspace.EngagementSource
	Access         *workspace.Controller
	Escrow         escrowAdmin
	Nda            ndaService
	Assessments    assessmentService
	EscrowGate     engagement.Gate
	NdaGate        engagement.Gate
	AssessmentGate engagement.Gate
	Store          gatewayStore
	Emitter        audit.Emitter
	Auth           *Authenticator
	Limiter        *RateLimiter
	Logger         *slog.Logger
}

// Server exposes the engagement lifecycle over HTTP.
type Server struct {
	deps   ServerDeps
	logger *slog.Logger
	router chi.Router
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, logger: deps.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		if s.deps.Limiter != nil {
			api.Use(s.deps.Limiter.Middleware)
		}
		if s.deps.Auth != nil {
			api.Use(s.deps.Auth.Middleware)
		}

		api.Route("/v1/engagements/{engagementID}", func(er chi.Router) {
			er.Get("/", s.instrument("engagement", s.handleGetEngagement))
			er.Post("/transitions", s.instrument("transitions", s.handleTransition))
			er.Get("/workspace", s.instrument("workspace", s.handleWorkspace))
			er.Get("/gates", s.instrument("gates", s.handleGates))
			er.Get("/events", s.instrument("events", s.handleListEvents))

			er.Get("/escrow", s.instrument("escrow", s.handleEscrowStatus))
			er.Post("/escrow/{op}", s.instrument("escrow_op", s.handleEscrowOp))

			er.Get("/nda", s.instrument("nda", s.handleNdaStatus))
			er.Post("/nda/request", s.instrument("nda_request", s.handleNdaRequest))
			er.Post("/nda/sign", s.instrument("nda_sign", s.handleNdaSign))

			er.Get("/assessment", s.instrument("assessment", s.handleGetAssessment))
			er.Post("/assessment", s.instrument("assessment_submit", s.handleSubmitAssessment))
		})

		api.Get("/v1/providers/{providerID}/assessments/pending", s.instrument("assessments_pending", s.handlePendingAssessments))

		api.Post("/v1/subscriptions", s.instrument("subscriptions", s.handleCreateSubscription))
		api.Get("/v1/subscriptions", s.instrument("subscriptions", s.handleListSubscriptions))
		api.Patch("/v1/subscriptions/{subscriptionID}", s.instrument("subscriptions", s.handleUpdateSubscription))
	})

	return r
}

// instrument wraps a handler with request metrics keyed by a stable route name.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(recorder, r)
		observability.Gateway().Observe(route, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleGetEngagement(w http.ResponseWriter, r *http.Request) {
	eng, err := s.deps.Source.GetTransaction(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if eng == nil {
		s.writeError(w, engagement.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, engagementResponse(eng))
}

type transitionRequest struct {
	Transition string `json:"transition"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tr := engagement.Transition(strings.TrimSpace(req.Transition))
	if _, known := engagement.RequiredRole(tr); !known {
		http.Error(w, fmt.Sprintf("unknown transition %q", req.Transition), http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "engagementID")
	state, err := s.deps.Engine.ApplyTransition(r.Context(), id, tr, principal.Role, principal.ActorID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.observe(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engagementId": id,
		"state":        state,
	})
}

func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "engagementID")
	unlocked, err := s.deps.Access.Unlocked(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engagementId": id,
		"unlocked":     unlocked,
	})
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eng, err := s.deps.Source.GetTransaction(ctx, chi.URLParam(r, "engagementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if eng == nil {
		s.writeError(w, engagement.ErrNotFound)
		return
	}
	var results []engagement.GateResult
	for _, gate := range []engagement.Gate{s.deps.EscrowGate, s.deps.NdaGate, s.deps.AssessmentGate} {
		if gate == nil {
			continue
		}
		result, err := gate.Evaluate(ctx, eng)
		if err != nil {
			s.writeError(w, err)
			return
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engagementId": eng.ID,
		"gates":        gateResponses(results),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListEvents(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	hold, err := s.deps.Escrow.GetStatus(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdResponse(hold))
}

type escrowOpRequest struct {
	Amount        int64  `json:"amount"`
	PaymentMethod string `json:"paymentMethod"`
	Notes         string `json:"notes"`
	Reason        string `json:"reason"`
}

func (s *Server) handleEscrowOp(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok || principal.Role != engagement.RoleAdmin {
		http.Error(w, "escrow operations require the admin role", http.StatusForbidden)
		return
	}
	var req escrowOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "engagementID")
	op := chi.URLParam(r, "op")

	before, err := s.deps.Escrow.GetStatus(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var hold *gates.EscrowHold
	switch op {
	case "confirm":
		hold, err = s.deps.Escrow.ConfirmDeposit(ctx, id, req.Amount, req.PaymentMethod, req.Notes)
	case "revoke":
		hold, err = s.deps.Escrow.RevokeDeposit(ctx, id, req.Reason)
	case "clear":
		hold, err = s.deps.Escrow.ClearHold(ctx, id, req.Notes)
	case "reinstate":
		hold, err = s.deps.Escrow.ReinstateHold(ctx, id, req.Reason)
	default:
		http.Error(w, fmt.Sprintf("unknown escrow operation %q", op), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.deps.Access.Invalidate(id)
	s.emit(engagement.NewGateChangeEvent(
		engagement.EventTypeEscrowChanged, id, op,
		holdLabel(before), holdLabel(hold),
		principal.ActorID, principal.Role,
	))
	writeJSON(w, http.StatusOK, holdResponse(hold))
}

func (s *Server) handleNdaStatus(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Nda.GetSignatureStatus(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signatureResponse(req))
}

func (s *Server) handleNdaRequest(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	id := chi.URLParam(r, "engagementID")
	before, err := s.deps.Nda.GetSignatureStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.deps.Nda.RequestSignature(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Access.Invalidate(id)
	s.emit(engagement.NewGateChangeEvent(
		engagement.EventTypeNdaChanged, id, "request",
		signatureLabel(before), signatureLabel(req),
		principal.ActorID, principal.Role,
	))
	writeJSON(w, http.StatusOK, signatureResponse(req))
}

type ndaSignRequest struct {
	SignatureData string `json:"signatureData"`
}

func (s *Server) handleNdaSign(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if principal.Role != engagement.RoleCustomer && principal.Role != engagement.RoleProvider {
		http.Error(w, "only trading parties may sign", http.StatusForbidden)
		return
	}
	var body ndaSignRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "engagementID")
	before, err := s.deps.Nda.GetSignatureStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := s.deps.Nda.Sign(r.Context(), id, string(principal.Role), body.SignatureData)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.deps.Access.Invalidate(id)
	s.emit(engagement.NewGateChangeEvent(
		engagement.EventTypeNdaChanged, id, "sign",
		signatureLabel(before), signatureLabel(req),
		principal.ActorID, principal.Role,
	))
	writeJSON(w, http.StatusOK, signatureResponse(req))
}

func (s *Server) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Assessments.GetAssessment(r.Context(), chi.URLParam(r, "engagementID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessmentResponse(result))
}

type submitAssessmentRequest struct {
	Scores map[string]int `json:"scores"`
}

func (s *Server) handleSubmitAssessment(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok || principal.Role != engagement.RoleProvider {
		http.Error(w, "assessments are submitted by the provider", http.StatusForbidden)
		return
	}
	var body submitAssessmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Scores) == 0 {
		http.Error(w, "scores are required", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Assessments.SubmitAssessment(r.Context(), chi.URLParam(r, "engagementID"), principal.ActorID, body.Scores)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessmentResponse(result))
}

func (s *Server) handlePendingAssessments(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Assessments.GetPendingAssessments(r.Context(), chi.URLParam(r, "providerID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

type subscriptionRequest struct {
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	EventTypes    []string `json:"eventTypes"`
	RatePerMinute int      `json:"ratePerMinute"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok || principal.Role != engagement.RoleAdmin {
		http.Error(w, "subscription management requires the admin role", http.StatusForbidden)
		return
	}
	var body subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(body.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		http.Error(w, "url must be absolute", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Secret) == "" {
		http.Error(w, "secret is required", http.StatusBadRequest)
		return
	}
	sub := audit.Subscription{
		URL:           body.URL,
		Secret:        body.Secret,
		EventTypes:    body.EventTypes,
		Active:        true,
		RatePerMinute: body.RatePerMinute,
	}
	id, err := s.deps.Store.InsertSubscription(r.Context(), sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok || principal.Role != engagement.RoleAdmin {
		http.Error(w, "subscription management requires the admin role", http.StatusForbidden)
		return
	}
	subs, err := s.deps.Store.ListSubscriptions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": subscriptionResponses(subs)})
}

type updateSubscriptionRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok || principal.Role != engagement.RoleAdmin {
		http.Error(w, "subscription management requires the admin role", http.StatusForbidden)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "subscriptionID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid subscription id", http.StatusBadRequest)
		return
	}
	var body updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Active == nil {
		http.Error(w, "active flag is required", http.StatusBadRequest)
		return
	}
	if err := s.deps.Store.SetSubscriptionActive(r.Context(), id, *body.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "active": *body.Active})
}

// observe refreshes the sweep working set after a committed transition. A
// failure here never fails the request.
func (s *Server) observe(ctx context.Context, engagementID string) {
	eng, err := s.deps.Source.GetTransaction(ctx, engagementID)
	if err != nil || eng == nil {
		return
	}
	if err := s.deps.Store.ObserveEngagement(ctx, eng); err != nil {
		s.logger.Warn("observe engagement failed", "engagement", engagementID, "err", err)
	}
}

func (s *Server) emit(evt audit.Event) {
	if s.deps.Emitter == nil {
		return
	}
	s.deps.Emitter.Emit(evt)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Gate    string `json:"gate,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		invalid      *engagement.InvalidTransitionError
		unauthorized *engagement.UnauthorizedError
		blocked      *engagement.GateBlockedError
		conflict     *engagement.ConcurrencyConflictError
		transient    *engagement.TransientError
	)
	switch {
	case errors.Is(err, engagement.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "engagement not found"})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "invalid_transition", Message: err.Error()})
	case errors.As(err, &unauthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "unauthorized", Message: err.Error()})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{
			Error: "gate_blocked", Message: err.Error(), Gate: blocked.Gate, Reason: blocked.Reason,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()})
	case errors.As(err, &transient):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "upstream_unavailable", Message: "dependency unavailable, retry later"})
	default:
		s.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func engagementResponse(eng *engagement.Engagement) map[string]interface{} {
	return map[string]interface{}{
		"id":              eng.ID,
		"customerId":      eng.CustomerID,
		"providerId":      eng.ProviderID,
		"listingId":       eng.ListingID,
		"state":           eng.State,
		"lastTransition":  eng.LastTransition,
		"requiresDeposit": eng.RequiresDeposit,
		"requiresNda":     eng.RequiresNda,
		"version":         eng.Version,
	}
}

func gateResponses(results []engagement.GateResult) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, result := range results {
		entry := map[string]interface{}{"gate": result.Gate, "pass": result.Pass}
		if result.Reason != "" {
			entry["reason"] = result.Reason
		}
		out = append(out, entry)
	}
	return out
}

func holdResponse(hold *gates.EscrowHold) map[string]interface{} {
	if hold == nil {
		return map[string]interface{}{"status": gates.HoldNone}
	}
	resp := map[string]interface{}{
		"engagementId": hold.EngagementID,
		"status":       hold.Status,
		"amount":       hold.Amount,
		"holdActive":   hold.HoldActive,
	}
	if hold.ConfirmedBy != "" {
		resp["confirmedBy"] = hold.ConfirmedBy
	}
	if hold.ConfirmedAt != nil {
		resp["confirmedAt"] = hold.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func holdLabel(hold *gates.EscrowHold) string {
	if hold == nil {
		return string(gates.HoldNone)
	}
	label := string(hold.Status)
	if hold.HoldActive {
		label += "+hold"
	}
	return label
}

func signatureResponse(req *gates.SignatureRequest) map[string]interface{} {
	if req == nil {
		return map[string]interface{}{"status": gates.SignatureNotRequested}
	}
	signers := make([]map[string]interface{}, 0, len(req.Signers))
	for _, signer := range req.Signers {
		entry := map[string]interface{}{"partyRole": signer.PartyRole}
		if signer.SignedAt != nil {
			entry["signedAt"] = signer.SignedAt.UTC().Format(time.RFC3339)
		}
		signers = append(signers, entry)
	}
	return map[string]interface{}{
		"engagementId": req.EngagementID,
		"documentId":   req.DocumentID,
		"status":       req.Status,
		"signers":      signers,
	}
}

func signatureLabel(req *gates.SignatureRequest) string {
	if req == nil {
		return string(gates.SignatureNotRequested)
	}
	return string(req.Status)
}

func assessmentResponse(result *gates.Assessment) map[string]interface{} {
	if result == nil {
		return map[string]interface{}{"submitted": false}
	}
	return map[string]interface{}{
		"submitted":    true,
		"engagementId": result.EngagementID,
		"submittedBy":  result.SubmittedBy,
		"scores":       result.Scores,
		"submittedAt":  result.SubmittedAt.UTC().Format(time.RFC3339),
	}
}

func subscriptionResponses(subs []audit.Subscription) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		out = append(out, map[string]interface{}{
			"id":            sub.ID,
			"url":           sub.URL,
			"eventTypes":    sub.EventTypes,
			"active":        sub.Active,
			"ratePerMinute": sub.RatePerMinute,
		})
	}
	return out
}
