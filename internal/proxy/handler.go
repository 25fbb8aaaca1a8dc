package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/auth"
	"github.com/poolgate/poolgate/internal/ledger"
	"github.com/poolgate/poolgate/internal/plan"
	"github.com/poolgate/poolgate/internal/pricing"
	"github.com/poolgate/poolgate/internal/quota"
	"github.com/poolgate/poolgate/internal/upstream"
	"github.com/poolgate/poolgate/pkg/ratelimit"
)

// Upstream is the slice of the upstream client the pipeline uses.
type Upstream interface {
	Messages(ctx context.Context, accessToken string, req *upstream.MessageRequest) (*upstream.MessageResponse, error)
	Stream(ctx context.Context, accessToken string, req *upstream.MessageRequest) (<-chan *upstream.Chunk, error)
}

// TokenSource yields a valid upstream access token per tenant.
type TokenSource interface {
	Connected(ctx context.Context, tenantID string) (bool, error)
	EnsureValid(ctx context.Context, tenantID string) (string, error)
}

// Decider produces admission decisions.
type Decider interface {
	Decide(ctx context.Context, credentialID string, quotaPercentage int, p plan.Plan) (*quota.Decision, error)
}

// UsageRecorder appends priced usage to the ledger.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, credentialID, model string, u pricing.TokenUsage) (*ledger.Record, error)
	Lifetime(ctx context.Context, credentialID string) (*ledger.Aggregate, error)
}

type Handler struct {
	store    auth.Store
	tokens   TokenSource
	client   Upstream
	recorder UsageRecorder
	engine   Decider
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *zap.Logger

	// upstreamTimeout bounds the proxied call once it is detached from the
	// caller's context.
	upstreamTimeout time.Duration
}

func NewHandler(
	store auth.Store,
	tokens TokenSource,
	client Upstream,
	recorder UsageRecorder,
	engine Decider,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
	logger *zap.Logger,
	upstreamTimeout time.Duration,
) *Handler {
	return &Handler{
		store:           store,
		tokens:          tokens,
		client:          client,
		recorder:        recorder,
		engine:          engine,
		limiter:         limiter,
		tracer:          tracer,
		logger:          logger,
		upstreamTimeout: upstreamTimeout,
	}
}

// admission carries everything the pipeline resolved before the upstream call.
type admission struct {
	cred      *auth.Credential
	plan      plan.Plan
	request   *upstream.MessageRequest
	requestID string
	token     string
}

// prepare runs pipeline steps 1-5: credential, request parsing, rate limit,
// plan checks, upstream connection, quota decision, token. On failure the
// response has already been written and prepare returns nil.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) *admission {
	ctx := r.Context()

	cred := auth.GetCredential(ctx)
	if cred == nil || !cred.Active {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid credential")
		return nil
	}
	requestID := auth.GetRequestID(ctx)

	var req upstream.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return nil
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return nil
	}

	_, span := h.tracer.Start(ctx, "proxy.messages")
	defer span.End()
	span.SetAttributes(
		attribute.String("credential_id", cred.ID),
		attribute.String("tenant_id", cred.TenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	// Independent request-rate limit, ahead of any quota accounting.
	allowed, err := h.limiter.Allow(ctx, cred.ID)
	if err != nil || !allowed {
		if err != nil {
			h.logger.Error("rate limiter error", zap.Error(err))
		}
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limit_error", "request rate limit exceeded")
		return nil
	}

	tenant, err := h.store.GetTenant(ctx, cred.TenantID)
	if err != nil {
		h.logger.Error("tenant lookup failed", zap.String("tenant_id", cred.TenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return nil
	}
	pl, ok := plan.ByName(tenant.Plan)
	if !ok {
		h.logger.Error("tenant has unknown plan", zap.String("tenant_id", tenant.ID), zap.String("plan", tenant.Plan))
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return nil
	}

	if class := pricing.Classify(req.Model); !pl.Allows(class) {
		writeError(w, http.StatusForbidden, "invalid_request_error",
			fmt.Sprintf("model class %q is not available on the %s plan", class, pl.Name))
		return nil
	}

	// The caller may not be the tenant (delegated credentials), so the
	// message names whose upstream connection is missing.
	connected, err := h.tokens.Connected(ctx, cred.TenantID)
	if err != nil {
		h.logger.Error("upstream connection check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return nil
	}
	if !connected {
		writeError(w, http.StatusUnauthorized, "authentication_error",
			fmt.Sprintf("no upstream credential connected for tenant %s", cred.TenantID))
		return nil
	}

	decision, err := h.engine.Decide(ctx, cred.ID, cred.QuotaPercentage, pl)
	if err != nil {
		h.logger.Error("quota decision failed", zap.String("credential_id", cred.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return nil
	}
	setQuotaHeaders(w, decision)
	if !decision.Allowed {
		writeQuotaDenied(w, decision)
		return nil
	}

	token, err := h.tokens.EnsureValid(ctx, cred.TenantID)
	if err != nil {
		// A failed refresh surfaces as an authentication failure; the stored
		// credential is preserved for a later attempt.
		h.logger.Warn("upstream token unusable", zap.String("tenant_id", cred.TenantID), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "authentication_error", "upstream credential is not usable")
		return nil
	}

	return &admission{
		cred:      cred,
		plan:      pl,
		request:   &req,
		requestID: requestID,
		token:     token,
	}
}

// HandleMessages proxies one request to the upstream messages API.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	adm := h.prepare(w, r)
	if adm == nil {
		return
	}

	// Detached from the caller: if the client disconnects mid-call, the
	// upstream call and the usage recording still run to completion so the
	// consumption is not lost.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.upstreamTimeout)
	defer cancel()

	if adm.request.Stream {
		h.streamMessages(w, callCtx, adm)
		return
	}

	resp, err := h.client.Messages(callCtx, adm.token, adm.request)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}

	h.recordUsage(callCtx, adm.cred.ID, responseModel(resp.Model, adm.request.Model), resp.Usage)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamMessages(w http.ResponseWriter, callCtx context.Context, adm *admission) {
	ch, err := h.client.Stream(callCtx, adm.token, adm.request)
	if err != nil {
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}

	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":%q}}\n\n", chunk.Err.Error())
			flusher.Flush()
			return
		}
		if chunk.Done {
			if chunk.Usage != nil {
				h.recordUsage(callCtx, adm.cred.ID, adm.request.Model, *chunk.Usage)
			}
			return
		}
		if chunk.Event != "" {
			fmt.Fprintf(w, "event: %s\n", chunk.Event)
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
		flusher.Flush()
	}
}

// recordUsage appends to the ledger after a successful upstream call. A
// recording failure never converts the response into an error: under-billing
// beats dropping a legitimate response or double-charging.
func (h *Handler) recordUsage(ctx context.Context, credentialID, model string, u upstream.Usage) {
	if _, err := h.recorder.RecordUsage(ctx, credentialID, model, u.TokenUsage()); err != nil {
		h.logger.Error("usage recording failed after successful upstream call",
			zap.String("credential_id", credentialID),
			zap.Error(err),
		)
	}
}

func responseModel(respModel, reqModel string) string {
	if respModel != "" {
		return respModel
	}
	return reqModel
}

// HandleUsage reports the credential's lifetime aggregate alongside the
// current window snapshot.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid credential")
		return
	}

	pl, ok := h.resolvePlan(w, ctx, cred)
	if !ok {
		return
	}

	lifetime, err := h.recorder.Lifetime(ctx, cred.ID)
	if errors.Is(err, ledger.ErrAggregateNotFound) {
		// A credential that never recorded usage reports zeroes.
		lifetime = &ledger.Aggregate{CredentialID: cred.ID}
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return
	}

	decision, err := h.engine.Decide(ctx, cred.ID, cred.QuotaPercentage, pl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"credential_id": cred.ID,
		"plan":          pl.Name,
		"lifetime":      lifetime,
		"window": map[string]any{
			"hours":         pl.Window.Hours(),
			"credits_used":  decision.Usage.Credits,
			"request_count": decision.Usage.Requests,
			"cost_used":     decision.Usage.CostUSD,
			"reset_at":      decision.ResetAt.UTC().Format(time.RFC3339),
			"per_model":     decision.Usage.PerModel,
		},
	})
}

// HandleQuota returns the current admission snapshot without consuming
// anything.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.GetCredential(ctx)
	if cred == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid credential")
		return
	}

	pl, ok := h.resolvePlan(w, ctx, cred)
	if !ok {
		return
	}

	decision, err := h.engine.Decide(ctx, cred.ID, cred.QuotaPercentage, pl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return
	}

	setQuotaHeaders(w, decision)
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":          decision.Allowed,
		"limit":            decision.EffectiveLimit,
		"used":             decision.Usage.Credits,
		"remaining":        decision.Remaining,
		"usage_percentage": decision.PercentUsed,
		"reset_at":         decision.ResetAt.UTC().Format(time.RFC3339),
		"time_until_reset": quota.FormatDuration(time.Until(decision.ResetAt)),
	})
}

func (h *Handler) resolvePlan(w http.ResponseWriter, ctx context.Context, cred *auth.Credential) (plan.Plan, bool) {
	tenant, err := h.store.GetTenant(ctx, cred.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return plan.Plan{}, false
	}
	pl, ok := plan.ByName(tenant.Plan)
	if !ok {
		h.logger.Error("tenant has unknown plan", zap.String("tenant_id", tenant.ID), zap.String("plan", tenant.Plan))
		writeError(w, http.StatusInternalServerError, "api_error", "internal server error")
		return plan.Plan{}, false
	}
	return pl, true
}
