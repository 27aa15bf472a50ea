// Package pipeline orchestrates one request through the full enforcement
// flow: authenticate, admit against rate limits, validate and evaluate
// against policy, forward upstream, record usage, and audit — in that
// order, short-circuiting on the first failure.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeroveil/gateway/internal/apierr"
	"github.com/zeroveil/gateway/internal/audit"
	"github.com/zeroveil/gateway/internal/enforcer"
	"github.com/zeroveil/gateway/internal/policy"
	"github.com/zeroveil/gateway/internal/telemetry"
	"github.com/zeroveil/gateway/internal/tenant"
	"github.com/zeroveil/gateway/internal/upstream"
	"github.com/zeroveil/gateway/internal/validate"
)

// defaultTenantID is the synthetic tenant every request is attributed to in
// legacy mode, where no tenant registry governs authentication.
const defaultTenantID = "default"

// Input is the pipeline's transport-agnostic view of an incoming request,
// decoupled from net/http so the HTTP boundary stays a thin adapter.
type Input struct {
	RequestID     string
	Authorization string
	Body          []byte
	ClientIP      string
	UserAgent     string
}

// Output is the pipeline's transport-agnostic response.
type Output struct {
	Status int
	Body   []byte
}

// Pipeline wires the tenant registry, policy enforcer, upstream client, and
// audit logger into the single request-handling flow.
type Pipeline struct {
	policy      *policy.Policy
	registry    *tenant.Registry
	requireAuth bool
	enforcer    *enforcer.Enforcer
	upstream    upstream.Client
	auditLog    *audit.Logger
	now         func() time.Time
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithClock overrides the pipeline's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New builds a Pipeline. requireAuth selects between tenant-authenticated
// mode (bearer token must resolve via registry) and legacy mode, where every
// request is attributed to the synthetic "default" tenant.
func New(pol *policy.Policy, registry *tenant.Registry, requireAuth bool, enf *enforcer.Enforcer, client upstream.Client, auditLog *audit.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		policy:      pol,
		registry:    registry,
		requireAuth: requireAuth,
		enforcer:    enf,
		upstream:    client,
		auditLog:    auditLog,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs the full pipeline for one request.
func (p *Pipeline) Handle(ctx context.Context, in Input) Output {
	start := p.now()

	tenantID, authErr := p.authenticate(in.Authorization)
	if authErr != nil {
		return p.deny(in, start, tenantID, authErr, nil, nil)
	}

	if !p.registry.CheckRateLimit(tenantID) {
		telemetry.RateLimitedTotal.WithLabelValues(tenantID).Inc()
		rateErr := apierr.RateLimited("rate limit exceeded", map[string]any{
			"rpm_remaining": p.registry.RPMRemaining(tenantID),
			"tpd_remaining": p.registry.TPDRemaining(tenantID),
		})
		return p.deny(in, start, tenantID, rateErr, nil, nil)
	}

	var req validate.Request
	if err := json.Unmarshal(in.Body, &req); err != nil {
		return p.deny(in, start, tenantID, apierr.InvalidRequest("malformed JSON body", nil), nil, nil)
	}

	decision := p.enforcer.Decide(p.policy, &req)
	if !decision.Allow {
		return p.deny(in, start, tenantID, decision.Err, &req, nil)
	}

	provider := primaryProvider(p.policy)
	upstreamStart := p.now()
	resp, err := p.upstream.Forward(ctx, provider, in.Body)
	if err != nil {
		reason := "upstream_error"
		if ctx.Err() == context.DeadlineExceeded {
			reason = "upstream_timeout"
		}
		telemetry.UpstreamRequestDuration.WithLabelValues(provider, reason).Observe(p.now().Sub(upstreamStart).Seconds())
		upstreamErr := apierr.UpstreamError("upstream provider request failed")
		return p.denyWithReason(in, start, tenantID, upstreamErr, reason, &req, &provider)
	}
	telemetry.UpstreamRequestDuration.WithLabelValues(provider, "success").Observe(p.now().Sub(upstreamStart).Seconds())

	totalTokens := resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	_ = p.registry.RecordUsage(tenantID, totalTokens)

	p.emitAllow(in, start, tenantID, &req, &provider, resp)

	return Output{Status: 200, Body: resp.RawBody}
}

// authenticate resolves the request's tenant. In legacy mode every request
// maps to the synthetic default tenant; otherwise the bearer token must
// resolve to an enabled tenant via the registry.
func (p *Pipeline) authenticate(authorization string) (string, *apierr.Error) {
	if !p.requireAuth {
		return defaultTenantID, nil
	}
	token := strings.TrimPrefix(authorization, "Bearer ")
	cfg := p.registry.Authenticate(token)
	if cfg == nil {
		return "", apierr.Unauthorized("invalid or missing bearer token")
	}
	return cfg.TenantID, nil
}

func primaryProvider(pol *policy.Policy) string {
	if len(pol.AllowedProviders) == 0 {
		return ""
	}
	return pol.AllowedProviders[0]
}

// deny builds and emits a deny audit event using the error's own code as the
// audit reason, then renders the error envelope.
func (p *Pipeline) deny(in Input, start time.Time, tenantID string, err *apierr.Error, req *validate.Request, provider *string) Output {
	return p.denyWithReason(in, start, tenantID, err, string(err.Code), req, provider)
}

func (p *Pipeline) denyWithReason(in Input, start time.Time, tenantID string, err *apierr.Error, reason string, req *validate.Request, provider *string) Output {
	telemetry.RequestsTotal.WithLabelValues("deny", reason).Inc()

	event := p.buildEvent(in, start, tenantID, "deny", reason, req, provider, nil)
	if err := p.auditLog.Log(event); err != nil {
		telemetry.AuditWriteErrorsTotal.Inc()
	}

	body, _ := json.Marshal(err.AsEnvelope())
	return Output{Status: err.HTTPStatus, Body: body}
}

func (p *Pipeline) emitAllow(in Input, start time.Time, tenantID string, req *validate.Request, provider *string, resp *upstream.Response) {
	telemetry.RequestsTotal.WithLabelValues("allow", "ok").Inc()

	event := p.buildEvent(in, start, tenantID, "allow", "ok", req, provider, resp)
	if err := p.auditLog.Log(event); err != nil {
		telemetry.AuditWriteErrorsTotal.Inc()
	}
}

func (p *Pipeline) buildEvent(in Input, start time.Time, tenantID, action, reason string, req *validate.Request, provider *string, resp *upstream.Response) audit.Event {
	e := audit.Event{
		RequestID: in.RequestID,
		TenantID:  tenantID,
		Action:    action,
		Reason:    reason,
	}
	if in.ClientIP != "" {
		e.ClientIP = strp(in.ClientIP)
	}
	if in.UserAgent != "" {
		e.UserAgent = strp(in.UserAgent)
	}
	if provider != nil && *provider != "" {
		e.Provider = provider
	}

	if req != nil {
		if req.Model != nil {
			e.Model = req.Model
		}
		count, chars := requestMetrics(req)
		e.MessageCount = intp(count)
		e.TotalChars = intp(chars)
		if req.ZDROnly != nil {
			e.ZDROnly = req.ZDROnly
		}
		if req.Metadata != nil && req.Metadata.Scrubbed != nil {
			e.ScrubbedAttested = req.Metadata.Scrubbed
		}
	}

	if resp != nil {
		e.TokensPrompt = intp(resp.Usage.PromptTokens)
		e.TokensCompletion = intp(resp.Usage.CompletionTokens)
	}

	latency := p.now().Sub(start).Milliseconds()
	e.LatencyMs = int64p(latency)

	return audit.NewEvent(p.now, e)
}

// requestMetrics computes metadata-only counts over the request's messages:
// how many there are and their combined character length. Message content
// itself never reaches an audit event.
func requestMetrics(req *validate.Request) (count, totalChars int) {
	count = len(req.Messages)
	for _, m := range req.Messages {
		if m.Content != nil {
			totalChars += utf8.RuneCountInString(*m.Content)
		}
	}
	return count, totalChars
}

func strp(s string) *string { return &s }
func intp(i int) *int       { return &i }
func int64p(i int64) *int64 { return &i }
