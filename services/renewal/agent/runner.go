// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package agent drives a brief request from plan to response.
//
// The Runner is the single place that decides between retry, degrade and
// abort. Components it calls report classified errors; it never inspects
// anything else to choose a path.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/policy_engine"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/briefcache"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/gateway"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/planner"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/retrieval"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/sanitize"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/store"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/synthesis"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/tracing"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/validation"
)

var tracer = otel.Tracer("renewal.agent")

// Config bounds the runner.
type Config struct {
	// MaxParallel caps concurrent subgoal retrievals within a request.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1,lte=16"`

	// CacheResponses stores ok responses in the brief cache.
	CacheResponses bool `yaml:"cache_responses"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{MaxParallel: 4, CacheResponses: true}
}

// Components are the runner's collaborators. Router, Sanitizer,
// Synthesizer and Validator are required; every other field is optional.
type Components struct {
	Planner     *planner.Planner
	Router      *retrieval.Router
	Sanitizer   *sanitize.Sanitizer
	Synthesizer *synthesis.Synthesizer
	Validator   *validation.Validator
	Drafter     *synthesis.Drafter

	Authz   extensions.AuthzProvider
	Budgets budget.Policy
	Ledger  *budget.DailyLedger
	Policy  *policy_engine.PolicyEngine

	// Docs and Cache together enable the brief cache.
	Docs  store.DocumentStore
	Cache *briefcache.Cache

	Recorder *tracing.Recorder
	Metrics  *observability.Metrics
	Clock    func() time.Time
}

// Runner orchestrates brief requests.
//
// # Description
//
// Run authorizes the caller, collapses identical concurrent requests,
// serves the brief cache, then walks the state graph:
// planning → retrieving → synthesizing → validating → done | degraded |
// aborted. Independent subgoals are retrieved concurrently; citations
// are checked only after every retrieval has joined.
//
// # Thread Safety
//
// Safe for concurrent use. Per-request state lives in the run value and
// is owned by the goroutine executing Run.
type Runner struct {
	c      Components
	cfg    Config
	logger *slog.Logger
	flight singleflight.Group
}

// New creates a runner.
func New(c Components, cfg Config, logger *slog.Logger) (*Runner, error) {
	if c.Router == nil || c.Sanitizer == nil || c.Synthesizer == nil || c.Validator == nil {
		return nil, errors.New("agent: router, sanitizer, synthesizer and validator are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if c.Planner == nil {
		c.Planner = planner.New()
	}
	if c.Authz == nil {
		c.Authz = extensions.VendorScopeAuthz{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Recorder == nil {
		c.Recorder = tracing.NewRecorder(tracing.DefaultCapacity, logger)
	}
	if c.Drafter == nil {
		c.Drafter = synthesis.NewDrafter(nil, c.Validator, synthesis.Config{}, logger)
	}
	return &Runner{c: c, cfg: cfg, logger: logger.With("component", "agent_runner")}, nil
}

// Recorder returns the trace recorder the runner writes to.
func (r *Runner) Recorder() *tracing.Recorder { return r.c.Recorder }

// Run produces the brief response for req.
//
// # Outputs
//
//   - *datatypes.BriefResponse: always complete. Budget, deadline and
//     upstream failures are reported through its status.
//   - error: faults.KindUnauthorized for callers outside the vendor's
//     scope, faults.KindSchemaInvalid when req selects a reasoner that is
//     not configured.
//
// # Limitations
//
//   - Identical concurrent requests (same tenant, vendor, refresh flag and
//     reasoner) share one execution. Each caller keeps its own request id;
//     a follower's trace records the request it shared with instead of
//     the stages.
//   - The shared execution does not end when a caller's context is
//     cancelled. It is bounded by the tenant's wall clock budget.
func (r *Runner) Run(ctx context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error) {
	if err := r.c.Authz.Authorize(ctx, extensions.AuthzRequest{
		User:         req.Caller,
		Action:       "renewal_brief",
		ResourceType: "vendor",
		ResourceID:   req.VendorID,
	}); err != nil {
		r.logger.Warn("Brief request denied", "request_id", req.RequestID, "vendor_id", req.VendorID)
		return nil, faults.Wrap(err, faults.KindUnauthorized, "scope_denied")
	}
	if !r.c.Synthesizer.Supports(req.Reasoner) {
		return nil, faults.SchemaInvalid("unsupported_reasoner", "reasoner %q is not configured", req.Reasoner)
	}

	key := req.TenantID() + "\x00" + req.VendorID + "\x00" + strconv.FormatBool(req.Refresh) + "\x00" + req.Reasoner
	v, err, shared := r.flight.Do(key, func() (any, error) {
		return r.serve(context.WithoutCancel(ctx), req)
	})
	if err != nil {
		return nil, err
	}
	resp, ok := v.(*datatypes.BriefResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected type from singleflight: got %T", v)
	}
	if !shared {
		return resp, nil
	}
	resp = copyResponse(resp)
	if resp.RequestID != req.RequestID {
		r.follow(ctx, req, resp)
	}
	return resp, nil
}

// follow rewrites a shared response for a caller that did not run the
// execution and records its trace.
func (r *Runner) follow(ctx context.Context, req *datatypes.Request, resp *datatypes.BriefResponse) {
	leaderID := resp.RequestID
	resp.RequestID = req.RequestID
	resp.Budget = datatypes.BudgetUsage{}

	r.c.Recorder.Begin(req, r.c.Synthesizer.PromptVersion(), r.policyVersion())
	r.c.Recorder.Event(req.RequestID, "runner", "shared execution", map[string]any{
		"shared_with": leaderID,
	})
	r.c.Recorder.Finish(context.WithoutCancel(ctx), req.RequestID, resp.Status, resp.Budget, resp.Diagnostics)
	r.c.Metrics.Response(string(resp.Status))
	r.logger.Info("Brief request shared an execution",
		"request_id", req.RequestID,
		"shared_with", leaderID,
		"status", resp.Status)
}

func copyResponse(resp *datatypes.BriefResponse) *datatypes.BriefResponse {
	cp := *resp
	if resp.Brief != nil {
		cp.Brief = resp.Brief.Clone()
	}
	cp.Diagnostics = append([]datatypes.FieldDiagnostic{}, resp.Diagnostics...)
	return &cp
}

// policyVersion identifies every rule set that shapes a brief.
func (r *Runner) policyVersion() string {
	v := r.c.Sanitizer.RulesVersion()
	if r.c.Policy != nil {
		v += "+" + r.c.Policy.Version()
	}
	return v
}

func (r *Runner) serve(ctx context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error) {
	promptVersion := r.c.Synthesizer.PromptVersion()
	policyVersion := r.policyVersion()
	r.c.Recorder.Begin(req, promptVersion, policyVersion)

	key, cacheable := r.cacheKey(ctx, req, promptVersion, policyVersion)
	switch {
	case !cacheable:
	case req.Refresh:
		r.c.Metrics.CacheLookup("skipped")
	default:
		if resp, ok := r.lookup(ctx, req, key); ok {
			return resp, nil
		}
	}

	resp, err := r.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable && resp.Status == datatypes.ResponseOK {
		if err := r.c.Cache.Put(context.WithoutCancel(ctx), key, resp); err != nil {
			r.logger.Warn("Failed to cache brief", "request_id", req.RequestID, "error", err)
		}
	}
	return resp, nil
}

func (r *Runner) cacheKey(ctx context.Context, req *datatypes.Request, promptVersion, policyVersion string) (briefcache.Key, bool) {
	if !r.cfg.CacheResponses || r.c.Cache == nil || r.c.Docs == nil {
		return briefcache.Key{}, false
	}
	docs, err := r.c.Docs.List(ctx, req.VendorID)
	if err != nil {
		r.logger.Warn("Failed to list documents for cache key", "vendor_id", req.VendorID, "error", err)
		r.c.Metrics.CacheLookup("error")
		return briefcache.Key{}, false
	}
	return briefcache.NewKey(req.TenantID(), req.VendorID, docs, promptVersion, policyVersion, r.c.Synthesizer.BackendFor(req.Reasoner)), true
}

func (r *Runner) lookup(ctx context.Context, req *datatypes.Request, key briefcache.Key) (*datatypes.BriefResponse, bool) {
	cached, found, err := r.c.Cache.Get(ctx, key)
	switch {
	case err != nil:
		r.logger.Warn("Brief cache lookup failed", "request_id", req.RequestID, "error", err)
		r.c.Metrics.CacheLookup("error")
		return nil, false
	case !found:
		r.c.Metrics.CacheLookup("miss")
		return nil, false
	}
	r.c.Metrics.CacheLookup("hit")

	r.c.Recorder.Event(req.RequestID, "cache", "served from cache", map[string]any{
		"original_request_id": cached.RequestID,
	})
	cached.RequestID = req.RequestID
	cached.Budget = datatypes.BudgetUsage{}
	r.c.Recorder.Finish(context.WithoutCancel(ctx), req.RequestID, cached.Status, cached.Budget, cached.Diagnostics)
	r.c.Metrics.Response(string(cached.Status))
	return cached, true
}

// =============================================================================
// Per-request execution
// =============================================================================

// run is the mutable state of one request. Only the goroutine executing
// the request touches it.
type run struct {
	req     *datatypes.Request
	plan    *datatypes.Plan
	tracker *budget.Tracker

	state   State
	entered time.Time

	cites     datatypes.CitationSet
	evidence  []datatypes.Evidence
	facts     datatypes.Facts
	piiRisk   string
	injection bool

	// budgetHit is set when any retrieval was denied by the budget.
	budgetHit bool

	// retrievalFailed is set when a subgoal failed for a reason other
	// than budget or missing evidence.
	retrievalFailed bool

	attempts    int
	diagnostics []datatypes.FieldDiagnostic
}

type subgoalResult struct {
	res *retrieval.Result
	err error
}

func (r *Runner) execute(ctx context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error) {
	ctx, span := tracer.Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("vendor_id", req.VendorID),
		attribute.Bool("refresh", req.Refresh),
	)

	tenant := req.TenantID()
	tracker := budget.NewTracker(r.c.Budgets.LimitsFor(tenant),
		budget.WithClock(r.c.Clock),
		budget.WithLedger(r.c.Ledger, tenant),
		budget.WithBreachHook(func(k budget.Kind) { r.c.Metrics.BudgetBreach(string(k)) }),
	)
	if limit := tracker.Limits().MaxWallClock; limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit-tracker.Elapsed())
		defer cancel()
	}

	rn := &run{req: req, tracker: tracker, state: StatePlanning, entered: r.c.Clock()}
	r.c.Recorder.State(req.RequestID, string(StatePlanning))
	rn.plan = r.c.Planner.Plan(req)
	r.c.Recorder.Plan(req.RequestID, rn.plan)

	r.advance(rn, StateRetrieving)
	if err := r.retrieve(ctx, rn); err != nil {
		if faults.Is(err, faults.KindUnauthorized) {
			r.advance(rn, StateAborted)
			r.c.Recorder.Event(req.RequestID, "runner", "unauthorized", nil)
			r.c.Recorder.Finish(context.WithoutCancel(ctx), req.RequestID, "", tracker.Snapshot(), nil)
			span.SetStatus(codes.Error, "unauthorized")
			return nil, err
		}
		return r.abort(ctx, rn, nil, err), nil
	}
	r.prepareEvidence(rn)

	last, err := r.synthesizeAndValidate(ctx, rn)
	if err != nil {
		return r.abort(ctx, rn, last, err), nil
	}

	brief := datatypes.NewUnknownBrief(req.VendorID, datatypes.ReasonInsufficientEvidence)
	brief.ApplyBody(last.Body)
	for _, f := range last.Failures {
		rn.diagnostics = append(rn.diagnostics, f.Diagnostic())
	}

	if rn.budgetHit {
		brief.DraftEmail = datatypes.Unknown[datatypes.DraftEmail](datatypes.ReasonBudgetExhausted)
		rn.plan.Set(datatypes.SubgoalDraftEmail, datatypes.SubgoalBudgetDenied, datatypes.ReasonBudgetExhausted)
		return r.finish(ctx, rn, brief, StateAborted, datatypes.ResponseBudgetExhausted), nil
	}

	r.draft(ctx, rn, brief)

	state, status := StateDone, datatypes.ResponseOK
	switch {
	case last.State != validation.StateAccepted:
		state, status = StateDegraded, datatypes.ResponseDegraded
	case rn.retrievalFailed:
		state, status = StateDegraded, datatypes.ResponseDegraded
	case brief.KnownEvidentiary() == 0:
		status = datatypes.ResponseUnknown
	}
	return r.finish(ctx, rn, brief, state, status), nil
}

// advance moves the run to state to and observes the time spent in the
// state it leaves.
func (r *Runner) advance(rn *run, to State) {
	if err := checkTransition(rn.state, to); err != nil {
		r.logger.Error("Runner state transition failed", "request_id", rn.req.RequestID, "error", err)
	}
	now := r.c.Clock()
	r.c.Metrics.Stage(string(rn.state), now.Sub(rn.entered))
	rn.state = to
	rn.entered = now
	r.c.Recorder.State(rn.req.RequestID, string(to))
}

// retrieve fans out the independent subgoals and applies their outcomes
// to the plan once all have joined. It returns an error only for an
// unauthorized call or an ended context; late results are discarded.
func (r *Runner) retrieve(ctx context.Context, rn *run) error {
	subgoals := rn.plan.Independent()
	results := make([]subgoalResult, len(subgoals))
	inv := gateway.Invocation{RequestID: rn.req.RequestID, Caller: rn.req.Caller, Budget: rn.tracker}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxParallel)
	for i, sg := range subgoals {
		sg.Status = datatypes.SubgoalRetrieving
		name := sg.Name
		g.Go(func() error {
			if err := rn.tracker.CheckWallClock(); err != nil {
				results[i] = subgoalResult{err: err}
				return nil
			}
			res, err := r.c.Router.Retrieve(gctx, inv, rn.req.VendorID, name)
			results[i] = subgoalResult{res: res, err: err}
			if faults.Is(err, faults.KindUnauthorized) {
				return err
			}
			return nil
		})
	}
	werr := g.Wait()
	for _, out := range results {
		if out.res == nil {
			continue
		}
		for _, call := range out.res.Calls {
			r.c.Recorder.ToolCall(rn.req.RequestID, call)
			r.c.Metrics.ToolCall(call.Tool, call.Outcome)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if werr != nil {
		return werr
	}

	for i, sg := range subgoals {
		out := results[i]
		if out.err == nil && out.res == nil {
			out.res = &retrieval.Result{Subgoal: sg.Name}
		}
		switch {
		case out.err == nil && out.res.Empty():
			rn.plan.Set(sg.Name, datatypes.SubgoalInsufficientEvidence, datatypes.ReasonInsufficientEvidence)
		case out.err == nil:
			rn.plan.Set(sg.Name, datatypes.SubgoalResolved, "")
		case faults.Is(out.err, faults.KindBudgetExceeded):
			rn.budgetHit = true
			rn.plan.Set(sg.Name, datatypes.SubgoalBudgetDenied, datatypes.ReasonBudgetExhausted)
		case faults.Is(out.err, faults.KindSchemaInvalid):
			rn.retrievalFailed = true
			rn.plan.Set(sg.Name, datatypes.SubgoalFailed, datatypes.ReasonSchemaInvalid)
		default:
			rn.retrievalFailed = true
			rn.plan.Set(sg.Name, datatypes.SubgoalFailed, datatypes.ReasonUpstreamUnavailable)
		}
		if out.err != nil {
			r.logger.Warn("Subgoal retrieval failed",
				"request_id", rn.req.RequestID,
				"subgoal", sg.Name,
				"error_code", faults.CodeOf(out.err),
				"error", out.err)
		}
	}

	// Results are joined; the citation set can be built now.
	for i, sg := range subgoals {
		if sg.Status != datatypes.SubgoalResolved {
			continue
		}
		if kept := r.sanitize(rn, sg.Name, results[i].res); kept == 0 {
			rn.plan.Set(sg.Name, datatypes.SubgoalInsufficientEvidence, datatypes.ReasonInsufficientEvidence)
		}
	}
	r.c.Recorder.Retrieved(rn.req.RequestID, rn.cites.Sorted())
	r.c.Recorder.Plan(rn.req.RequestID, rn.plan)
	return nil
}

// sanitize passes one subgoal's evidence through the sanitizer and
// returns how many snippets survived.
func (r *Runner) sanitize(rn *run, subgoal datatypes.SubgoalName, res *retrieval.Result) int {
	if rn.cites == nil {
		rn.cites = datatypes.NewCitationSet()
	}
	kept := 0
	for _, snip := range res.Evidence() {
		out := r.c.Sanitizer.Sanitize(snip, subgoal)
		if len(out.Rules) > 0 {
			rn.injection = true
			r.c.Recorder.Injection(rn.req.RequestID, datatypes.InjectionRecord{
				Citation: snip.Citation(),
				Rules:    out.Rules,
				Dropped:  out.Dropped,
			})
			r.c.Metrics.Injection(out.Dropped)
		}
		if out.Dropped {
			continue
		}
		rn.evidence = append(rn.evidence, out.Evidence)
		rn.cites.Add(out.Evidence.Citation)
		kept++
	}
	rn.facts.Merge(res.Facts)
	return kept
}

// prepareEvidence keeps only the structured rows whose rendering survived
// the sanitizer and grades PII risk from the risk evidence.
func (r *Runner) prepareEvidence(rn *run) {
	if rn.cites == nil {
		rn.cites = datatypes.NewCitationSet()
	}
	rn.facts = rn.facts.Distinct().Retain(rn.cites)

	if r.c.Policy == nil {
		return
	}
	var texts []string
	for _, ev := range rn.evidence {
		if ev.Subgoal == datatypes.SubgoalRisk {
			texts = append(texts, ev.Plain)
		}
	}
	if len(texts) > 0 {
		rn.piiRisk = r.c.Policy.PIIRisk(texts...)
	}
}

// synthesizeAndValidate runs attempts until the validator accepts,
// degrades, or the attempt bound is reached. After a budget denial in
// retrieval only one attempt is made. On error the last completed pass,
// if any, is returned with it.
func (r *Runner) synthesizeAndValidate(ctx context.Context, rn *run) (*validation.Result, error) {
	maxAttempts := r.c.Validator.MaxAttempts()
	if rn.budgetHit {
		maxAttempts = 1
	}

	var (
		last       *validation.Result
		previous   json.RawMessage
		correction *datatypes.CorrectionNote
	)
	for attempt := 1; ; attempt++ {
		r.advance(rn, StateSynthesizing)
		out, err := r.c.Synthesizer.Synthesize(ctx, synthesis.Input{
			VendorID:   rn.req.VendorID,
			Plan:       rn.plan,
			Evidence:   rn.evidence,
			Facts:      rn.facts,
			PIIRisk:    rn.piiRisk,
			Attempt:    attempt,
			Correction: correction,
			Previous:   previous,
			Budget:     rn.tracker,
			Reasoner:   rn.req.Reasoner,
		})
		if err != nil {
			return last, err
		}
		rn.attempts = attempt
		r.c.Metrics.Tokens("synthesis", out.Tokens)
		r.c.Recorder.Event(rn.req.RequestID, "synthesis", "attempt complete", map[string]any{
			"attempt":   attempt,
			"tokens":    out.Tokens,
			"backend":   out.Backend,
			"fell_back": out.FellBack,
		})

		r.advance(rn, StateValidating)
		res := r.c.Validator.Validate(out.Raw, rn.cites, attempt)
		last = &res
		record := datatypes.ValidationRecord{Attempt: attempt, Outcome: string(res.State)}
		for _, f := range res.Failures {
			record.Failures = append(record.Failures, f.Diagnostic())
		}
		r.c.Recorder.Validation(rn.req.RequestID, record)
		r.c.Metrics.Validation(string(res.State))

		if res.State != validation.StateRetry || attempt >= maxAttempts {
			return last, nil
		}
		r.logger.Info("Retrying synthesis with correction",
			"request_id", rn.req.RequestID,
			"attempt", attempt,
			"fields", res.Correction.Fields())
		correction = res.Correction
		previous = out.Raw
	}
}

// draft composes draft_email from the validated brief.
func (r *Runner) draft(ctx context.Context, rn *run, brief *datatypes.Brief) {
	before := rn.tracker.Snapshot().Tokens
	d := r.c.Drafter.Draft(ctx, brief, rn.tracker)
	r.c.Metrics.Tokens("draft", rn.tracker.Snapshot().Tokens-before)

	brief.DraftEmail = d.Section
	attrs := map[string]any{"source": d.Source, "known": d.Section.IsKnown()}
	if d.Rejected != nil {
		attrs["rejected_reason"] = d.Rejected.Reason
		attrs["rejected_detail"] = d.Rejected.Detail
	}
	r.c.Recorder.Event(rn.req.RequestID, "draft", "draft composed", attrs)

	if d.Section.IsKnown() {
		rn.plan.Set(datatypes.SubgoalDraftEmail, datatypes.SubgoalResolved, "")
	} else {
		rn.plan.Set(datatypes.SubgoalDraftEmail, datatypes.SubgoalInsufficientEvidence, d.Section.Reason)
	}
}

// abort ends the run early. Sections that passed the last completed
// validation are kept; everything else is unknown with the abort reason.
func (r *Runner) abort(ctx context.Context, rn *run, last *validation.Result, cause error) *datatypes.BriefResponse {
	status, reason := datatypes.ResponseTemporarilyUnavailable, datatypes.ReasonUpstreamUnavailable
	switch {
	case ctx.Err() != nil, errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, context.Canceled),
		faults.Is(cause, faults.KindBudgetExceeded):
		status, reason = datatypes.ResponseBudgetExhausted, datatypes.ReasonBudgetExhausted
	}
	r.logger.Warn("Brief request aborted",
		"request_id", rn.req.RequestID,
		"state", rn.state,
		"status", status,
		"error_code", faults.CodeOf(cause),
		"error", cause)
	r.c.Recorder.Event(rn.req.RequestID, "runner", "aborted", map[string]any{
		"state":      string(rn.state),
		"error_code": faults.CodeOf(cause),
	})

	for _, sg := range rn.plan.Subgoals {
		if !sg.Status.Terminal() {
			rn.plan.Set(sg.Name, datatypes.SubgoalBudgetDenied, reason)
		}
	}

	brief := datatypes.NewUnknownBrief(rn.req.VendorID, reason)
	if last != nil {
		kept := datatypes.NewUnknownBrief(rn.req.VendorID, reason)
		kept.ApplyBody(last.Body)
		for _, f := range last.Passed {
			brief.CopySection(f, kept)
		}
	}
	return r.finish(ctx, rn, brief, StateAborted, status)
}

// finish records the terminal state and builds the response.
func (r *Runner) finish(ctx context.Context, rn *run, brief *datatypes.Brief, state State, status datatypes.ResponseStatus) *datatypes.BriefResponse {
	r.advance(rn, state)

	seen := map[datatypes.FieldName]bool{}
	for _, d := range rn.diagnostics {
		seen[d.Field] = true
	}
	for _, f := range append(append([]datatypes.FieldName(nil), datatypes.EvidentiaryFields...), datatypes.FieldDraftEmail) {
		sec := brief.Section(f)
		if sec.IsKnown() || seen[f] {
			continue
		}
		rn.diagnostics = append(rn.diagnostics, datatypes.FieldDiagnostic{Field: f, Reason: sec.UnknownReason()})
	}

	usage := rn.tracker.Snapshot()
	resp := &datatypes.BriefResponse{
		Status:            status,
		RequestID:         rn.req.RequestID,
		VendorID:          rn.req.VendorID,
		Brief:             brief,
		Diagnostics:       append([]datatypes.FieldDiagnostic{}, rn.diagnostics...),
		InjectionDetected: rn.injection,
		Attempts:          rn.attempts,
		Budget:            usage,
		GeneratedAt:       r.c.Clock().UTC(),
	}

	r.c.Recorder.Plan(rn.req.RequestID, rn.plan)
	r.c.Recorder.Finish(context.WithoutCancel(ctx), rn.req.RequestID, status, usage, resp.Diagnostics)
	r.c.Metrics.Response(string(status))
	r.c.Metrics.CitationCoverage(brief.KnownEvidentiary(), len(datatypes.EvidentiaryFields))

	r.logger.Info("Brief request finished",
		"request_id", rn.req.RequestID,
		"vendor_id", rn.req.VendorID,
		"status", status,
		"attempts", rn.attempts,
		"known_sections", brief.KnownEvidentiary(),
		"tool_calls", usage.ToolCalls,
		"tokens", usage.Tokens,
		"injection_detected", rn.injection)
	return resp
}
