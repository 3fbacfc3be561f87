// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package synthesis turns sanitized evidence into a raw brief body.
//
// A Synthesizer runs once per validation attempt. It charges the request
// budget, calls the configured Reasoner with bounded upstream retries and
// pins the sections that must not depend on the reasoner: subgoals that
// found no evidence, and the pricing and usage figures computed from
// structured rows.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/validation"
)

var tracer = otel.Tracer("renewal.synthesis")

// Reasoner kinds a request may select.
const (
	ReasonerHeuristic = "heuristic"
	ReasonerLLM       = "llm"
)

// DefaultPolicyPrompt is the instruction block every reasoner sees.
const DefaultPolicyPrompt = `You prepare SaaS renewal briefs for a procurement team.
Fill renewal_terms, pricing, usage, risk_flags and negotiation_plan from the evidence only.
Never invent figures, dates or clauses. Prefer "unknown" over a guess.`

// Config bounds one synthesis attempt.
type Config struct {
	// MaxOutputTokens caps the reasoner's answer. Exceeding it is a budget
	// failure, not a validation failure.
	MaxOutputTokens int `yaml:"max_output_tokens" validate:"gte=1"`

	// AttemptTimeout bounds one attempt including upstream retries.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gte=0"`

	// USDPer1KTokens prices token usage for the cost budget.
	USDPer1KTokens float64 `yaml:"usd_per_1k_tokens" validate:"gte=0"`

	Backoff faults.Backoff `yaml:"-"`

	// PromptVersion is recorded in traces and feeds the brief cache key.
	PromptVersion string `yaml:"prompt_version"`

	PolicyPrompt string `yaml:"policy_prompt"`
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutputTokens: 1024,
		AttemptTimeout:  20 * time.Second,
		USDPer1KTokens:  0.0001,
		Backoff:         faults.DefaultBackoff(),
		PromptVersion:   "v0",
		PolicyPrompt:    DefaultPolicyPrompt,
	}
}

// Input is one synthesis attempt.
type Input struct {
	VendorID string
	Plan     *datatypes.Plan
	Evidence []datatypes.Evidence
	Facts    datatypes.Facts
	PIIRisk  string

	// Attempt is 1-based. Attempts above 1 carry the validator's note and
	// the previous raw output.
	Attempt    int
	Correction *datatypes.CorrectionNote
	Previous   json.RawMessage

	// Budget is charged for tokens and cost. Nil means unmetered.
	Budget *budget.Tracker

	// Reasoner selects a configured reasoner kind for this attempt.
	// Empty uses the primary.
	Reasoner string
}

// Output is the raw, pinned brief body of one attempt.
type Output struct {
	Raw      json.RawMessage
	Tokens   int64
	CostUSD  float64
	Backend  string
	FellBack bool
}

// Synthesizer runs reasoning attempts.
//
// # Description
//
// The reasoner is chosen by configuration. When fallback is non-nil an
// upstream failure that survives the retry loop is answered by fallback
// instead of failing the attempt.
//
// # Thread Safety
//
// Safe for concurrent use if the reasoners are.
type Synthesizer struct {
	reasoner Reasoner
	fallback Reasoner
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates a Synthesizer. Zero config fields take DefaultConfig values.
func New(reasoner Reasoner, fallback Reasoner, cfg Config, logger *slog.Logger) *Synthesizer {
	def := DefaultConfig()
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = def.PromptVersion
	}
	if cfg.PolicyPrompt == "" {
		cfg.PolicyPrompt = def.PolicyPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		reasoner: reasoner,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger.With("component", "synthesizer"),
	}
}

// WithMetrics counts reasoner failures on m.
func (s *Synthesizer) WithMetrics(m *observability.Metrics) *Synthesizer {
	s.metrics = m
	return s
}

// PromptVersion returns the configured prompt version.
func (s *Synthesizer) PromptVersion() string { return s.cfg.PromptVersion }

// Backend names the primary reasoner.
func (s *Synthesizer) Backend() string { return s.reasoner.Name() }

// BackendFor names the reasoner that kind selects, or "" if no
// configured reasoner is of that kind. Empty kind selects the primary.
func (s *Synthesizer) BackendFor(kind string) string {
	r, _ := s.pick(kind)
	if r == nil {
		return ""
	}
	return r.Name()
}

// Supports reports whether kind selects a configured reasoner.
func (s *Synthesizer) Supports(kind string) bool {
	return s.BackendFor(kind) != ""
}

// pick returns the reasoner for kind and the fallback to use with it.
func (s *Synthesizer) pick(kind string) (Reasoner, Reasoner) {
	if kind == "" || kind == kindOf(s.reasoner) {
		return s.reasoner, s.fallback
	}
	if s.fallback != nil && kind == kindOf(s.fallback) {
		return s.fallback, nil
	}
	return nil, nil
}

func kindOf(r Reasoner) string {
	if _, ok := r.(*HeuristicReasoner); ok {
		return ReasonerHeuristic
	}
	return ReasonerLLM
}

// Synthesize runs one attempt.
//
// # Outputs
//
//   - Output: the pinned raw body. It may still fail validation.
//   - error: faults.KindBudgetExceeded when a reservation is denied, the
//     attempt times out or the answer exceeds the output ceiling;
//     faults.KindUpstream when the reasoner stays unavailable;
//     faults.KindSchemaInvalid when in.Reasoner selects no configured
//     reasoner; the context error when ctx ends.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*Output, error) {
	ctx, span := tracer.Start(ctx, "synthesis.attempt")
	defer span.End()

	reasoner, fallback := s.pick(in.Reasoner)
	if reasoner == nil {
		span.SetStatus(codes.Error, "unsupported reasoner")
		return nil, faults.SchemaInvalid("unsupported_reasoner", "reasoner %q is not configured", in.Reasoner)
	}
	span.SetAttributes(
		attribute.String("vendor_id", in.VendorID),
		attribute.Int("attempt", in.Attempt),
		attribute.String("reasoner", reasoner.Name()),
	)

	req := ReasoningRequest{
		VendorID:   in.VendorID,
		Prompt:     s.cfg.PolicyPrompt,
		Context:    in.Evidence,
		Facts:      in.Facts,
		Schema:     validation.BriefSchema(),
		MaxTokens:  s.cfg.MaxOutputTokens,
		PIIRisk:    in.PIIRisk,
		Previous:   in.Previous,
		Correction: in.Correction,
	}

	tokenRes, costRes, err := s.reserve(in.Budget, req)
	if err != nil {
		span.SetStatus(codes.Error, "budget denied")
		return nil, err
	}

	completion, fellBack, err := s.complete(ctx, reasoner, fallback, req)
	if err != nil {
		tokenRes.Release()
		costRes.Release()
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("tokens", completion.Tokens),
		attribute.String("backend", completion.Backend),
	)

	// An answer over the output ceiling spent its whole reservation.
	// Anything beyond that goes into the error, never into the counters.
	if out := budget.EstimateTokens(completion.Text); out > int64(s.cfg.MaxOutputTokens) {
		tokenRes.CommitReserved()
		costRes.CommitReserved()
		span.SetAttributes(attribute.Int64("output_tokens", out))
		span.SetStatus(codes.Error, "output ceiling")
		return nil, faults.New(faults.KindBudgetExceeded, "output_tokens",
			"reasoner returned %d tokens, ceiling is %d", out, s.cfg.MaxOutputTokens)
	}

	if over := tokenRes.Commit(completion.Tokens); over > 0 {
		s.logger.Warn("Reasoner usage above reservation",
			"vendor_id", in.VendorID,
			"tokens", completion.Tokens,
			"overshoot", over,
		)
	}
	cost := budget.CostForTokens(completion.Tokens, s.cfg.USDPer1KTokens)
	costRes.Commit(budget.USDToMicros(cost))

	raw := Pin([]byte(completion.Text), in.Plan, ComputeBody(in.Evidence, in.Facts, in.PIIRisk), in.Facts)
	return &Output{
		Raw:      raw,
		Tokens:   completion.Tokens,
		CostUSD:  cost,
		Backend:  completion.Backend,
		FellBack: fellBack,
	}, nil
}

// reserve claims tokens and cost for the prompt plus the full output
// ceiling. Both reservations are nil when tracker is nil.
func (s *Synthesizer) reserve(tracker *budget.Tracker, req ReasoningRequest) (*budget.Reservation, *budget.Reservation, error) {
	if tracker == nil {
		return nil, nil, nil
	}
	if err := tracker.CheckWallClock(); err != nil {
		return nil, nil, err
	}
	estimate := budget.EstimateTokens(BuildPrompt(req)) + int64(s.cfg.MaxOutputTokens)
	tokenRes, err := tracker.Reserve(budget.KindTokens, estimate)
	if err != nil {
		return nil, nil, err
	}
	costRes, err := tracker.ReserveCostUSD(budget.CostForTokens(estimate, s.cfg.USDPer1KTokens))
	if err != nil {
		tokenRes.Release()
		return nil, nil, err
	}
	return tokenRes, costRes, nil
}

// complete calls reasoner under the attempt timeout with upstream
// retries, then falls back if fallback is non-nil.
func (s *Synthesizer) complete(ctx context.Context, reasoner, fallback Reasoner, req ReasoningRequest) (Completion, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	var completion Completion
	err := faults.Retry(attemptCtx, s.cfg.Backoff, "synthesis", func(ctx context.Context) error {
		c, err := reasoner.Complete(ctx, req)
		if err != nil {
			if ctx.Err() == nil {
				s.metrics.LLMError(errorReason(err))
			}
			return err
		}
		completion = c
		return nil
	})
	if err == nil {
		return completion, false, nil
	}

	// The caller's context ending is not this attempt's fault.
	if ctx.Err() != nil {
		return Completion{}, false, ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		s.metrics.LLMError("attempt_timeout")
		return Completion{}, false, faults.Wrap(
			fmt.Errorf("synthesis attempt exceeded %s", s.cfg.AttemptTimeout),
			faults.KindBudgetExceeded, "attempt_timeout")
	}
	if fallback != nil && faults.Is(err, faults.KindUpstream) {
		s.logger.Warn("Reasoner unavailable, using fallback",
			"reasoner", reasoner.Name(),
			"fallback", fallback.Name(),
			"error", err,
		)
		c, ferr := fallback.Complete(ctx, req)
		if ferr != nil {
			s.metrics.LLMError(errorReason(ferr))
			return Completion{}, false, ferr
		}
		return c, true, nil
	}
	if faults.KindOf(err) == "" {
		err = faults.Permanent(faults.Upstream(err, "reasoner"))
	}
	return Completion{}, false, err
}

// errorReason labels a reasoner failure by its fault code.
func errorReason(err error) string {
	if code := faults.CodeOf(err); code != "" {
		return code
	}
	return "unclassified"
}

// Pin overrides reasoner output where the answer is already decided.
//
//   - A field whose subgoal is not resolved is unknown with the
//     subgoal's reason.
//   - pricing and usage come from computed when structured rows exist.
//
// Output that is not a JSON object is returned unchanged so the
// validator reports it.
func Pin(raw []byte, plan *datatypes.Plan, computed datatypes.BriefBody, facts datatypes.Facts) json.RawMessage {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return raw
	}
	set := func(f datatypes.FieldName, v any) {
		if data, err := json.Marshal(v); err == nil {
			top[string(f)] = data
		}
	}

	if len(facts.Invoices) > 0 {
		set(datatypes.FieldPricing, computed.Pricing)
	}
	if len(facts.Usage) > 0 {
		set(datatypes.FieldUsage, computed.Usage)
	}
	if plan != nil {
		for _, sg := range plan.Subgoals {
			f := sg.Name.Field()
			if f == datatypes.FieldDraftEmail || sg.Status == datatypes.SubgoalResolved {
				continue
			}
			set(f, unknownSection{Status: datatypes.StatusUnknown, Citations: []datatypes.Citation{}, Reason: subgoalReason(sg)})
		}
	}

	out, err := json.Marshal(top)
	if err != nil {
		return raw
	}
	return out
}

type unknownSection struct {
	Status    datatypes.SectionStatus `json:"status"`
	Citations []datatypes.Citation    `json:"citations"`
	Reason    string                  `json:"reason"`
}

// subgoalReason maps a terminal subgoal status to a diagnostic reason.
func subgoalReason(sg *datatypes.Subgoal) string {
	switch sg.Status {
	case datatypes.SubgoalBudgetDenied:
		return datatypes.ReasonBudgetExhausted
	case datatypes.SubgoalFailed:
		if sg.Reason != "" {
			return sg.Reason
		}
		return datatypes.ReasonUpstreamUnavailable
	}
	return datatypes.ReasonInsufficientEvidence
}
