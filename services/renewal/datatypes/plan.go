// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// SubgoalName identifies one unit of work in a plan.
type SubgoalName string

const (
	SubgoalTerms       SubgoalName = "terms"
	SubgoalPricing     SubgoalName = "pricing"
	SubgoalUsage       SubgoalName = "usage"
	SubgoalRisk        SubgoalName = "risk"
	SubgoalNegotiation SubgoalName = "negotiation"
	SubgoalDraftEmail  SubgoalName = "draft_email"
)

// Field returns the brief field the subgoal fills.
func (n SubgoalName) Field() FieldName {
	switch n {
	case SubgoalTerms:
		return FieldRenewalTerms
	case SubgoalPricing:
		return FieldPricing
	case SubgoalUsage:
		return FieldUsage
	case SubgoalRisk:
		return FieldRiskFlags
	case SubgoalNegotiation:
		return FieldNegotiationPlan
	case SubgoalDraftEmail:
		return FieldDraftEmail
	}
	return ""
}

// SubgoalStatus tracks a subgoal through retrieval.
type SubgoalStatus string

const (
	SubgoalPending              SubgoalStatus = "pending"
	SubgoalRetrieving           SubgoalStatus = "retrieving"
	SubgoalResolved             SubgoalStatus = "resolved"
	SubgoalInsufficientEvidence SubgoalStatus = "insufficient_evidence"
	SubgoalBudgetDenied         SubgoalStatus = "budget_denied"
	SubgoalFailed               SubgoalStatus = "failed"
)

// Terminal reports whether no further retrieval will happen.
func (s SubgoalStatus) Terminal() bool {
	return s != SubgoalPending && s != SubgoalRetrieving
}

// Subgoal is one planned unit of work.
type Subgoal struct {
	Name   SubgoalName   `json:"name"`
	Status SubgoalStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`

	// DependsOn lists subgoals that must be terminal first.
	DependsOn []SubgoalName `json:"depends_on,omitempty"`
}

// Plan is created once per request and mutated only by the runner that
// owns it. It is never shared across requests.
type Plan struct {
	RequestID string     `json:"request_id"`
	Subgoals  []*Subgoal `json:"subgoals"`
}

// Get returns the subgoal with the given name, or nil.
func (p *Plan) Get(name SubgoalName) *Subgoal {
	for _, s := range p.Subgoals {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Independent returns subgoals with no dependencies, in plan order.
func (p *Plan) Independent() []*Subgoal {
	var out []*Subgoal
	for _, s := range p.Subgoals {
		if len(s.DependsOn) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// Set updates a subgoal's status.
func (p *Plan) Set(name SubgoalName, status SubgoalStatus, reason string) {
	if s := p.Get(name); s != nil {
		s.Status = status
		s.Reason = reason
	}
}

// Clone returns a deep copy for traces.
func (p *Plan) Clone() *Plan {
	out := &Plan{RequestID: p.RequestID, Subgoals: make([]*Subgoal, len(p.Subgoals))}
	for i, s := range p.Subgoals {
		cp := *s
		cp.DependsOn = append([]SubgoalName(nil), s.DependsOn...)
		out.Subgoals[i] = &cp
	}
	return out
}
