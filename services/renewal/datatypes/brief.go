// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"
)

// FieldName is a top-level brief key.
type FieldName string

const (
	FieldRenewalTerms    FieldName = "renewal_terms"
	FieldPricing         FieldName = "pricing"
	FieldUsage           FieldName = "usage"
	FieldRiskFlags       FieldName = "risk_flags"
	FieldNegotiationPlan FieldName = "negotiation_plan"
	FieldDraftEmail      FieldName = "draft_email"
)

// EvidentiaryFields are the fields that require citations, in brief order.
var EvidentiaryFields = []FieldName{
	FieldRenewalTerms,
	FieldPricing,
	FieldUsage,
	FieldRiskFlags,
	FieldNegotiationPlan,
}

// SectionStatus marks whether a section carries a value.
type SectionStatus string

const (
	StatusKnown   SectionStatus = "known"
	StatusUnknown SectionStatus = "unknown"
)

// Section is one brief field.
//
// A known section has a value and, except draft_email, at least one
// citation that resolves to evidence retrieved in the same request. An
// unknown section has no value and a reason.
type Section[T any] struct {
	Status    SectionStatus `json:"status"`
	Value     *T            `json:"value,omitempty"`
	Citations []Citation    `json:"citations"`
	Reason    string        `json:"reason,omitempty"`
}

// Known builds a known section.
func Known[T any](v T, cites ...Citation) Section[T] {
	return Section[T]{Status: StatusKnown, Value: &v, Citations: append([]Citation{}, cites...)}
}

// Unknown builds an unknown section.
func Unknown[T any](reason string) Section[T] {
	return Section[T]{Status: StatusUnknown, Citations: []Citation{}, Reason: reason}
}

// SectionView gives type-erased access to a section for validation.
type SectionView interface {
	IsKnown() bool
	CitationList() []Citation
	SetCitations([]Citation)
	MarkUnknown(reason string)
	ValueAny() any
	UnknownReason() string
}

func (s *Section[T]) IsKnown() bool { return s.Status == StatusKnown && s.Value != nil }

func (s *Section[T]) CitationList() []Citation { return s.Citations }

func (s *Section[T]) SetCitations(cs []Citation) { s.Citations = cs }

func (s *Section[T]) MarkUnknown(reason string) {
	s.Status = StatusUnknown
	s.Value = nil
	s.Citations = []Citation{}
	s.Reason = reason
}

func (s *Section[T]) UnknownReason() string {
	if s.IsKnown() {
		return ""
	}
	return s.Reason
}

func (s *Section[T]) ValueAny() any {
	if s.Value == nil {
		return nil
	}
	return *s.Value
}

// RenewalTerms are the contract's term dates and renewal mechanics.
type RenewalTerms struct {
	TermStart        string `json:"term_start,omitempty"`
	TermEnd          string `json:"term_end,omitempty"`
	NoticeWindowDays *int   `json:"notice_window_days,omitempty"`
	AutoRenew        *bool  `json:"auto_renew,omitempty"`
}

// Pricing summarises spend.
type Pricing struct {
	AnnualSpendUSD  float64  `json:"annual_spend_usd"`
	AvgSeats        float64  `json:"avg_seats"`
	UpliftClausePct *float64 `json:"uplift_clause_pct,omitempty"`
}

// UsageInsights compares allocated and active seats.
type UsageInsights struct {
	AllocatedSeats int     `json:"allocated_seats"`
	ActiveSeats    int     `json:"active_seats"`
	DeltaPercent   float64 `json:"delta_percent"`
}

// RiskFlags are contract risks.
type RiskFlags struct {
	AutoRenewSoon        bool   `json:"auto_renew_soon"`
	LiabilityCapMultiple *int   `json:"liability_cap_multiple,omitempty"`
	DPAStatus            string `json:"dpa_status,omitempty"`
	PIIRisk              string `json:"pii_risk"`
}

// NegotiationPlan is the recommended ask.
type NegotiationPlan struct {
	TargetDiscountPct float64  `json:"target_discount_pct"`
	WalkawayDeltaPct  float64  `json:"walkaway_delta_pct"`
	Levers            []string `json:"levers"`
}

// DraftEmail is the outreach draft. It carries no citations.
type DraftEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Brief is the structured renewal brief.
type Brief struct {
	VendorID        string                   `json:"vendor_id"`
	RenewalTerms    Section[RenewalTerms]    `json:"renewal_terms"`
	Pricing         Section[Pricing]         `json:"pricing"`
	Usage           Section[UsageInsights]   `json:"usage"`
	RiskFlags       Section[RiskFlags]       `json:"risk_flags"`
	NegotiationPlan Section[NegotiationPlan] `json:"negotiation_plan"`
	DraftEmail      Section[DraftEmail]      `json:"draft_email"`
}

// NewUnknownBrief returns a brief with every section unknown.
func NewUnknownBrief(vendorID, reason string) *Brief {
	return &Brief{
		VendorID:        vendorID,
		RenewalTerms:    Unknown[RenewalTerms](reason),
		Pricing:         Unknown[Pricing](reason),
		Usage:           Unknown[UsageInsights](reason),
		RiskFlags:       Unknown[RiskFlags](reason),
		NegotiationPlan: Unknown[NegotiationPlan](reason),
		DraftEmail:      Unknown[DraftEmail](reason),
	}
}

// Section returns the section named f, or nil.
func (b *Brief) Section(f FieldName) SectionView {
	switch f {
	case FieldRenewalTerms:
		return &b.RenewalTerms
	case FieldPricing:
		return &b.Pricing
	case FieldUsage:
		return &b.Usage
	case FieldRiskFlags:
		return &b.RiskFlags
	case FieldNegotiationPlan:
		return &b.NegotiationPlan
	case FieldDraftEmail:
		return &b.DraftEmail
	}
	return nil
}

// CopySection overwrites field f with src's section.
func (b *Brief) CopySection(f FieldName, src *Brief) {
	switch f {
	case FieldRenewalTerms:
		b.RenewalTerms = src.RenewalTerms
	case FieldPricing:
		b.Pricing = src.Pricing
	case FieldUsage:
		b.Usage = src.Usage
	case FieldRiskFlags:
		b.RiskFlags = src.RiskFlags
	case FieldNegotiationPlan:
		b.NegotiationPlan = src.NegotiationPlan
	case FieldDraftEmail:
		b.DraftEmail = src.DraftEmail
	}
}

// KnownEvidentiary counts known evidentiary sections.
func (b *Brief) KnownEvidentiary() int {
	n := 0
	for _, f := range EvidentiaryFields {
		if b.Section(f).IsKnown() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (b *Brief) Clone() *Brief {
	data, err := json.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("brief clone: %v", err))
	}
	var out Brief
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("brief clone: %v", err))
	}
	return &out
}

// BriefBody is the evidentiary part of a brief: the object a reasoner
// must produce. draft_email is composed separately.
type BriefBody struct {
	RenewalTerms    Section[RenewalTerms]    `json:"renewal_terms"`
	Pricing         Section[Pricing]         `json:"pricing"`
	Usage           Section[UsageInsights]   `json:"usage"`
	RiskFlags       Section[RiskFlags]       `json:"risk_flags"`
	NegotiationPlan Section[NegotiationPlan] `json:"negotiation_plan"`
}

// Body returns the brief's evidentiary sections.
func (b *Brief) Body() BriefBody {
	return BriefBody{
		RenewalTerms:    b.RenewalTerms,
		Pricing:         b.Pricing,
		Usage:           b.Usage,
		RiskFlags:       b.RiskFlags,
		NegotiationPlan: b.NegotiationPlan,
	}
}

// ApplyBody overwrites the brief's evidentiary sections with body's.
func (b *Brief) ApplyBody(body BriefBody) {
	b.RenewalTerms = body.RenewalTerms
	b.Pricing = body.Pricing
	b.Usage = body.Usage
	b.RiskFlags = body.RiskFlags
	b.NegotiationPlan = body.NegotiationPlan
}
