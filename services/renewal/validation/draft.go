// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// draft_email carries no citations of its own. Instead every figure it
// states must come from a section that was accepted in the same brief.

var figureRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// CheckDraft returns nil when the draft only states accepted figures and
// repeats no directive. Otherwise it returns the failure to report.
func (v *Validator) CheckDraft(draft datatypes.DraftEmail, brief *datatypes.Brief) *datatypes.FieldFailure {
	text := draft.Subject + "\n" + draft.Body
	if strings.TrimSpace(draft.Subject) == "" || strings.TrimSpace(draft.Body) == "" {
		return &datatypes.FieldFailure{Field: datatypes.FieldDraftEmail, Reason: datatypes.ReasonSchemaInvalid, Detail: "subject and body are required"}
	}
	if v.detector != nil && v.detector.ContainsDirective(text) {
		return &datatypes.FieldFailure{Field: datatypes.FieldDraftEmail, Reason: datatypes.ReasonInjectionEcho, Detail: "draft repeats a directive"}
	}

	// Identifiers such as vendor_123 are not figures.
	if brief.VendorID != "" {
		text = replaceFold(text, brief.VendorID, " ")
	}
	allowed := acceptedFigures(brief)
	var unsupported []string
	for _, m := range figureRe.FindAllString(text, -1) {
		if !supported(m, allowed) {
			unsupported = append(unsupported, m)
		}
	}
	if len(unsupported) > 0 {
		return &datatypes.FieldFailure{
			Field:  datatypes.FieldDraftEmail,
			Reason: datatypes.ReasonDraftUnsupported,
			Detail: fmt.Sprintf("figures not in accepted sections: %s", strings.Join(unsupported, ", ")),
		}
	}
	return nil
}

// supported reports whether figure equals an accepted value rounded to
// the figure's own precision.
func supported(figure string, allowed []float64) bool {
	clean := strings.ReplaceAll(figure, ",", "")
	n, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return false
	}
	decimals := 0
	if i := strings.IndexByte(clean, '.'); i >= 0 {
		decimals = len(clean) - i - 1
	}
	scale := math.Pow(10, float64(decimals))
	for _, a := range allowed {
		if math.Abs(math.Round(a*scale)/scale-n) < 1e-9 {
			return true
		}
	}
	return false
}

// acceptedFigures lists every number a known section states.
func acceptedFigures(b *datatypes.Brief) []float64 {
	var out []float64
	add := func(vs ...float64) {
		for _, v := range vs {
			out = append(out, v, math.Abs(v))
		}
	}
	if b.RenewalTerms.IsKnown() {
		t := b.RenewalTerms.Value
		if t.NoticeWindowDays != nil {
			add(float64(*t.NoticeWindowDays))
		}
		for _, d := range []string{t.TermStart, t.TermEnd} {
			for _, part := range strings.Split(d, "-") {
				if n, err := strconv.Atoi(part); err == nil {
					add(float64(n))
				}
			}
		}
	}
	if b.Pricing.IsKnown() {
		p := b.Pricing.Value
		add(p.AnnualSpendUSD, p.AvgSeats)
		if p.UpliftClausePct != nil {
			add(*p.UpliftClausePct)
		}
	}
	if b.Usage.IsKnown() {
		u := b.Usage.Value
		add(float64(u.AllocatedSeats), float64(u.ActiveSeats), u.DeltaPercent)
	}
	if b.RiskFlags.IsKnown() && b.RiskFlags.Value.LiabilityCapMultiple != nil {
		add(float64(*b.RiskFlags.Value.LiabilityCapMultiple))
	}
	if b.NegotiationPlan.IsKnown() {
		n := b.NegotiationPlan.Value
		add(n.TargetDiscountPct, n.WalkawayDeltaPct)
	}
	return out
}

func replaceFold(s, old, repl string) string {
	if old == "" {
		return s
	}
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(old))
	return re.ReplaceAllString(s, repl)
}
