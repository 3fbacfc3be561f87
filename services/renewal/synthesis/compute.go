// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"math"
	"sort"
	"strconv"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
)

// Negotiation heuristic constants.
const (
	// AutoRenewSoonDays flags notice windows at or below this length.
	AutoRenewSoonDays = 60

	deepUnderuseDelta = -10.0
	deepDiscountPct   = 10.0
	baseDiscountPct   = 5.0
	walkawayMarginPct = 5.0
)

// Negotiation levers.
const (
	LeverUsageBelow = "Usage below contracted seats"
	LeverUsageFlat  = "Usage steady"
	LeverUplift     = "Seek uplift waiver"
	LeverMultiYear  = "Consider multi-year stabilization"
)

type termValue struct {
	value string
	cite  datatypes.Citation
}

// termIndex maps a term key to the first value found for it.
type termIndex map[string]termValue

func (t termIndex) intTerm(key string) (int, datatypes.Citation, bool) {
	v, ok := t[key]
	if !ok {
		return 0, datatypes.Citation{}, false
	}
	n, err := strconv.Atoi(v.value)
	return n, v.cite, err == nil
}

func (t termIndex) floatTerm(key string) (float64, datatypes.Citation, bool) {
	v, ok := t[key]
	if !ok {
		return 0, datatypes.Citation{}, false
	}
	f, err := strconv.ParseFloat(v.value, 64)
	return f, v.cite, err == nil
}

// readTerms reads contract terms from sanitized evidence text, then from
// structured term rows. Evidence is read in the order given, so the
// first snippet that states a term is the one cited.
func readTerms(evidence []datatypes.Evidence, facts datatypes.Facts) termIndex {
	idx := termIndex{}
	for _, ev := range evidence {
		for _, t := range ingest.ExtractTerms("", ev.Citation.DocID, []string{ev.Plain}) {
			if _, ok := idx[t.Key]; !ok {
				idx[t.Key] = termValue{value: t.Value, cite: ev.Citation}
			}
		}
	}
	for _, t := range facts.Terms {
		if _, ok := idx[t.Key]; !ok {
			idx[t.Key] = termValue{value: t.Value, cite: t.Citation}
		}
	}
	return idx
}

// citeSet collects distinct citations in insertion order.
type citeSet struct {
	seen map[string]bool
	list []datatypes.Citation
}

func (c *citeSet) add(cs ...datatypes.Citation) {
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	for _, x := range cs {
		if !c.seen[x.Key()] {
			c.seen[x.Key()] = true
			c.list = append(c.list, x)
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func insufficient[T any]() datatypes.Section[T] {
	return datatypes.Unknown[T](datatypes.ReasonInsufficientEvidence)
}

func termsSection(t termIndex) datatypes.Section[datatypes.RenewalTerms] {
	var v datatypes.RenewalTerms
	var cites citeSet
	if s, ok := t[datatypes.TermStart]; ok {
		v.TermStart = s.value
		cites.add(s.cite)
	}
	if e, ok := t[datatypes.TermEnd]; ok {
		v.TermEnd = e.value
		cites.add(e.cite)
	}
	if n, c, ok := t.intTerm(datatypes.TermNoticeDays); ok {
		v.NoticeWindowDays = &n
		cites.add(c)
	}
	if a, ok := t[datatypes.TermAutoRenew]; ok {
		auto := a.value == "true"
		v.AutoRenew = &auto
		cites.add(a.cite)
	}
	if len(cites.list) == 0 {
		return insufficient[datatypes.RenewalTerms]()
	}
	return datatypes.Known(v, cites.list...)
}

// pricingSection sums invoice rows. Without invoices it falls back to
// the contract's stated price and licensed seats.
func pricingSection(facts datatypes.Facts, t termIndex) datatypes.Section[datatypes.Pricing] {
	var v datatypes.Pricing
	var cites citeSet

	if len(facts.Invoices) > 0 {
		var total float64
		var seatSum, seatRows int
		for _, r := range facts.Invoices {
			total += r.AmountUSD
			if r.Seats > 0 {
				seatSum += r.Seats
				seatRows++
			}
			cites.add(r.Citation)
		}
		v.AnnualSpendUSD = round2(total)
		if seatRows > 0 {
			v.AvgSeats = round2(float64(seatSum) / float64(seatRows))
		}
	} else {
		price, c, ok := t.floatTerm(datatypes.TermStatedPriceUSD)
		if !ok {
			return insufficient[datatypes.Pricing]()
		}
		v.AnnualSpendUSD = round2(price)
		cites.add(c)
		if seats, sc, ok := t.intTerm(datatypes.TermLicensedSeats); ok {
			v.AvgSeats = float64(seats)
			cites.add(sc)
		}
	}

	if pct, c, ok := t.floatTerm(datatypes.TermUpliftPct); ok {
		v.UpliftClausePct = &pct
		cites.add(c)
	}
	return datatypes.Known(v, cites.list...)
}

// latestUsage returns the row with the greatest period; ties go to the
// later row.
func latestUsage(rows []datatypes.UsageRow) (datatypes.UsageRow, bool) {
	if len(rows) == 0 {
		return datatypes.UsageRow{}, false
	}
	sorted := append([]datatypes.UsageRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Period < sorted[j].Period })
	return sorted[len(sorted)-1], true
}

func usageSection(facts datatypes.Facts) datatypes.Section[datatypes.UsageInsights] {
	row, ok := latestUsage(facts.Usage)
	if !ok || row.AllocatedSeats <= 0 {
		return insufficient[datatypes.UsageInsights]()
	}
	delta := float64(row.ActiveSeats-row.AllocatedSeats) / float64(row.AllocatedSeats) * 100
	return datatypes.Known(datatypes.UsageInsights{
		AllocatedSeats: row.AllocatedSeats,
		ActiveSeats:    row.ActiveSeats,
		DeltaPercent:   round2(delta),
	}, row.Citation)
}

func riskSection(t termIndex, piiRisk string) datatypes.Section[datatypes.RiskFlags] {
	v := datatypes.RiskFlags{PIIRisk: piiRisk}
	if v.PIIRisk == "" {
		v.PIIRisk = "low"
	}
	var cites citeSet
	if n, c, ok := t.intTerm(datatypes.TermNoticeDays); ok {
		v.AutoRenewSoon = n <= AutoRenewSoonDays
		cites.add(c)
	}
	if m, c, ok := t.intTerm(datatypes.TermLiabilityCap); ok {
		v.LiabilityCapMultiple = &m
		cites.add(c)
	}
	if d, ok := t[datatypes.TermDPAStatus]; ok {
		v.DPAStatus = d.value
		cites.add(d.cite)
	}
	if len(cites.list) == 0 {
		return insufficient[datatypes.RiskFlags]()
	}
	return datatypes.Known(v, cites.list...)
}

// negotiationSection derives the ask from usage and the uplift clause.
// It is cited by the usage row, the uplift clause and the best
// commercial snippet.
func negotiationSection(usage datatypes.Section[datatypes.UsageInsights], t termIndex, evidence []datatypes.Evidence) datatypes.Section[datatypes.NegotiationPlan] {
	v := datatypes.NegotiationPlan{TargetDiscountPct: baseDiscountPct}
	var cites citeSet

	if usage.IsKnown() {
		delta := usage.Value.DeltaPercent
		if delta < deepUnderuseDelta {
			v.TargetDiscountPct = deepDiscountPct
		}
		if delta < 0 {
			v.Levers = append(v.Levers, LeverUsageBelow)
		} else {
			v.Levers = append(v.Levers, LeverUsageFlat)
		}
		cites.add(usage.Citations...)
	}
	if _, c, ok := t.floatTerm(datatypes.TermUpliftPct); ok {
		v.Levers = append(v.Levers, LeverUplift)
		cites.add(c)
	}
	for _, ev := range evidence {
		if ev.Subgoal == datatypes.SubgoalNegotiation {
			cites.add(ev.Citation)
			break
		}
	}
	if len(cites.list) == 0 {
		return insufficient[datatypes.NegotiationPlan]()
	}
	v.Levers = append(v.Levers, LeverMultiYear)
	v.WalkawayDeltaPct = v.TargetDiscountPct + walkawayMarginPct
	return datatypes.Known(v, cites.list...)
}

// ComputeBody derives every evidentiary section from sanitized evidence
// and structured rows. Identical inputs give identical output.
func ComputeBody(evidence []datatypes.Evidence, facts datatypes.Facts, piiRisk string) datatypes.BriefBody {
	terms := readTerms(evidence, facts)
	usage := usageSection(facts)
	return datatypes.BriefBody{
		RenewalTerms:    termsSection(terms),
		Pricing:         pricingSection(facts, terms),
		Usage:           usage,
		RiskFlags:       riskSection(terms, piiRisk),
		NegotiationPlan: negotiationSection(usage, terms, evidence),
	}
}
