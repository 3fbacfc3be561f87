// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/ux"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/eval"
)

func renderBrief(p *ux.Printer, resp *datatypes.BriefResponse) error {
	p.Title(fmt.Sprintf("Renewal brief for %s: %s", resp.VendorID, resp.Status))
	p.Field("request_id", resp.RequestID)
	p.Field("attempts", fmt.Sprint(resp.Attempts))
	p.Field("cached", fmt.Sprint(resp.Cached))
	p.Field("budget", fmt.Sprintf("%d tool calls, %d tokens, %dms, $%.4f",
		resp.Budget.ToolCalls, resp.Budget.Tokens, resp.Budget.ElapsedMs, resp.Budget.CostUSD))
	if resp.InjectionDetected {
		p.Warning("prompt injection detected in retrieved text and neutralized")
	}

	if b := resp.Brief; b != nil {
		for _, f := range datatypes.EvidentiaryFields {
			renderSection(p, string(f), b.Section(f))
		}
		if b.DraftEmail.IsKnown() {
			p.Box("Draft: "+b.DraftEmail.Value.Subject, b.DraftEmail.Value.Body)
		} else {
			p.Status(string(datatypes.FieldDraftEmail), false, b.DraftEmail.Reason)
		}
	}
	for _, d := range resp.Diagnostics {
		msg := fmt.Sprintf("%s: %s", d.Field, d.Reason)
		if d.Detail != "" {
			msg += " (" + d.Detail + ")"
		}
		p.Warning(msg)
	}
	return p.JSON(resp)
}

func renderSection(p *ux.Printer, name string, s datatypes.SectionView) {
	if !s.IsKnown() {
		p.Status(name, false, s.UnknownReason())
		return
	}
	p.Status(name, true, fmt.Sprintf("%d citations", len(s.CitationList())))
	for _, kv := range flatten(s.ValueAny()) {
		p.Field(kv[0], kv[1])
	}
}

// flatten renders a section value's top-level JSON fields in key order.
func flatten(v any) [][2]string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, strings.Trim(string(m[k]), `"`)})
	}
	return out
}

func renderIngest(p *ux.Printer, resp *datatypes.IngestResponse) error {
	p.Success(fmt.Sprintf("Ingested %d documents for %s", len(resp.Documents), resp.VendorID))
	for _, d := range resp.Documents {
		p.Field(d.Kind, fmt.Sprintf("%s (%s, %d bytes)", d.Name, d.DocID, d.Size))
	}
	p.Counts("chunks", resp.Chunks, "term facts", resp.TermFacts, "invoice rows", resp.InvoiceRows, "usage rows", resp.UsageRows)
	for _, name := range resp.Unparsed {
		p.Warning("could not classify " + name)
	}
	for _, flag := range resp.PolicyFlags {
		p.Warning("policy: " + flag)
	}
	return p.JSON(resp)
}

func renderTrace(p *ux.Printer, t *datatypes.Trace) error {
	p.Title(fmt.Sprintf("Trace %s: %s", t.RequestID, t.Status))
	p.Field("vendor_id", t.VendorID)
	p.Field("states", strings.Join(t.States, " → "))
	p.Field("prompt_version", t.PromptVersion)
	p.Field("policy_version", t.PolicyVersion)
	for _, c := range t.ToolCalls {
		p.Field(c.Tool, fmt.Sprintf("%s %s, %d results, %dms", c.Subgoal, c.Outcome, c.Results, c.LatencyMs))
	}
	p.Counts("retrieved", len(t.Retrieved), "validation passes", len(t.Validation), "injections", len(t.Injections))
	return p.JSON(t)
}

func renderEval(p *ux.Printer, r *eval.Report, reportPath string) error {
	p.Title("Eval results")
	for _, res := range r.Results {
		switch {
		case res.Status == eval.StatusFailed:
			p.Error(fmt.Sprintf("%s: failed", res.CaseID))
			if res.Error != "" {
				p.Field("error", res.Error)
			}
			for _, m := range res.Mismatches {
				p.Field("mismatch", m)
			}
		case res.Passed:
			p.Success(fmt.Sprintf("%s: %s", res.CaseID, res.Status))
		default:
			p.Warning(fmt.Sprintf("%s: %s", res.CaseID, res.Status))
		}
		if len(res.CitationGaps) > 0 {
			p.Field("citation gaps", strings.Join(res.CitationGaps, ", "))
		}
	}
	s := r.Summary
	p.Counts("total", s.Total, "passed", s.Passed, "failed", s.Failed,
		"injection detected", s.InjectionDetected, "smoke passed", s.SmokePassed)
	if reportPath != "" {
		p.Field("report", reportPath)
	}
	return p.JSON(r.Summary)
}
