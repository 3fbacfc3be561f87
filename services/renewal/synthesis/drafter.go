// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// Draft sources.
const (
	DraftSourceTemplate = "template"
	DraftSourceLLM      = "llm"
)

// DraftChecker rejects drafts that state figures no accepted section
// supports. validation.Validator implements it.
type DraftChecker interface {
	CheckDraft(draft datatypes.DraftEmail, brief *datatypes.Brief) *datatypes.FieldFailure
}

// DraftResult is the composed draft_email section.
type DraftResult struct {
	Section datatypes.Section[datatypes.DraftEmail]
	Source  string

	// Rejected is set when a model draft failed the check and the
	// template was used instead.
	Rejected *datatypes.FieldFailure
}

// Drafter composes draft_email from the accepted sections of a brief.
type Drafter struct {
	client         llm.LLMClient
	checker        DraftChecker
	maxTokens      int
	usdPer1KTokens float64
	logger         *slog.Logger
}

// NewDrafter creates a drafter. A nil client selects the template only.
func NewDrafter(client llm.LLMClient, checker DraftChecker, cfg Config, logger *slog.Logger) *Drafter {
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = DefaultConfig().MaxOutputTokens
	}
	return &Drafter{
		client:         client,
		checker:        checker,
		maxTokens:      maxTokens,
		usdPer1KTokens: cfg.USDPer1KTokens,
		logger:         logger.With("component", "drafter"),
	}
}

// Draft composes the outreach email. brief must already be validated:
// only its known sections are read.
func (d *Drafter) Draft(ctx context.Context, brief *datatypes.Brief, tracker *budget.Tracker) DraftResult {
	tmpl, ok := TemplateDraft(brief)
	if !ok {
		return DraftResult{
			Section: datatypes.Unknown[datatypes.DraftEmail](datatypes.ReasonInsufficientEvidence),
			Source:  DraftSourceTemplate,
		}
	}

	var rejected *datatypes.FieldFailure
	if d.client != nil {
		draft, err := d.llmDraft(ctx, brief, tracker)
		switch {
		case err != nil:
			d.logger.Warn("Model draft unavailable, using template", "vendor_id", brief.VendorID, "error", err)
		default:
			if rejected = d.check(draft, brief); rejected == nil {
				return DraftResult{Section: datatypes.Known(draft), Source: DraftSourceLLM}
			}
			d.logger.Warn("Model draft rejected, using template",
				"vendor_id", brief.VendorID,
				"reason", rejected.Reason,
				"detail", rejected.Detail,
			)
		}
	}

	if failure := d.check(tmpl, brief); failure != nil {
		return DraftResult{
			Section:  datatypes.Unknown[datatypes.DraftEmail](failure.Reason),
			Source:   DraftSourceTemplate,
			Rejected: failure,
		}
	}
	return DraftResult{Section: datatypes.Known(tmpl), Source: DraftSourceTemplate, Rejected: rejected}
}

func (d *Drafter) check(draft datatypes.DraftEmail, brief *datatypes.Brief) *datatypes.FieldFailure {
	if d.checker == nil {
		return nil
	}
	return d.checker.CheckDraft(draft, brief)
}

func (d *Drafter) llmDraft(ctx context.Context, brief *datatypes.Brief, tracker *budget.Tracker) (datatypes.DraftEmail, error) {
	prompt := DraftPrompt(brief)
	var tokenRes, costRes *budget.Reservation
	if tracker != nil {
		estimate := budget.EstimateTokens(prompt) + int64(d.maxTokens)
		var err error
		if tokenRes, err = tracker.Reserve(budget.KindTokens, estimate); err != nil {
			return datatypes.DraftEmail{}, err
		}
		if costRes, err = tracker.ReserveCostUSD(budget.CostForTokens(estimate, d.usdPer1KTokens)); err != nil {
			tokenRes.Release()
			return datatypes.DraftEmail{}, err
		}
	}

	maxTokens := d.maxTokens
	params := llm.GenerationParams{MaxTokens: &maxTokens, JSONMode: true}
	var text string
	var err error
	if chat, ok := d.client.(llm.ChatClient); ok {
		text, err = chat.Chat(ctx, []llm.Message{
			{Role: "system", Content: "You are a renewal desk assistant."},
			{Role: "user", Content: prompt},
		}, params)
	} else {
		text, err = d.client.Generate(ctx, prompt, params)
	}
	if err != nil {
		tokenRes.Release()
		costRes.Release()
		return datatypes.DraftEmail{}, err
	}

	used := budget.EstimateTokens(prompt) + budget.EstimateTokens(text)
	tokenRes.Commit(used)
	costRes.Commit(budget.USDToMicros(budget.CostForTokens(used, d.usdPer1KTokens)))

	var draft datatypes.DraftEmail
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &draft); err != nil {
		return datatypes.DraftEmail{}, fmt.Errorf("decode model draft: %w", err)
	}
	if strings.TrimSpace(draft.Subject) == "" || strings.TrimSpace(draft.Body) == "" {
		return datatypes.DraftEmail{}, fmt.Errorf("model draft missing subject or body")
	}
	return draft, nil
}

// DraftPrompt asks for a JSON email stating only accepted figures.
func DraftPrompt(brief *datatypes.Brief) string {
	var sb strings.Builder
	sb.WriteString("Write a concise renewal outreach email. Return JSON with keys ")
	sb.WriteString("`{\"subject\": \"...\", \"body\": \"...\"}` only.\n\n")
	fmt.Fprintf(&sb, "Vendor: %s\n", brief.VendorID)
	if spend, ok := spendFigure(brief); ok {
		fmt.Fprintf(&sb, "Annual spend: $%s\n", spend)
	}
	if delta, dir, ok := usageFigure(brief); ok {
		fmt.Fprintf(&sb, "Usage delta vs contracted seats: %s%% %s\n", delta, dir)
	}
	sb.WriteString("Use no other numbers.\n")
	sb.WriteString("Tone: professional, collaborative, and action-oriented.")
	return sb.String()
}

// TemplateDraft renders the fixed outreach email. It reports false when
// neither pricing nor usage is known.
func TemplateDraft(brief *datatypes.Brief) (datatypes.DraftEmail, bool) {
	spend, hasSpend := spendFigure(brief)
	delta, dir, hasUsage := usageFigure(brief)
	if !hasSpend && !hasUsage {
		return datatypes.DraftEmail{}, false
	}

	var status string
	switch {
	case hasSpend && hasUsage:
		status = fmt.Sprintf("Current annual spend is $%s and usage is %s%% %s contracted seats.", spend, delta, dir)
	case hasSpend:
		status = fmt.Sprintf("Current annual spend is $%s.", spend)
	default:
		status = fmt.Sprintf("Usage is %s%% %s contracted seats.", delta, dir)
	}

	body := fmt.Sprintf("Hi %s team,\n\n", titleCase(brief.VendorID)) +
		"We're preparing for the upcoming renewal. " + status + "\n" +
		"We'd like to explore a pricing refresh that aligns with actual adoption while keeping the partnership strong.\n\n" +
		"Let us know a good time to connect in the next week.\n\nThanks,\nRenewal Desk"
	return datatypes.DraftEmail{
		Subject: brief.VendorID + " renewal discussion",
		Body:    body,
	}, true
}

func spendFigure(brief *datatypes.Brief) (string, bool) {
	if !brief.Pricing.IsKnown() {
		return "", false
	}
	return thousands(brief.Pricing.Value.AnnualSpendUSD), true
}

func usageFigure(brief *datatypes.Brief) (delta, direction string, ok bool) {
	if !brief.Usage.IsKnown() {
		return "", "", false
	}
	d := brief.Usage.Value.DeltaPercent
	direction = "above"
	if d < 0 {
		direction = "below"
	}
	return strconv.FormatFloat(math.Abs(d), 'f', 1, 64), direction, true
}

// thousands renders v rounded to whole units with comma separators.
func thousands(v float64) string {
	s := strconv.FormatInt(int64(math.Round(math.Abs(v))), 10)
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// titleCase upper-cases every letter that follows a non-letter and
// lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
