// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sanitize neutralises instruction-like content in retrieved text
// and wraps what remains as delimited, non-executable evidence.
package sanitize

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/policy_engine"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// Marker replaces every neutralised directive.
const Marker = "[neutralized]"

// maxPasses bounds re-scanning after replacement. Replacement can join
// fragments into a new match, so the text is scanned until clean.
const maxPasses = 4

// Result is the outcome of sanitizing one snippet.
type Result struct {
	Evidence datatypes.Evidence

	// Suspected is true when at least one directive was neutralised.
	Suspected bool

	// Dropped is true when nothing factual survived. Evidence is then
	// empty and must not be passed on.
	Dropped bool

	// Rules lists the ids of the rules that fired, in match order.
	Rules []string
}

// Sanitizer applies the directive rules to snippets.
//
// # Description
//
// Sanitize strips control and invisible formatting characters, replaces
// every directive match with Marker, escapes delimiter characters and
// wraps the text as <evidence doc_id="…" page="…" span="…">…</evidence>.
// Snippets left without fact content are dropped.
//
// # Thread Safety
//
// Safe for concurrent use. SetRules swaps the rule set atomically;
// in-flight calls finish with the set they started with.
type Sanitizer struct {
	rules  atomic.Pointer[policy_engine.InjectionRules]
	logger *slog.Logger
}

// New creates a sanitizer. A nil rules argument selects the embedded rules.
func New(rules *policy_engine.InjectionRules, logger *slog.Logger) *Sanitizer {
	if rules == nil {
		rules = policy_engine.DefaultInjectionRules()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sanitizer{logger: logger.With("component", "sanitizer")}
	s.rules.Store(rules)
	return s
}

// SetRules replaces the active rule set.
func (s *Sanitizer) SetRules(r *policy_engine.InjectionRules) {
	if r != nil {
		s.rules.Store(r)
	}
}

// RulesVersion returns the active rule set version.
func (s *Sanitizer) RulesVersion() string {
	return s.rules.Load().Version()
}

// ContainsDirective reports whether text carries any directive.
func (s *Sanitizer) ContainsDirective(text string) bool {
	return s.rules.Load().Contains(text)
}

// Sanitize neutralises and wraps one snippet.
func (s *Sanitizer) Sanitize(snip datatypes.Snippet, subgoal datatypes.SubgoalName) Result {
	rules := s.rules.Load()
	text := stripControl(snip.Text)

	var fired []string
	for pass := 0; pass < maxPasses; pass++ {
		matches := rules.FindAll(text)
		if len(matches) == 0 {
			break
		}
		for _, m := range matches {
			fired = append(fired, m.RuleID)
		}
		text = neutralize(text, matches)
	}

	res := Result{Suspected: len(fired) > 0, Rules: fired}
	if rules.Contains(text) || !hasFactContent(text) {
		s.logger.Warn("Dropped snippet without usable content",
			"doc_id", snip.DocID, "page", snip.Page, "rules", fired)
		res.Dropped = true
		return res
	}

	if res.Suspected {
		s.logger.Warn("Neutralized directive in retrieved text",
			"doc_id", snip.DocID, "page", snip.Page, "rules", fired)
	}

	plain := strings.TrimSpace(text)
	cite := snip.Citation()
	res.Evidence = datatypes.Evidence{
		Citation: cite,
		Subgoal:  subgoal,
		Plain:    plain,
		Text: fmt.Sprintf(`<evidence doc_id="%s" page="%d" span="%s">%s</evidence>`,
			escape(cite.DocID), cite.Page, escape(cite.Span), escape(plain)),
	}
	return res
}

// neutralize replaces the union of the match ranges with Marker.
// matches must be sorted by start offset.
func neutralize(text string, matches []policy_engine.InjectionMatch) string {
	var b strings.Builder
	cursor := 0
	i := 0
	for i < len(matches) {
		start, end := matches[i].Start, matches[i].End
		i++
		for i < len(matches) && matches[i].Start <= end {
			end = max(end, matches[i].End)
			i++
		}
		if start < cursor {
			start = cursor
		}
		b.WriteString(text[cursor:start])
		b.WriteString(Marker)
		cursor = end
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// stripControl removes control characters other than newline and tab,
// and invisible formatting runes such as zero-width joiners and bidi
// overrides.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, s)
}

func hasFactContent(s string) bool {
	residual := strings.ReplaceAll(s, Marker, " ")
	for _, r := range residual {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escape(s string) string { return escaper.Replace(s) }
