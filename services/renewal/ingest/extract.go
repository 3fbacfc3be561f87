// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

var (
	termRe      = regexp.MustCompile(`(?i)effective\s+([\w\s,]+?)\s+(?:through|to)\s+([\w\s,]+?)\.`)
	noticeRe    = regexp.MustCompile(`(?i)notice\s+(\d{1,3})\s+days`)
	autoRenewRe = regexp.MustCompile(`(?i)auto-renew`)
	upliftRe    = regexp.MustCompile(`(?i)(\d{1,2})%\s+increase`)
	priceRe     = regexp.MustCompile(`\$([0-9,]+)`)
	seatsRe     = regexp.MustCompile(`(?i)licensed\s+for\s+(\d+)\s+seats`)
	liabilityRe = regexp.MustCompile(`(?i)liability.*?(\d+)x`)
	dpaRe       = regexp.MustCompile(`(?i)\bdpa\b|data processing (?:agreement|addendum)`)
)

var dateLayouts = []string{"January 2 2006", "Jan 2 2006", "2006-01-02", "01/02/2006"}

// ParseContractDate accepts the date spellings found in contracts and
// returns an ISO date.
func ParseContractDate(value string) (string, bool) {
	cleaned := strings.Join(strings.Fields(strings.ReplaceAll(value, ",", "")), " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// ExtractTerms finds contract terms on each page. Only the first match of
// each key is kept; its citation spans the whole match on that page.
func ExtractTerms(vendorID, docID string, pages []string) []datatypes.TermFact {
	var out []datatypes.TermFact
	seen := map[string]bool{}
	add := func(key, value string, page, start, end int) {
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, datatypes.TermFact{
			VendorID: vendorID,
			Key:      key,
			Value:    value,
			Citation: datatypes.NewCitation(docID, page, start, end),
		})
	}

	for i, text := range pages {
		page := i + 1
		if m := termRe.FindStringSubmatchIndex(text); m != nil {
			start, okS := ParseContractDate(text[m[2]:m[3]])
			end, okE := ParseContractDate(text[m[4]:m[5]])
			if okS && okE {
				add(datatypes.TermStart, start, page, m[0], m[1])
				add(datatypes.TermEnd, end, page, m[0], m[1])
			}
		}
		if m := noticeRe.FindStringSubmatchIndex(text); m != nil {
			add(datatypes.TermNoticeDays, text[m[2]:m[3]], page, m[0], m[1])
		}
		if m := autoRenewRe.FindStringIndex(text); m != nil {
			add(datatypes.TermAutoRenew, "true", page, m[0], m[1])
		}
		if m := upliftRe.FindStringSubmatchIndex(text); m != nil {
			add(datatypes.TermUpliftPct, text[m[2]:m[3]], page, m[0], m[1])
		}
		if m := priceRe.FindStringSubmatchIndex(text); m != nil {
			price := strings.ReplaceAll(text[m[2]:m[3]], ",", "")
			if _, err := strconv.ParseFloat(price, 64); err == nil && price != "" {
				add(datatypes.TermStatedPriceUSD, price, page, m[0], m[1])
			}
		}
		if m := seatsRe.FindStringSubmatchIndex(text); m != nil {
			add(datatypes.TermLicensedSeats, text[m[2]:m[3]], page, m[0], m[1])
		}
		if m := liabilityRe.FindStringSubmatchIndex(text); m != nil {
			add(datatypes.TermLiabilityCap, text[m[2]:m[3]], page, m[0], m[1])
		}
		if m := dpaRe.FindStringIndex(text); m != nil {
			status := "present"
			if strings.Contains(strings.ToLower(sentenceAround(text, m[0], m[1])), "separately") {
				status = "missing"
			}
			add(datatypes.TermDPAStatus, status, page, m[0], m[1])
		}
	}
	return out
}

// sentenceAround expands [start,end) to the enclosing sentence.
func sentenceAround(text string, start, end int) string {
	s := strings.LastIndexAny(text[:start], ".\n")
	e := strings.IndexAny(text[end:], ".\n")
	if e < 0 {
		e = len(text)
	} else {
		e += end
	}
	return text[s+1 : e]
}
