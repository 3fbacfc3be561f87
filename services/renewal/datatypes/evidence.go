// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Collection names a logical evidence source.
type Collection string

const (
	CollectionContractChunks Collection = "contract_chunks"
	CollectionTerms          Collection = "terms"
	CollectionInvoices       Collection = "invoices"
	CollectionUsage          Collection = "usage"
)

// Citation points at a span of a source document.
//
// Span is "<start>-<end>" in character offsets within the page. For CSV
// sources the page is 1 and the span covers the row's byte range.
type Citation struct {
	DocID string `json:"doc_id"`
	Page  int    `json:"page"`
	Span  string `json:"span"`
}

// NewCitation formats a span from offsets.
func NewCitation(docID string, page, start, end int) Citation {
	return Citation{DocID: docID, Page: page, Span: FormatSpan(start, end)}
}

// FormatSpan renders "<start>-<end>".
func FormatSpan(start, end int) string {
	return strconv.Itoa(start) + "-" + strconv.Itoa(end)
}

// ParseSpan parses "<start>-<end>" with 0 <= start <= end.
func ParseSpan(span string) (start, end int, err error) {
	a, b, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("span %q: missing '-'", span)
	}
	if start, err = strconv.Atoi(a); err != nil {
		return 0, 0, fmt.Errorf("span %q: %w", span, err)
	}
	if end, err = strconv.Atoi(b); err != nil {
		return 0, 0, fmt.Errorf("span %q: %w", span, err)
	}
	if start < 0 || end < start {
		return 0, 0, fmt.Errorf("span %q: invalid range", span)
	}
	return start, end, nil
}

// Key is the identity of a citation within a CitationSet.
func (c Citation) Key() string {
	return fmt.Sprintf("%s#%d#%s", c.DocID, c.Page, c.Span)
}

func (c Citation) String() string {
	return fmt.Sprintf("%s p%d [%s]", c.DocID, c.Page, c.Span)
}

// CitationSet is the set of citations a request actually retrieved.
// Built after all retrievals have joined; read-only afterwards.
type CitationSet map[string]Citation

// NewCitationSet builds a set from citations.
func NewCitationSet(cs ...Citation) CitationSet {
	set := make(CitationSet, len(cs))
	for _, c := range cs {
		set[c.Key()] = c
	}
	return set
}

// Add inserts c.
func (s CitationSet) Add(c Citation) { s[c.Key()] = c }

// Contains reports whether c was retrieved.
func (s CitationSet) Contains(c Citation) bool {
	_, ok := s[c.Key()]
	return ok
}

// Sorted returns the citations in key order.
func (s CitationSet) Sorted() []Citation {
	out := make([]Citation, 0, len(s))
	for _, c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snippet is a retrieved unit of evidence. Text is raw until the
// sanitizer wraps it; only sanitized snippets reach synthesis.
type Snippet struct {
	DocID      string     `json:"doc_id"`
	VendorID   string     `json:"vendor_id"`
	Page       int        `json:"page"`
	SpanStart  int        `json:"span_start"`
	SpanEnd    int        `json:"span_end"`
	Text       string     `json:"text"`
	Collection Collection `json:"collection"`
	Score      float64    `json:"score"`
}

// Citation returns the snippet's provenance.
func (s Snippet) Citation() Citation {
	return NewCitation(s.DocID, s.Page, s.SpanStart, s.SpanEnd)
}

// SortSnippets orders by score desc, then doc id, page and span start so
// that identical inputs always produce identical order.
func SortSnippets(snips []Snippet) {
	sort.SliceStable(snips, func(i, j int) bool {
		a, b := snips[i], snips[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		return a.SpanStart < b.SpanStart
	})
}

// Evidence is a sanitized snippet ready for synthesis.
type Evidence struct {
	Citation Citation    `json:"citation"`
	Subgoal  SubgoalName `json:"subgoal"`

	// Text is the wrapped, neutralised form:
	// <evidence doc_id="…" page="…" span="…">…</evidence>
	Text string `json:"text"`

	// Plain is the neutralised content without the wrapper.
	Plain string `json:"plain"`
}

// Term fact keys produced by contract extraction.
const (
	TermStart          = "term_start"
	TermEnd            = "term_end"
	TermNoticeDays     = "notice_days"
	TermAutoRenew      = "auto_renew"
	TermUpliftPct      = "uplift_pct"
	TermStatedPriceUSD = "stated_price_usd"
	TermLicensedSeats  = "licensed_seats"
	TermLiabilityCap   = "liability_cap_multiple"
	TermDPAStatus      = "dpa_status"
)

// TermFact is one extracted contract term with provenance.
type TermFact struct {
	VendorID string   `json:"vendor_id"`
	Key      string   `json:"key"`
	Value    string   `json:"value"`
	Citation Citation `json:"citation"`
}

// InvoiceRow is one invoice line with provenance.
type InvoiceRow struct {
	VendorID  string   `json:"vendor_id"`
	InvoiceID string   `json:"invoice_id"`
	Period    string   `json:"period"`
	AmountUSD float64  `json:"amount_usd"`
	Seats     int      `json:"seats"`
	Citation  Citation `json:"citation"`
}

// UsageRow is one usage observation with provenance.
type UsageRow struct {
	VendorID       string   `json:"vendor_id"`
	Period         string   `json:"period"`
	AllocatedSeats int      `json:"allocated_seats"`
	ActiveSeats    int      `json:"active_seats"`
	Citation       Citation `json:"citation"`
}

// Facts groups the structured rows a request retrieved.
type Facts struct {
	Terms    []TermFact   `json:"terms,omitempty"`
	Invoices []InvoiceRow `json:"invoices,omitempty"`
	Usage    []UsageRow   `json:"usage,omitempty"`
}

// Term returns the first fact with key, if any.
func (f Facts) Term(key string) (TermFact, bool) {
	for _, t := range f.Terms {
		if t.Key == key {
			return t, true
		}
	}
	return TermFact{}, false
}

// Citations returns the provenance of every row.
func (f Facts) Citations() []Citation {
	var out []Citation
	for _, t := range f.Terms {
		out = append(out, t.Citation)
	}
	for _, r := range f.Invoices {
		out = append(out, r.Citation)
	}
	for _, r := range f.Usage {
		out = append(out, r.Citation)
	}
	return out
}

// Merge appends other's rows.
func (f *Facts) Merge(other Facts) {
	f.Terms = append(f.Terms, other.Terms...)
	f.Invoices = append(f.Invoices, other.Invoices...)
	f.Usage = append(f.Usage, other.Usage...)
}

// Retain returns the rows whose citation is in set.
func (f Facts) Retain(set CitationSet) Facts {
	var out Facts
	for _, t := range f.Terms {
		if set.Contains(t.Citation) {
			out.Terms = append(out.Terms, t)
		}
	}
	for _, r := range f.Invoices {
		if set.Contains(r.Citation) {
			out.Invoices = append(out.Invoices, r)
		}
	}
	for _, r := range f.Usage {
		if set.Contains(r.Citation) {
			out.Usage = append(out.Usage, r)
		}
	}
	return out
}

// Empty reports whether f has no rows.
func (f Facts) Empty() bool {
	return len(f.Terms) == 0 && len(f.Invoices) == 0 && len(f.Usage) == 0
}

// Distinct drops repeated rows, keeping the first. Terms are keyed by key
// and citation, other rows by citation.
func (f Facts) Distinct() Facts {
	var out Facts
	seen := map[string]bool{}
	for _, t := range f.Terms {
		k := "t|" + t.Key + "|" + t.Citation.Key()
		if !seen[k] {
			seen[k] = true
			out.Terms = append(out.Terms, t)
		}
	}
	for _, r := range f.Invoices {
		k := "i|" + r.Citation.Key()
		if !seen[k] {
			seen[k] = true
			out.Invoices = append(out.Invoices, r)
		}
	}
	for _, r := range f.Usage {
		k := "u|" + r.Citation.Key()
		if !seen[k] {
			seen[k] = true
			out.Usage = append(out.Usage, r)
		}
	}
	return out
}
