// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package eval replays golden vendor cases through the brief pipeline and
// compares the produced sections against expected values.
//
// A case names a vendor and up to three input files. Expected values are
// keyed by section name and then by field name; a field is looked up in the
// section's value first and then on the section itself, so "status" and
// "reason" can be asserted too. Values are compared in canonical JSON form,
// which makes 120000 and 120000.0 equal.
package eval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/validation"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
)

// Case outcomes.
const (
	StatusPassed            = "passed"
	StatusFailed            = "failed"
	StatusInjectionDetected = "injection_detected"
	StatusSmokePassed       = "smoke_passed"
)

// Ingester stores a case's input files.
type Ingester interface {
	Ingest(ctx context.Context, vendorID string, files []ingest.File) (*datatypes.IngestResponse, error)
}

// Runner produces a brief.
type Runner interface {
	Run(ctx context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error)
}

// Inputs are file paths relative to the cases file.
type Inputs struct {
	ContractPath string `json:"contract_path,omitempty"`
	InvoicesPath string `json:"invoices_path,omitempty"`
	UsagePath    string `json:"usage_path,omitempty"`
}

func (in Inputs) paths() []string {
	var out []string
	for _, p := range []string{in.ContractPath, in.InvoicesPath, in.UsagePath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Case is one line of cases.jsonl.
type Case struct {
	CaseID   string `json:"case_id"`
	VendorID string `json:"vendor_id,omitempty"`
	Inputs   Inputs `json:"inputs"`
}

// Vendor returns the vendor id, defaulting to the case id.
func (c Case) Vendor() string {
	if c.VendorID != "" {
		return c.VendorID
	}
	return c.CaseID
}

// Expectation is one line of expected.jsonl.
type Expectation struct {
	CaseID           string
	ExpectedBehavior string
	Sections         map[string]map[string]json.RawMessage
}

// UnmarshalJSON splits the reserved keys from the section assertions.
func (e *Expectation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Sections = make(map[string]map[string]json.RawMessage)
	for k, v := range raw {
		switch k {
		case "case_id":
			if err := json.Unmarshal(v, &e.CaseID); err != nil {
				return fmt.Errorf("case_id: %w", err)
			}
		case "expected_behavior":
			if err := json.Unmarshal(v, &e.ExpectedBehavior); err != nil {
				return fmt.Errorf("expected_behavior: %w", err)
			}
		default:
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(v, &fields); err != nil {
				return fmt.Errorf("section %s: %w", k, err)
			}
			e.Sections[k] = fields
		}
	}
	return nil
}

// Result is the outcome of one case.
type Result struct {
	CaseID           string   `json:"case_id"`
	VendorID         string   `json:"vendor_id"`
	Status           string   `json:"status"`
	Passed           bool     `json:"passed"`
	ResponseStatus   string   `json:"response_status,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
	ExpectedBehavior string   `json:"expected_behavior,omitempty"`
	Mismatches       []string `json:"mismatches,omitempty"`
	CitationGaps     []string `json:"citation_gaps,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Summary counts results by status.
type Summary struct {
	Total             int `json:"total"`
	Passed            int `json:"passed"`
	Failed            int `json:"failed"`
	InjectionDetected int `json:"injection_detected"`
	SmokePassed       int `json:"smoke_passed"`
}

// Report is the full eval output.
type Report struct {
	Results     []Result  `json:"results"`
	Summary     Summary   `json:"summary"`
	GeneratedAt time.Time `json:"generated_at"`
}

// OK reports whether no case failed.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Options control a run.
type Options struct {
	// BaseDir resolves relative input paths. Usually the cases file's directory.
	BaseDir string

	// Smoke only checks that every input file is readable.
	Smoke bool
}

// Harness runs cases against an ingester and a runner.
//
// # Thread Safety
//
// A Harness runs cases sequentially and is not safe for concurrent Run calls.
type Harness struct {
	ingester Ingester
	runner   Runner
	caller   *extensions.AuthInfo
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a harness that runs as an all-vendor caller in the local tenant.
func New(ing Ingester, runner Runner, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		ingester: ing,
		runner:   runner,
		caller: &extensions.AuthInfo{
			UserID:       "eval",
			TenantID:     "local",
			VendorScopes: []string{extensions.AllVendors},
		},
		logger: logger.With("component", "eval"),
		now:    time.Now,
	}
}

// Run evaluates every case in order. expected may be missing entries; such
// cases pass as long as the pipeline answers.
func (h *Harness) Run(ctx context.Context, cases []Case, expected map[string]Expectation, opts Options) *Report {
	report := &Report{Results: make([]Result, 0, len(cases)), GeneratedAt: h.now().UTC()}
	for _, c := range cases {
		res := h.runCase(ctx, c, expected[c.CaseID], opts)
		h.logger.Info("Eval case finished", "case_id", res.CaseID, "status", res.Status)
		report.Results = append(report.Results, res)
	}
	report.Summary = summarize(report.Results)
	return report
}

func (h *Harness) runCase(ctx context.Context, c Case, exp Expectation, opts Options) Result {
	res := Result{CaseID: c.CaseID, VendorID: c.Vendor(), ExpectedBehavior: exp.ExpectedBehavior}

	files, err := readInputs(opts.BaseDir, c.Inputs)
	if err != nil {
		return res.fail(err)
	}
	if opts.Smoke {
		res.Status = StatusSmokePassed
		res.Passed = true
		return res
	}

	if len(files) > 0 {
		if _, err := h.ingester.Ingest(ctx, res.VendorID, files); err != nil {
			return res.fail(fmt.Errorf("ingest: %w", err))
		}
	}
	resp, err := h.runner.Run(ctx, datatypes.NewRequest(res.VendorID, true, h.caller, h.now()))
	if err != nil {
		return res.fail(fmt.Errorf("run: %w", err))
	}
	res.ResponseStatus = string(resp.Status)
	res.RequestID = resp.RequestID

	if resp.InjectionDetected {
		res.Status = StatusInjectionDetected
		res.Passed = exp.ExpectedBehavior == StatusInjectionDetected
		if !res.Passed && exp.ExpectedBehavior != "" {
			res.Mismatches = append(res.Mismatches,
				fmt.Sprintf("expected_behavior: expected %s, got %s", exp.ExpectedBehavior, StatusInjectionDetected))
		}
		return res
	}
	if exp.ExpectedBehavior == StatusInjectionDetected {
		res.Mismatches = append(res.Mismatches, "expected_behavior: expected injection_detected, got none")
	}

	if resp.Brief == nil {
		res.Mismatches = append(res.Mismatches, "brief: missing")
	} else {
		mismatches, err := Diff(resp.Brief, exp)
		if err != nil {
			return res.fail(err)
		}
		res.Mismatches = append(res.Mismatches, mismatches...)
		res.CitationGaps = CitationGaps(resp.Brief)
	}

	res.Passed = len(res.Mismatches) == 0
	res.Status = StatusFailed
	if res.Passed {
		res.Status = StatusPassed
	}
	return res
}

func (r Result) fail(err error) Result {
	r.Status = StatusFailed
	r.Passed = false
	r.Error = err.Error()
	return r
}

func readInputs(base string, in Inputs) ([]ingest.File, error) {
	paths := in.paths()
	files := make([]ingest.File, 0, len(paths))
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(base, p)
		}
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", p, err)
		}
		files = append(files, ingest.File{Name: filepath.Base(full), Content: content})
	}
	return files, nil
}

// Diff compares brief against exp and returns one line per mismatch, in
// section then field order.
func Diff(brief *datatypes.Brief, exp Expectation) ([]string, error) {
	raw, err := json.Marshal(brief)
	if err != nil {
		return nil, fmt.Errorf("marshal brief: %w", err)
	}
	var actual map[string]json.RawMessage
	if err := json.Unmarshal(raw, &actual); err != nil {
		return nil, fmt.Errorf("unmarshal brief: %w", err)
	}

	var mismatches []string
	for _, section := range sortedKeys(exp.Sections) {
		fields := exp.Sections[section]
		sec := sectionFields(actual[section])
		for _, key := range sortedKeys(fields) {
			want := fields[key]
			got, ok := sec[key]
			if !ok {
				mismatches = append(mismatches, fmt.Sprintf("%s.%s: expected %s, got none", section, key, want))
				continue
			}
			equal, err := sameJSON(want, got)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", section, key, err)
			}
			if !equal {
				mismatches = append(mismatches, fmt.Sprintf("%s.%s: expected %s, got %s", section, key, want, got))
			}
		}
	}
	return mismatches, nil
}

// sectionFields flattens a section so value fields shadow section fields.
func sectionFields(raw json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if len(raw) == 0 {
		return out
	}
	var sec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sec); err != nil {
		return out
	}
	for k, v := range sec {
		if k != "value" {
			out[k] = v
		}
	}
	var value map[string]json.RawMessage
	if err := json.Unmarshal(sec["value"], &value); err == nil {
		for k, v := range value {
			out[k] = v
		}
	}
	return out
}

func sameJSON(a, b json.RawMessage) (bool, error) {
	ca, err := jcs.Transform(a)
	if err != nil {
		return false, fmt.Errorf("canonicalize expected: %w", err)
	}
	cb, err := jcs.Transform(b)
	if err != nil {
		return false, fmt.Errorf("canonicalize actual: %w", err)
	}
	return bytes.Equal(ca, cb), nil
}

// CitationGaps lists known evidentiary sections that carry no citations.
func CitationGaps(brief *datatypes.Brief) []string {
	var gaps []string
	for _, f := range datatypes.EvidentiaryFields {
		s := brief.Section(f)
		if s.IsKnown() && len(s.CitationList()) == 0 {
			gaps = append(gaps, string(f))
		}
	}
	return gaps
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusInjectionDetected:
			s.InjectionDetected++
		case StatusSmokePassed:
			s.SmokePassed++
		}
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadCases reads a JSONL cases file. Blank lines are skipped. Every
// case must name a valid vendor id.
func LoadCases(path string) ([]Case, error) {
	var cases []Case
	err := readJSONL(path, func(line []byte) error {
		var c Case
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		if c.CaseID == "" {
			return fmt.Errorf("case_id is required")
		}
		cases = append(cases, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	vendors := make([]string, 0, len(cases))
	for _, c := range cases {
		vendors = append(vendors, c.Vendor())
	}
	if err := validation.ValidateVendorIDs(vendors); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cases, nil
}

// LoadExpected reads a JSONL expectations file keyed by case id. A missing
// file yields an empty map.
func LoadExpected(path string) (map[string]Expectation, error) {
	out := make(map[string]Expectation)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return out, nil
	}
	err := readJSONL(path, func(line []byte) error {
		var e Expectation
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out[e.CaseID] = e
		return nil
	})
	return out, err
}

func readJSONL(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("%s:%d: %w", path, n, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// WriteReport writes the report as indented JSON, creating parent
// directories as needed.
func WriteReport(path string, r *Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
