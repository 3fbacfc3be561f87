// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation gates synthesis output before it becomes a brief.
//
// Validate runs the state machine
//
//	pending → schema_checked → citations_checked → {accepted, retry, degraded}
//
// and returns a typed Result. It never decides control flow itself: the
// agent runner consumes the Result and re-invokes synthesis on retry.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// State is a validator state.
type State string

const (
	StatePending          State = "pending"
	StateSchemaChecked    State = "schema_checked"
	StateCitationsChecked State = "citations_checked"
	StateAccepted         State = "accepted"
	StateRetry            State = "retry"
	StateDegraded         State = "degraded"
)

// DefaultMaxAttempts bounds synthesis invocations per request.
const DefaultMaxAttempts = 2

// DirectiveDetector reports whether text carries an injected directive.
// sanitize.Sanitizer implements it.
type DirectiveDetector interface {
	ContainsDirective(text string) bool
}

// Result is the typed outcome of one validation pass.
type Result struct {
	// State is accepted, retry or degraded.
	State State

	// Path lists every state visited, starting with pending.
	Path []State

	// Body holds the sections that passed. Failed sections are unknown
	// with the failure reason. Invalid citations are already dropped.
	Body datatypes.BriefBody

	// Passed lists the fields that passed every check.
	Passed []datatypes.FieldName

	Failures []datatypes.FieldFailure

	// Dropped are invalid citations removed from fields that kept at
	// least one valid citation.
	Dropped []datatypes.Citation

	// Correction is set when State is retry.
	Correction *datatypes.CorrectionNote
}

// Failed reports whether field f failed.
func (r *Result) Failed(f datatypes.FieldName) bool {
	for _, x := range r.Failures {
		if x.Field == f {
			return true
		}
	}
	return false
}

// Validator checks reasoner output against the brief schema, the
// request's citation set and the injection rules.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use.
type Validator struct {
	maxAttempts int
	detector    DirectiveDetector
	logger      *slog.Logger
}

// New creates a validator. maxAttempts below 1 selects DefaultMaxAttempts.
func New(maxAttempts int, detector DirectiveDetector, logger *slog.Logger) *Validator {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{maxAttempts: maxAttempts, detector: detector, logger: logger.With("component", "validator")}
}

// MaxAttempts returns the attempt bound.
func (v *Validator) MaxAttempts() int { return v.maxAttempts }

// Validate runs one pass over raw for the given attempt (1-based).
//
// # Inputs
//
//   - raw: the reasoner's output.
//   - cites: every citation retrieved in this request. Built after all
//     retrievals joined.
//   - attempt: the synthesis attempt that produced raw.
//
// # Outputs
//
//   - Result: never nil-valued; Body is always complete.
func (v *Validator) Validate(raw []byte, cites datatypes.CitationSet, attempt int) Result {
	res := Result{Path: []State{StatePending}}
	body := datatypes.NewUnknownBrief("", datatypes.ReasonSchemaInvalid)

	// pending → schema_checked
	sections, docFailures := v.checkDocument(raw)
	res.Failures = append(res.Failures, docFailures...)
	for _, f := range datatypes.EvidentiaryFields {
		data, ok := sections[f]
		if !ok {
			continue
		}
		if failure := v.decodeSection(body, f, data); failure != nil {
			res.Failures = append(res.Failures, *failure)
		}
	}
	res.Path = append(res.Path, StateSchemaChecked)

	// schema_checked → citations_checked
	for _, f := range datatypes.EvidentiaryFields {
		if res.Failed(f) {
			continue
		}
		sec := body.Section(f)
		if !sec.IsKnown() {
			continue
		}
		valid, invalid := partition(sec.CitationList(), cites)
		switch {
		case len(valid) == 0 && len(invalid) == 0:
			res.Failures = append(res.Failures, datatypes.FieldFailure{
				Field: f, Reason: datatypes.ReasonMissingCitation, Detail: "known field has no citation",
			})
		case len(valid) == 0:
			res.Failures = append(res.Failures, datatypes.FieldFailure{
				Field: f, Reason: datatypes.ReasonInvalidCitation,
				Detail:    "no citation resolves to retrieved evidence",
				Citations: invalid,
			})
		default:
			if len(invalid) > 0 {
				v.logger.Warn("Dropped citations to unretrieved evidence",
					"field", f, "dropped", len(invalid), "kept", len(valid))
				res.Dropped = append(res.Dropped, invalid...)
			}
			sec.SetCitations(valid)
		}
	}
	res.Path = append(res.Path, StateCitationsChecked)

	// Injection echo: a known value must not carry a directive.
	if v.detector != nil {
		for _, f := range datatypes.EvidentiaryFields {
			sec := body.Section(f)
			if res.Failed(f) || !sec.IsKnown() {
				continue
			}
			rendered, err := json.Marshal(sec.ValueAny())
			if err == nil && v.detector.ContainsDirective(string(rendered)) {
				res.Failures = append(res.Failures, datatypes.FieldFailure{
					Field: f, Reason: datatypes.ReasonInjectionEcho, Detail: "value repeats a directive from evidence",
				})
			}
		}
	}

	for _, f := range datatypes.EvidentiaryFields {
		if res.Failed(f) {
			body.Section(f).MarkUnknown(failureReason(res.Failures, f))
		} else {
			res.Passed = append(res.Passed, f)
		}
	}
	res.Body = body.Body()

	switch {
	case len(res.Failures) == 0:
		res.State = StateAccepted
	case attempt < v.maxAttempts:
		res.State = StateRetry
		res.Correction = &datatypes.CorrectionNote{
			Attempt:  attempt,
			Failures: append([]datatypes.FieldFailure(nil), res.Failures...),
		}
	default:
		res.State = StateDegraded
	}
	res.Path = append(res.Path, res.State)
	return res
}

// checkDocument parses the top level. Missing keys fail their field;
// extra keys and non-object documents fail the document.
func (v *Validator) checkDocument(raw []byte) (map[datatypes.FieldName]json.RawMessage, []datatypes.FieldFailure) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		failures := []datatypes.FieldFailure{{Reason: datatypes.ReasonSchemaInvalid, Detail: "output is not a JSON object"}}
		for _, f := range datatypes.EvidentiaryFields {
			failures = append(failures, datatypes.FieldFailure{Field: f, Reason: datatypes.ReasonSchemaInvalid, Detail: "document unparseable"})
		}
		return nil, failures
	}

	var failures []datatypes.FieldFailure
	docErr := check(schemas.document, raw)

	known := map[string]bool{}
	sections := map[datatypes.FieldName]json.RawMessage{}
	for _, f := range datatypes.EvidentiaryFields {
		known[string(f)] = true
		data, ok := top[string(f)]
		if !ok {
			failures = append(failures, datatypes.FieldFailure{Field: f, Reason: datatypes.ReasonSchemaInvalid, Detail: "missing required key"})
			continue
		}
		sections[f] = data
	}

	var extra []string
	for k := range top {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		failures = append(failures, datatypes.FieldFailure{Reason: datatypes.ReasonSchemaInvalid, Detail: fmt.Sprintf("unexpected key %q", k)})
	}
	if docErr != nil && len(failures) == 0 {
		// Shape problems the key scan cannot attribute, e.g. a section
		// that is not an object. The section check reports them per field.
		v.logger.Debug("Brief document failed schema", "error", docErr)
	}
	return sections, failures
}

// decodeSection validates one section against its schema and stores it
// in brief.
func (v *Validator) decodeSection(brief *datatypes.Brief, f datatypes.FieldName, data json.RawMessage) *datatypes.FieldFailure {
	fail := func(detail string) *datatypes.FieldFailure {
		return &datatypes.FieldFailure{Field: f, Reason: datatypes.ReasonSchemaInvalid, Detail: detail}
	}
	if err := check(schemas.sections[f], data); err != nil {
		return fail(err.Error())
	}

	// Decode into a scratch brief so a failing section never half-writes.
	wrapped, err := json.Marshal(map[string]json.RawMessage{string(f): data})
	if err != nil {
		return fail(err.Error())
	}
	var scratch datatypes.Brief
	dec := json.NewDecoder(bytes.NewReader(wrapped))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scratch); err != nil {
		return fail(err.Error())
	}

	sec := scratch.Section(f)
	status := sectionStatus(data)
	switch {
	case status == datatypes.StatusKnown && !sec.IsKnown():
		return fail("known section without value")
	case status == datatypes.StatusUnknown && sec.ValueAny() != nil:
		return fail("unknown section carries a value")
	}
	if sec.CitationList() == nil {
		sec.SetCitations([]datatypes.Citation{})
	}
	brief.CopySection(f, &scratch)
	return nil
}

func sectionStatus(data json.RawMessage) datatypes.SectionStatus {
	var probe struct {
		Status datatypes.SectionStatus `json:"status"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.Status
}

// partition splits citations into those that resolve to retrieved
// evidence and those that do not. Malformed spans never resolve.
func partition(cs []datatypes.Citation, set datatypes.CitationSet) (valid, invalid []datatypes.Citation) {
	for _, c := range cs {
		if _, _, err := datatypes.ParseSpan(c.Span); err == nil && set.Contains(c) {
			valid = append(valid, c)
		} else {
			invalid = append(invalid, c)
		}
	}
	return valid, invalid
}

func failureReason(failures []datatypes.FieldFailure, f datatypes.FieldName) string {
	for _, x := range failures {
		if x.Field == f {
			return x.Reason
		}
	}
	return datatypes.ReasonSchemaInvalid
}
