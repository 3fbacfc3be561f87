// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"strings"
)

// FieldFailure is one validation failure attributed to a brief field.
// Field is empty for failures of the document as a whole.
type FieldFailure struct {
	Field     FieldName  `json:"field,omitempty"`
	Reason    string     `json:"reason"`
	Detail    string     `json:"detail,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
}

// Diagnostic converts the failure for responses and traces.
func (f FieldFailure) Diagnostic() FieldDiagnostic {
	return FieldDiagnostic{Field: f.Field, Reason: f.Reason, Detail: f.Detail}
}

// CorrectionNote tells the next synthesis attempt exactly what failed.
// The repair is targeted: only the named fields should change.
type CorrectionNote struct {
	Attempt  int            `json:"attempt"`
	Failures []FieldFailure `json:"failures"`
}

// Fields returns the distinct failing fields in note order. A
// document-level failure yields every evidentiary field.
func (n *CorrectionNote) Fields() []FieldName {
	if n == nil {
		return nil
	}
	seen := map[FieldName]bool{}
	var out []FieldName
	for _, f := range n.Failures {
		if f.Field == "" {
			return append([]FieldName(nil), EvidentiaryFields...)
		}
		if !seen[f.Field] {
			seen[f.Field] = true
			out = append(out, f.Field)
		}
	}
	return out
}

// Names reports whether the note asks for field to be repaired.
func (n *CorrectionNote) Names(field FieldName) bool {
	for _, f := range n.Fields() {
		if f == field {
			return true
		}
	}
	return false
}

// String renders the note for a prompt.
func (n *CorrectionNote) String() string {
	if n == nil || len(n.Failures) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Attempt %d failed validation. Repair only these fields and keep the others unchanged:\n", n.Attempt)
	for _, f := range n.Failures {
		field := string(f.Field)
		if field == "" {
			field = "(document)"
		}
		fmt.Fprintf(&sb, "- %s: %s", field, f.Reason)
		if f.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", f.Detail)
		}
		for _, c := range f.Citations {
			fmt.Fprintf(&sb, "; citation %s was not retrieved", c)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Cite only doc_id, page and span values that appear in the evidence blocks.")
	return sb.String()
}
