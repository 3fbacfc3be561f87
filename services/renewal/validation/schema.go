// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

const citationSchema = `{
	"type":"object",
	"additionalProperties":false,
	"required":["doc_id","page","span"],
	"properties":{
		"doc_id":{"type":"string","minLength":1},
		"page":{"type":"integer","minimum":1},
		"span":{"type":"string","pattern":"^[0-9]+-[0-9]+$"}
	}
}`

const (
	nullableInt    = `{"type":["integer","null"],"minimum":0}`
	nullableNumber = `{"type":["number","null"]}`
	nullableBool   = `{"type":["boolean","null"]}`
	isoDate        = `{"type":"string","pattern":"^$|^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}`
)

// valueSchemas are the payload schemas of the evidentiary sections.
var valueSchemas = map[datatypes.FieldName]string{
	datatypes.FieldRenewalTerms: object(nil, map[string]string{
		"term_start":         isoDate,
		"term_end":           isoDate,
		"notice_window_days": nullableInt,
		"auto_renew":         nullableBool,
	}),
	datatypes.FieldPricing: object([]string{"annual_spend_usd"}, map[string]string{
		"annual_spend_usd":  `{"type":"number","minimum":0}`,
		"avg_seats":         `{"type":"number","minimum":0}`,
		"uplift_clause_pct": nullableNumber,
	}),
	datatypes.FieldUsage: object([]string{"allocated_seats", "active_seats", "delta_percent"}, map[string]string{
		"allocated_seats": `{"type":"integer","minimum":0}`,
		"active_seats":    `{"type":"integer","minimum":0}`,
		"delta_percent":   `{"type":"number"}`,
	}),
	datatypes.FieldRiskFlags: object([]string{"auto_renew_soon", "pii_risk"}, map[string]string{
		"auto_renew_soon":        `{"type":"boolean"}`,
		"liability_cap_multiple": nullableInt,
		"dpa_status":             `{"type":"string","enum":["","present","missing"]}`,
		"pii_risk":               `{"type":"string","enum":["low","medium","high"]}`,
	}),
	datatypes.FieldNegotiationPlan: object([]string{"target_discount_pct", "walkaway_delta_pct", "levers"}, map[string]string{
		"target_discount_pct": `{"type":"number","minimum":0,"maximum":100}`,
		"walkaway_delta_pct":  `{"type":"number","minimum":0,"maximum":100}`,
		"levers":              `{"type":"array","maxItems":10,"items":{"type":"string","minLength":1,"maxLength":200}}`,
	}),
}

func object(required []string, props map[string]string) string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(`{"type":"object","additionalProperties":false,"required":[`)
	for i, r := range required {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", r)
	}
	b.WriteString(`],"properties":{`)
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%s", name, props[name])
	}
	b.WriteString("}}")
	return b.String()
}

// sectionSchema wraps a payload schema in the Section envelope.
func sectionSchema(value string) string {
	nullableValue := strings.Replace(value, `"type":"object"`, `"type":["object","null"]`, 1)
	return object([]string{"status"}, map[string]string{
		"status":    `{"type":"string","enum":["known","unknown"]}`,
		"value":     nullableValue,
		"citations": `{"type":"array","maxItems":32,"items":` + citationSchema + `}`,
		"reason":    `{"type":"string","maxLength":500}`,
	})
}

// documentSchema is the top-level shape: exactly the five evidentiary
// keys, each an object.
func documentSchema() string {
	props := map[string]string{}
	var required []string
	for _, f := range datatypes.EvidentiaryFields {
		props[string(f)] = `{"type":"object"}`
		required = append(required, string(f))
	}
	return object(required, props)
}

// BriefSchema is the JSON Schema a reasoner's output must satisfy,
// rendered for prompts.
func BriefSchema() string {
	props := map[string]string{}
	var required []string
	for _, f := range datatypes.EvidentiaryFields {
		props[string(f)] = sectionSchema(valueSchemas[f])
		required = append(required, string(f))
	}
	return object(required, props)
}

type compiledSchemas struct {
	document *jsonschema.Schema
	sections map[datatypes.FieldName]*jsonschema.Schema
}

var schemas = mustCompileSchemas()

func mustCompileSchemas() compiledSchemas {
	doc, err := jsonschema.NewCompiler().Compile([]byte(documentSchema()))
	if err != nil {
		panic(fmt.Sprintf("compile brief document schema: %v", err))
	}
	out := compiledSchemas{document: doc, sections: map[datatypes.FieldName]*jsonschema.Schema{}}
	for _, f := range datatypes.EvidentiaryFields {
		s, err := jsonschema.NewCompiler().Compile([]byte(sectionSchema(valueSchemas[f])))
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", f, err))
		}
		out.sections[f] = s
	}
	return out
}

// check validates data and renders failures in a stable order.
func check(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	keys := make([]string, 0, len(result.Errors))
	for k := range result.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fmt.Sprintf("%s: %v", k, result.Errors[k]))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
