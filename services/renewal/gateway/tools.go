// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// ToolKind is the closed set of tools the agent may call.
type ToolKind string

const (
	ToolContractSearch ToolKind = "contract_search"
	ToolTermsLookup    ToolKind = "terms_lookup"
	ToolInvoiceSummary ToolKind = "invoice_summary"
	ToolUsageSummary   ToolKind = "usage_summary"
	ToolRiskScan       ToolKind = "risk_scan"
)

// Input is a tool request. The interface is sealed: only the input types
// in this package implement it.
type Input interface {
	Tool() ToolKind
	Vendor() string
	sealed()
}

// ContractSearchInput searches contract chunks.
type ContractSearchInput struct {
	VendorID string `json:"vendor_id"`
	Query    string `json:"query"`
	TopK     int    `json:"top_k,omitempty"`
}

// TermsLookupInput reads extracted contract terms. Empty Keys returns all.
type TermsLookupInput struct {
	VendorID string   `json:"vendor_id"`
	Keys     []string `json:"keys,omitempty"`
}

// InvoiceSummaryInput reads invoice rows.
type InvoiceSummaryInput struct {
	VendorID string `json:"vendor_id"`
}

// UsageSummaryInput reads seat usage rows.
type UsageSummaryInput struct {
	VendorID string `json:"vendor_id"`
}

// RiskScanInput runs a targeted search plus the risk term rules.
type RiskScanInput struct {
	VendorID string `json:"vendor_id"`
	Query    string `json:"query,omitempty"`
}

func (ContractSearchInput) Tool() ToolKind { return ToolContractSearch }
func (TermsLookupInput) Tool() ToolKind    { return ToolTermsLookup }
func (InvoiceSummaryInput) Tool() ToolKind { return ToolInvoiceSummary }
func (UsageSummaryInput) Tool() ToolKind   { return ToolUsageSummary }
func (RiskScanInput) Tool() ToolKind       { return ToolRiskScan }

func (i ContractSearchInput) Vendor() string { return i.VendorID }
func (i TermsLookupInput) Vendor() string    { return i.VendorID }
func (i InvoiceSummaryInput) Vendor() string { return i.VendorID }
func (i UsageSummaryInput) Vendor() string   { return i.VendorID }
func (i RiskScanInput) Vendor() string       { return i.VendorID }

func (ContractSearchInput) sealed() {}
func (TermsLookupInput) sealed()    {}
func (InvoiceSummaryInput) sealed() {}
func (UsageSummaryInput) sealed()   {}
func (RiskScanInput) sealed()       {}

// Output carries whatever rows the tool produced. Each tool fills only its
// own fields; the output schema rejects anything else.
type Output struct {
	Tool     ToolKind               `json:"tool"`
	Snippets []datatypes.Snippet    `json:"snippets,omitempty"`
	Terms    []datatypes.TermFact   `json:"terms,omitempty"`
	Invoices []datatypes.InvoiceRow `json:"invoices,omitempty"`
	Usage    []datatypes.UsageRow   `json:"usage,omitempty"`
}

// Len is the number of rows returned.
func (o *Output) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Snippets) + len(o.Terms) + len(o.Invoices) + len(o.Usage)
}

// Citations lists the provenance of every row.
func (o *Output) Citations() []datatypes.Citation {
	if o == nil {
		return nil
	}
	out := make([]datatypes.Citation, 0, o.Len())
	for _, s := range o.Snippets {
		out = append(out, s.Citation())
	}
	for _, t := range o.Terms {
		out = append(out, t.Citation)
	}
	for _, r := range o.Invoices {
		out = append(out, r.Citation)
	}
	for _, r := range o.Usage {
		out = append(out, r.Citation)
	}
	return out
}

const vendorIDSchema = `{"type":"string","minLength":1,"maxLength":128,"pattern":"^[A-Za-z0-9][A-Za-z0-9_.-]*$"}`

const citationSchema = `{
	"type":"object",
	"required":["doc_id","page","span"],
	"properties":{
		"doc_id":{"type":"string","minLength":1},
		"page":{"type":"integer","minimum":1},
		"span":{"type":"string","pattern":"^[0-9]+-[0-9]+$"}
	}
}`

var (
	snippetSchema = `{
		"type":"object",
		"required":["doc_id","vendor_id","page","span_start","span_end","text","collection"],
		"properties":{
			"doc_id":{"type":"string","minLength":1},
			"vendor_id":` + vendorIDSchema + `,
			"page":{"type":"integer","minimum":1},
			"span_start":{"type":"integer","minimum":0},
			"span_end":{"type":"integer","minimum":0},
			"text":{"type":"string"},
			"collection":{"type":"string","enum":["contract_chunks"]},
			"score":{"type":"number"}
		}
	}`
	termSchema = `{
		"type":"object",
		"required":["vendor_id","key","value","citation"],
		"properties":{
			"vendor_id":` + vendorIDSchema + `,
			"key":{"type":"string","minLength":1},
			"value":{"type":"string"},
			"citation":` + citationSchema + `
		}
	}`
	invoiceSchema = `{
		"type":"object",
		"required":["vendor_id","amount_usd","seats","citation"],
		"properties":{
			"vendor_id":` + vendorIDSchema + `,
			"amount_usd":{"type":"number"},
			"seats":{"type":"integer","minimum":0},
			"citation":` + citationSchema + `
		}
	}`
	usageSchema = `{
		"type":"object",
		"required":["vendor_id","allocated_seats","active_seats","citation"],
		"properties":{
			"vendor_id":` + vendorIDSchema + `,
			"allocated_seats":{"type":"integer","minimum":0},
			"active_seats":{"type":"integer","minimum":0},
			"citation":` + citationSchema + `
		}
	}`
)

func objectSchema(required []string, props map[string]string) string {
	var b strings.Builder
	b.WriteString(`{"type":"object","additionalProperties":false,"required":[`)
	for i, r := range required {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", r)
	}
	b.WriteString(`],"properties":{`)
	first := true
	for _, name := range sortedKeys(props) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%q:%s", name, props[name])
	}
	b.WriteString("}}")
	return b.String()
}

func arrayOf(item string) string { return `{"type":"array","items":` + item + `}` }

func toolConst(kind ToolKind) string { return fmt.Sprintf(`{"const":%q}`, kind) }

type contract struct {
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

var contracts = mustCompileContracts()

func mustCompileContracts() map[ToolKind]contract {
	termKeys := `{"type":"array","maxItems":16,"items":{"type":"string","pattern":"^[a-z_]+$"}}`
	query := `{"type":"string","minLength":1,"maxLength":512}`
	defs := map[ToolKind][2]string{
		ToolContractSearch: {
			objectSchema([]string{"vendor_id", "query"}, map[string]string{
				"vendor_id": vendorIDSchema,
				"query":     query,
				"top_k":     `{"type":"integer","minimum":1,"maximum":20}`,
			}),
			objectSchema([]string{"tool"}, map[string]string{
				"tool":     toolConst(ToolContractSearch),
				"snippets": arrayOf(snippetSchema),
			}),
		},
		ToolTermsLookup: {
			objectSchema([]string{"vendor_id"}, map[string]string{
				"vendor_id": vendorIDSchema,
				"keys":      termKeys,
			}),
			objectSchema([]string{"tool"}, map[string]string{
				"tool":  toolConst(ToolTermsLookup),
				"terms": arrayOf(termSchema),
			}),
		},
		ToolInvoiceSummary: {
			objectSchema([]string{"vendor_id"}, map[string]string{"vendor_id": vendorIDSchema}),
			objectSchema([]string{"tool"}, map[string]string{
				"tool":     toolConst(ToolInvoiceSummary),
				"invoices": arrayOf(invoiceSchema),
			}),
		},
		ToolUsageSummary: {
			objectSchema([]string{"vendor_id"}, map[string]string{"vendor_id": vendorIDSchema}),
			objectSchema([]string{"tool"}, map[string]string{
				"tool":  toolConst(ToolUsageSummary),
				"usage": arrayOf(usageSchema),
			}),
		},
		ToolRiskScan: {
			objectSchema([]string{"vendor_id"}, map[string]string{
				"vendor_id": vendorIDSchema,
				"query":     query,
			}),
			objectSchema([]string{"tool"}, map[string]string{
				"tool":     toolConst(ToolRiskScan),
				"snippets": arrayOf(snippetSchema),
				"terms":    arrayOf(termSchema),
			}),
		},
	}

	out := make(map[ToolKind]contract, len(defs))
	for kind, d := range defs {
		in, err := jsonschema.NewCompiler().Compile([]byte(d[0]))
		if err != nil {
			panic(fmt.Sprintf("compile %s input schema: %v", kind, err))
		}
		outSchema, err := jsonschema.NewCompiler().Compile([]byte(d[1]))
		if err != nil {
			panic(fmt.Sprintf("compile %s output schema: %v", kind, err))
		}
		out[kind] = contract{input: in, output: outSchema}
	}
	return out
}

// Kinds lists every registered tool.
func Kinds() []ToolKind {
	return []ToolKind{ToolContractSearch, ToolTermsLookup, ToolInvoiceSummary, ToolUsageSummary, ToolRiskScan}
}

// validate checks data against schema and renders the failures in a
// stable order.
func validate(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors))
	for _, key := range sortedKeys(result.Errors) {
		msgs = append(msgs, fmt.Sprintf("%s: %v", key, result.Errors[key]))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
