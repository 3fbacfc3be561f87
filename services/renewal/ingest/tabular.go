// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// Required columns. vendor_id is optional in both.
var (
	invoiceColumns = []string{"invoice_id", "period", "amount_usd"}
	usageColumns   = []string{"month", "allocated_seats", "active_seats"}
)

// csvRow is one record with its byte span in the file.
type csvRow struct {
	fields     map[string]string
	start, end int
}

func readHeader(content []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	normalizeHeader(header)
	return header, nil
}

func normalizeHeader(header []string) {
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}
}

func hasColumns(header, want []string) bool {
	set := make(map[string]bool, len(header))
	for _, h := range header {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// readRows keeps rows belonging to vendorID. Rows with an empty vendor_id
// are attributed to the uploading vendor.
func readRows(content []byte, vendorID string) ([]csvRow, int, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	normalizeHeader(header)

	var rows []csvRow
	skipped := 0
	prev := int(r.InputOffset())
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read row: %w", err)
		}
		end := int(r.InputOffset())
		row := csvRow{fields: make(map[string]string, len(header)), start: prev, end: trimNewline(content, prev, end)}
		prev = end
		for i, h := range header {
			if i < len(rec) {
				row.fields[h] = strings.TrimSpace(rec[i])
			}
		}
		if v := row.fields["vendor_id"]; v != "" && v != vendorID {
			skipped++
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func trimNewline(content []byte, start, end int) int {
	for end > start && (content[end-1] == '\n' || content[end-1] == '\r') {
		end--
	}
	return end
}

// ParseInvoices reads an invoices CSV. Rows that fail to parse are
// reported by line and skipped.
func ParseInvoices(vendorID, docID string, content []byte) ([]datatypes.InvoiceRow, []string, error) {
	rows, _, err := readRows(content, vendorID)
	if err != nil {
		return nil, nil, err
	}
	var out []datatypes.InvoiceRow
	var bad []string
	for i, row := range rows {
		amount, err := strconv.ParseFloat(row.fields["amount_usd"], 64)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s row %d: amount_usd %q", docID, i+1, row.fields["amount_usd"]))
			continue
		}
		seats := 0
		if s := row.fields["seats"]; s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s row %d: seats %q", docID, i+1, s))
				continue
			}
			seats = int(f)
		}
		out = append(out, datatypes.InvoiceRow{
			VendorID:  vendorID,
			InvoiceID: row.fields["invoice_id"],
			Period:    row.fields["period"],
			AmountUSD: amount,
			Seats:     seats,
			Citation:  datatypes.NewCitation(docID, 1, row.start, row.end),
		})
	}
	return out, bad, nil
}

// ParseUsage reads a usage CSV.
func ParseUsage(vendorID, docID string, content []byte) ([]datatypes.UsageRow, []string, error) {
	rows, _, err := readRows(content, vendorID)
	if err != nil {
		return nil, nil, err
	}
	var out []datatypes.UsageRow
	var bad []string
	for i, row := range rows {
		alloc, errA := strconv.ParseFloat(row.fields["allocated_seats"], 64)
		active, errB := strconv.ParseFloat(row.fields["active_seats"], 64)
		if errA != nil || errB != nil {
			bad = append(bad, fmt.Sprintf("%s row %d: seat counts", docID, i+1))
			continue
		}
		out = append(out, datatypes.UsageRow{
			VendorID:       vendorID,
			Period:         row.fields["month"],
			AllocatedSeats: int(alloc),
			ActiveSeats:    int(active),
			Citation:       datatypes.NewCitation(docID, 1, row.start, row.end),
		})
	}
	return out, bad, nil
}
