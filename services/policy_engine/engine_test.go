// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy_engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyEngine(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	tests := []struct {
		name            string
		input           string
		shouldFind      bool
		expectedClass   string
		expectedPattern string
	}{
		{
			name:          "Safe String",
			input:         "Subscription term is 12 months with notice 60 days.",
			shouldFind:    false,
			expectedClass: "public",
		},
		{
			name:            "AWS Access Key (Secret)",
			input:           "Integration key AKIA1234567890123456 for the prod account.",
			shouldFind:      true,
			expectedClass:   "secret",
			expectedPattern: "AWS_ACCESS_KEY_ID",
		},
		{
			name:            "Email Address (PII)",
			input:           "Send notices to legal@vendor.example.com.",
			shouldFind:      true,
			expectedClass:   "pii",
			expectedPattern: "EMAIL_ADDRESS",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			findings := engine.ScanFileContent(tc.input)
			if !tc.shouldFind {
				assert.Empty(t, findings)
			} else {
				require.NotEmpty(t, findings)
				ids := make([]string, 0, len(findings))
				for _, f := range findings {
					ids = append(ids, f.PatternId)
				}
				assert.Contains(t, ids, tc.expectedPattern)
				assert.Equal(t, 1, findings[0].LineNumber)
			}
			assert.Equal(t, tc.expectedClass, engine.ClassifyData([]byte(tc.input)))
		})
	}
}

func TestPIIRisk(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)

	tests := []struct {
		name  string
		texts []string
		want  string
	}{
		{"no evidence", nil, RiskLow},
		{"clean clause", []string{"Liability capped at 2x annual fees."}, RiskLow},
		{"email", []string{"Contact dpo@vendor.example.com"}, RiskMedium},
		{"ssn", []string{"ok", "employee 123-45-6789"}, RiskHigh},
		{"secret wins", []string{"api_key = abcdefghijklmnop1234"}, RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.PIIRisk(tt.texts...))
		})
	}
}

func TestVersion(t *testing.T) {
	engine, err := NewPolicyEngine()
	require.NoError(t, err)
	assert.Contains(t, engine.Version(), "2025-03.1+")
}

func TestNewPolicyEngineFromBytes_Invalid(t *testing.T) {
	_, err := NewPolicyEngineFromBytes([]byte("classifications:\n  - name: x\n    patterns:\n      - id: BAD\n        regex: '('\n        confidence: low\n"))
	assert.Error(t, err)

	_, err = NewPolicyEngineFromBytes([]byte("classifications:\n  - name: x\n    patterns:\n      - id: A\n        regex: 'a'\n        confidence: extreme\n"))
	assert.Error(t, err)
}
