// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package policy_engine classifies document content and detects prompt
// injection directives using YAML rule files embedded in the binary.
package policy_engine

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/policy_engine/enforcement"
)

// PII risk levels reported in the brief's risk flags.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// PolicyEngine holds compiled classification rules.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type PolicyEngine struct {
	version     string
	classifiers []Classification
}

// NewPolicyEngine loads the embedded classification rules.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromBytes(enforcement.DataClassificationPatterns)
}

// NewPolicyEngineFromBytes loads classification rules from YAML.
func NewPolicyEngineFromBytes(data []byte) (*PolicyEngine, error) {
	var file ClassificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.compile(); err != nil {
		return nil, err
	}
	return &PolicyEngine{version: file.Version, classifiers: file.ClassificationPatterns}, nil
}

// Version returns the rule file version combined with the embedded digest.
func (e *PolicyEngine) Version() string {
	return e.version + "+" + enforcement.Digest()
}

// ClassifyData returns the name of the highest-priority classification
// matching data, or "public".
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, c := range e.classifiers {
		for _, p := range c.Patterns {
			if p.compiledPattern.Match(data) {
				return c.Name
			}
		}
	}
	return "public"
}

// ScanFileContent checks every line against every pattern and reports
// each hit with its line number. Used by the ingest pipeline.
func (e *PolicyEngine) ScanFileContent(content string) []ScanFinding {
	var findings []ScanFinding
	for lineNum, line := range strings.Split(content, "\n") {
		for _, c := range e.classifiers {
			for _, p := range c.Patterns {
				match := p.compiledPattern.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, ScanFinding{
					LineNumber:         lineNum + 1,
					MatchedContent:     strings.TrimSpace(match),
					ClassificationName: c.Name,
					PatternId:          p.Id,
					PatternDescription: p.Description,
					Confidence:         p.Confidence,
				})
			}
		}
	}
	return findings
}

// PIIRisk grades texts for the risk_flags.pii_risk field.
//
// High when a secret or a high-confidence PII pattern appears, medium for
// medium-confidence PII, low otherwise.
func (e *PolicyEngine) PIIRisk(texts ...string) string {
	best := 0
	for _, text := range texts {
		for _, f := range e.ScanFileContent(text) {
			switch f.ClassificationName {
			case "secret":
				return RiskHigh
			case "pii":
				if f.Confidence == High {
					return RiskHigh
				}
				best = max(best, f.Confidence.rank())
			}
		}
	}
	if best >= Medium.rank() {
		return RiskMedium
	}
	return RiskLow
}
