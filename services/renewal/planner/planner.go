// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner decomposes a brief request into subgoals.
package planner

import "github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"

// Order is the fixed subgoal order of every plan.
var Order = []datatypes.SubgoalName{
	datatypes.SubgoalTerms,
	datatypes.SubgoalPricing,
	datatypes.SubgoalUsage,
	datatypes.SubgoalRisk,
	datatypes.SubgoalNegotiation,
	datatypes.SubgoalDraftEmail,
}

// Planner builds plans. It holds no state.
type Planner struct{}

// New returns a Planner.
func New() *Planner { return &Planner{} }

// Plan returns a fresh plan for req. The five retrieval subgoals are
// independent; draft_email depends on all of them.
func (p *Planner) Plan(req *datatypes.Request) *datatypes.Plan {
	plan := &datatypes.Plan{RequestID: req.RequestID}
	var retrieval []datatypes.SubgoalName
	for _, name := range Order {
		sg := &datatypes.Subgoal{Name: name, Status: datatypes.SubgoalPending}
		if name == datatypes.SubgoalDraftEmail {
			sg.DependsOn = append([]datatypes.SubgoalName(nil), retrieval...)
		} else {
			retrieval = append(retrieval, name)
		}
		plan.Subgoals = append(plan.Subgoals, sg)
	}
	return plan
}
