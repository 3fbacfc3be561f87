// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package budget enforces hard per-request limits on tool calls, tokens,
// wall clock and cost.
//
// Every spend goes through Reserve before the work and Commit (or
// Release) after it. A denied reservation is a BudgetExceeded fault and is
// never retried.
package budget

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// Kind names a budget dimension.
type Kind string

const (
	KindToolCalls Kind = "tool_calls"
	KindTokens    Kind = "tokens"
	KindWallClock Kind = "wall_clock_ms"
	KindCost      Kind = "cost_usd"
)

// microsPerUSD converts dollars to the integer unit used for cost counters.
const microsPerUSD = 1_000_000

// USDToMicros rounds a dollar amount to micro-dollars.
func USDToMicros(usd float64) int64 {
	return int64(math.Round(usd * microsPerUSD))
}

// MicrosToUSD converts back for reporting.
func MicrosToUSD(m int64) float64 {
	return float64(m) / microsPerUSD
}

// Limits are the ceilings for one request. Zero means unlimited.
type Limits struct {
	MaxToolCalls int64         `yaml:"max_tool_calls" json:"max_tool_calls" validate:"gte=0"`
	MaxTokens    int64         `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	MaxWallClock time.Duration `yaml:"max_wall_clock" json:"max_wall_clock" validate:"gte=0"`
	MaxCostUSD   float64       `yaml:"max_cost_usd" json:"max_cost_usd" validate:"gte=0"`
}

// DefaultLimits match the service defaults: 8 tool calls, 6000 tokens,
// 30 seconds and 5 cents.
func DefaultLimits() Limits {
	return Limits{
		MaxToolCalls: 8,
		MaxTokens:    6000,
		MaxWallClock: 30 * time.Second,
		MaxCostUSD:   0.05,
	}
}

// Policy resolves limits per tenant.
type Policy struct {
	Default Limits            `yaml:"default" json:"default"`
	Tenants map[string]Limits `yaml:"tenants" json:"tenants"`
}

// LimitsFor returns the tenant's limits, falling back to Default.
func (p Policy) LimitsFor(tenant string) Limits {
	if l, ok := p.Tenants[tenant]; ok {
		return l
	}
	return p.Default
}

// ExceededError describes a denied reservation.
type ExceededError struct {
	Kind      Kind
	Limit     int64
	Used      int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget %s exceeded: used %d + requested %d > limit %d",
		e.Kind, e.Used, e.Requested, e.Limit)
}

func exceeded(kind Kind, limit, used, requested int64) error {
	return faults.Wrap(&ExceededError{Kind: kind, Limit: limit, Used: used, Requested: requested},
		faults.KindBudgetExceeded, string(kind))
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock injects the time source used for wall clock accounting.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLedger charges cost reservations to a process-wide daily ledger.
func WithLedger(l *DailyLedger, tenant string) Option {
	return func(t *Tracker) {
		t.ledger = l
		t.tenant = tenant
	}
}

// WithBreachHook calls fn every time a reservation is denied.
func WithBreachHook(fn func(Kind)) Option {
	return func(t *Tracker) { t.onBreach = fn }
}

type counter struct {
	// held gates admission: committed usage plus outstanding reservations.
	held atomic.Int64

	// committed is what has actually been spent. Never decreases.
	committed atomic.Int64
}

// Tracker holds the budget counters of one request.
//
// # Description
//
// Admission uses a compare-and-swap loop on each counter, so concurrent
// subgoal branches never lose an increment and never jointly overshoot a
// limit. Reported usage only grows: Commit adds the actual amount and
// Release only returns held capacity.
//
// # Thread Safety
//
// Safe for concurrent use.
type Tracker struct {
	limits   Limits
	start    time.Time
	now      func() time.Time
	ledger   *DailyLedger
	tenant   string
	onBreach func(Kind)

	toolCalls counter
	tokens    counter
	cost      counter
}

// NewTracker starts a tracker. The wall clock starts now.
func NewTracker(limits Limits, opts ...Option) *Tracker {
	t := &Tracker{limits: limits, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.start = t.now()
	return t
}

// Limits returns the configured ceilings.
func (t *Tracker) Limits() Limits { return t.limits }

func (t *Tracker) counterFor(kind Kind) (*counter, int64) {
	switch kind {
	case KindToolCalls:
		return &t.toolCalls, t.limits.MaxToolCalls
	case KindTokens:
		return &t.tokens, t.limits.MaxTokens
	case KindCost:
		return &t.cost, USDToMicros(t.limits.MaxCostUSD)
	}
	return nil, 0
}

// Elapsed returns the wall clock spent since the tracker started.
func (t *Tracker) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Deadline returns the wall clock deadline, or zero if unlimited.
func (t *Tracker) Deadline() time.Time {
	if t.limits.MaxWallClock <= 0 {
		return time.Time{}
	}
	return t.start.Add(t.limits.MaxWallClock)
}

// Reserve claims amount units of kind.
//
// # Inputs
//
//   - kind: the dimension. For KindCost amount is in micro-dollars. For
//     KindWallClock amount is the milliseconds the caller expects to need.
//   - amount: must be >= 0.
//
// # Outputs
//
//   - *Reservation: must be committed or released exactly once.
//   - error: a BudgetExceeded fault if the reservation would exceed the
//     limit. Nothing is held in that case.
func (t *Tracker) Reserve(kind Kind, amount int64) (*Reservation, error) {
	if amount < 0 {
		return nil, fmt.Errorf("budget %s: negative reservation %d", kind, amount)
	}

	if kind == KindWallClock {
		if err := t.checkWallClock(amount); err != nil {
			return nil, err
		}
		return &Reservation{t: t, kind: kind}, nil
	}

	c, limit := t.counterFor(kind)
	if c == nil {
		return nil, fmt.Errorf("budget: unknown kind %q", kind)
	}

	for {
		cur := c.held.Load()
		if limit > 0 && cur+amount > limit {
			t.breach(kind)
			return nil, exceeded(kind, limit, cur, amount)
		}
		if c.held.CompareAndSwap(cur, cur+amount) {
			break
		}
	}

	r := &Reservation{t: t, kind: kind, amount: amount}
	if kind == KindCost && t.ledger != nil {
		if err := t.ledger.reserve(t.tenant, amount); err != nil {
			c.held.Add(-amount)
			t.breach(kind)
			return nil, err
		}
		r.ledgered = true
	}
	return r, nil
}

// ReserveCostUSD is Reserve(KindCost) in dollars.
func (t *Tracker) ReserveCostUSD(usd float64) (*Reservation, error) {
	return t.Reserve(KindCost, USDToMicros(usd))
}

// CheckWallClock returns a BudgetExceeded fault once the wall clock
// budget is spent.
func (t *Tracker) CheckWallClock() error {
	return t.checkWallClock(0)
}

func (t *Tracker) checkWallClock(needMs int64) error {
	if t.limits.MaxWallClock <= 0 {
		return nil
	}
	limit := t.limits.MaxWallClock.Milliseconds()
	used := t.Elapsed().Milliseconds()
	if used+needMs > limit {
		t.breach(KindWallClock)
		return exceeded(KindWallClock, limit, used, needMs)
	}
	return nil
}

func (t *Tracker) breach(kind Kind) {
	if t.onBreach != nil {
		t.onBreach(kind)
	}
}

// Snapshot returns committed usage.
func (t *Tracker) Snapshot() datatypes.BudgetUsage {
	return datatypes.BudgetUsage{
		ToolCalls: t.toolCalls.committed.Load(),
		Tokens:    t.tokens.committed.Load(),
		ElapsedMs: t.Elapsed().Milliseconds(),
		CostUSD:   MicrosToUSD(t.cost.committed.Load()),
	}
}

// Remaining returns how much of kind can still be reserved, or -1 if
// unlimited.
func (t *Tracker) Remaining(kind Kind) int64 {
	if kind == KindWallClock {
		if t.limits.MaxWallClock <= 0 {
			return -1
		}
		return max(0, t.limits.MaxWallClock.Milliseconds()-t.Elapsed().Milliseconds())
	}
	c, limit := t.counterFor(kind)
	if c == nil || limit <= 0 {
		return -1
	}
	return max(0, limit-c.held.Load())
}

// Reservation is a claim on budget that has not been settled yet.
type Reservation struct {
	t        *Tracker
	kind     Kind
	amount   int64
	ledgered bool
	settled  atomic.Bool
}

// Kind returns the reserved dimension.
func (r *Reservation) Kind() Kind { return r.kind }

// Amount returns the reserved amount.
func (r *Reservation) Amount() int64 { return r.amount }

// Commit records actual usage and settles the reservation.
//
// Usage is capped at the reserved amount so committed usage never passes
// a ceiling that admission already checked. The part of actual above the
// reservation is returned for the caller to report. Calling Commit or
// Release again is a no-op and returns 0.
func (r *Reservation) Commit(actual int64) (overshoot int64) {
	if r == nil || !r.settled.CompareAndSwap(false, true) || r.kind == KindWallClock {
		return 0
	}
	if actual < 0 {
		actual = 0
	}
	if actual > r.amount {
		overshoot = actual - r.amount
		actual = r.amount
	}
	c, _ := r.t.counterFor(r.kind)
	c.held.Add(actual - r.amount)
	c.committed.Add(actual)
	if r.ledgered {
		r.t.ledger.adjust(r.t.tenant, actual-r.amount)
	}
	return overshoot
}

// CommitReserved commits exactly the reserved amount.
func (r *Reservation) CommitReserved() {
	if r != nil {
		r.Commit(r.amount)
	}
}

// Release returns the reserved amount without recording usage.
func (r *Reservation) Release() {
	if r == nil || !r.settled.CompareAndSwap(false, true) || r.kind == KindWallClock {
		return
	}
	c, _ := r.t.counterFor(r.kind)
	c.held.Add(-r.amount)
	if r.ledgered {
		r.t.ledger.adjust(r.t.tenant, -r.amount)
	}
}

// EstimateTokens approximates token count as the number of
// whitespace-separated words.
func EstimateTokens(text string) int64 {
	return int64(len(strings.Fields(text)))
}

// CostForTokens prices tokens at usdPer1K.
func CostForTokens(tokens int64, usdPer1K float64) float64 {
	return float64(tokens) / 1000 * usdPer1K
}
