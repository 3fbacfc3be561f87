// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReserve_DeniesOverLimit(t *testing.T) {
	var breaches []Kind
	tr := NewTracker(Limits{MaxToolCalls: 2}, WithBreachHook(func(k Kind) { breaches = append(breaches, k) }))

	for i := 0; i < 2; i++ {
		r, err := tr.Reserve(KindToolCalls, 1)
		require.NoError(t, err)
		r.CommitReserved()
	}

	_, err := tr.Reserve(KindToolCalls, 1)
	require.Error(t, err)
	assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))
	assert.Equal(t, string(KindToolCalls), faults.CodeOf(err))
	assert.False(t, faults.RetryableOf(err))
	assert.Equal(t, []Kind{KindToolCalls}, breaches)

	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, int64(2), ex.Limit)
}

func TestReserve_Unlimited(t *testing.T) {
	tr := NewTracker(Limits{})
	for i := 0; i < 100; i++ {
		r, err := tr.Reserve(KindTokens, 1000)
		require.NoError(t, err)
		r.CommitReserved()
	}
	assert.Equal(t, int64(100_000), tr.Snapshot().Tokens)
	assert.Equal(t, int64(-1), tr.Remaining(KindTokens))
}

func TestReserve_Concurrent(t *testing.T) {
	tr := NewTracker(Limits{MaxToolCalls: 50})
	var granted atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := tr.Reserve(KindToolCalls, 1)
			if err != nil {
				return
			}
			granted.Add(1)
			r.CommitReserved()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), granted.Load())
	assert.Equal(t, int64(50), tr.Snapshot().ToolCalls)
}

func TestReservation_CommitAndRelease(t *testing.T) {
	tr := NewTracker(Limits{MaxTokens: 100})

	r, err := tr.Reserve(KindTokens, 80)
	require.NoError(t, err)
	_, err = tr.Reserve(KindTokens, 30)
	require.Error(t, err, "held reservation counts against the limit")

	r.Release()
	r.Release()
	r.Commit(50)
	assert.Equal(t, int64(0), tr.Snapshot().Tokens, "settled reservation ignores later calls")

	r2, err := tr.Reserve(KindTokens, 60)
	require.NoError(t, err)
	r2.Commit(20)
	assert.Equal(t, int64(20), tr.Snapshot().Tokens)
	assert.Equal(t, int64(80), tr.Remaining(KindTokens))
}

func TestReservation_CommitCapsAtReserved(t *testing.T) {
	ledger := NewDailyLedger(1, nil)
	tr := NewTracker(Limits{MaxTokens: 100, MaxCostUSD: 0.01}, WithLedger(ledger, "t1"))

	r, err := tr.Reserve(KindTokens, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(60), r.Commit(150))
	assert.Equal(t, int64(0), r.Commit(150), "second commit is a no-op")
	assert.Equal(t, int64(90), tr.Snapshot().Tokens)
	assert.LessOrEqual(t, tr.Snapshot().Tokens, tr.Limits().MaxTokens)
	assert.Equal(t, int64(10), tr.Remaining(KindTokens))

	c, err := tr.ReserveCostUSD(0.004)
	require.NoError(t, err)
	assert.Equal(t, USDToMicros(0.006), c.Commit(USDToMicros(0.01)))
	assert.InDelta(t, 0.004, tr.Snapshot().CostUSD, 1e-9)
	assert.InDelta(t, 0.004, ledger.SpentUSD("t1"), 1e-9)
}

func TestSnapshot_Monotonic(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	tr := NewTracker(Limits{MaxTokens: 1000, MaxCostUSD: 1}, WithClock(clock.Now))

	prev := tr.Snapshot()
	for i := 0; i < 20; i++ {
		r, err := tr.Reserve(KindTokens, 40)
		require.NoError(t, err)
		if i%3 == 0 {
			r.Release()
		} else {
			r.Commit(int64(i))
		}
		c, err := tr.ReserveCostUSD(0.001)
		require.NoError(t, err)
		c.CommitReserved()
		clock.Advance(time.Millisecond)

		cur := tr.Snapshot()
		assert.GreaterOrEqual(t, cur.Tokens, prev.Tokens)
		assert.GreaterOrEqual(t, cur.CostUSD, prev.CostUSD)
		assert.GreaterOrEqual(t, cur.ElapsedMs, prev.ElapsedMs)
		prev = cur
	}
	assert.InDelta(t, 0.02, prev.CostUSD, 1e-9)
}

func TestWallClock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	tr := NewTracker(Limits{MaxWallClock: time.Second}, WithClock(clock.Now))

	require.NoError(t, tr.CheckWallClock())
	assert.Equal(t, time.Unix(101, 0), tr.Deadline())

	_, err := tr.Reserve(KindWallClock, 2000)
	assert.True(t, faults.Is(err, faults.KindBudgetExceeded))

	clock.Advance(1500 * time.Millisecond)
	err = tr.CheckWallClock()
	assert.True(t, faults.Is(err, faults.KindBudgetExceeded))
	assert.Equal(t, string(KindWallClock), faults.CodeOf(err))
	assert.Equal(t, int64(0), tr.Remaining(KindWallClock))
}

func TestDailyLedger(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)}
	ledger := NewDailyLedger(0.01, clock.Now)

	tr := NewTracker(Limits{}, WithLedger(ledger, "t1"))
	r, err := tr.ReserveCostUSD(0.008)
	require.NoError(t, err)
	r.CommitReserved()

	other := NewTracker(Limits{}, WithLedger(ledger, "t1"))
	_, err = other.ReserveCostUSD(0.005)
	require.Error(t, err, "ledger is shared across requests")
	assert.Equal(t, int64(0), other.Snapshot().ToolCalls)

	isolated := NewTracker(Limits{}, WithLedger(ledger, "t2"))
	_, err = isolated.ReserveCostUSD(0.005)
	require.NoError(t, err, "tenants are isolated")

	clock.Advance(2 * time.Hour)
	r, err = other.ReserveCostUSD(0.005)
	require.NoError(t, err, "new UTC day resets spend")
	r.Commit(USDToMicros(0.002))
	assert.InDelta(t, 0.002, ledger.SpentUSD("t1"), 1e-9)
}

func TestPolicy_LimitsFor(t *testing.T) {
	p := Policy{
		Default: DefaultLimits(),
		Tenants: map[string]Limits{"small": {MaxToolCalls: 3}},
	}
	assert.Equal(t, int64(3), p.LimitsFor("small").MaxToolCalls)
	assert.Equal(t, int64(8), p.LimitsFor("other").MaxToolCalls)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(4), EstimateTokens("  notice  60 days\nauto-renew "))
	assert.InDelta(t, 0.0002, CostForTokens(2000, 0.0001), 1e-12)
}
