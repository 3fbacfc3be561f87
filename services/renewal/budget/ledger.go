// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"sync"
	"time"
)

// DailyLedger caps cost per tenant per UTC day across all requests.
//
// # Thread Safety
//
// Safe for concurrent use. The lock is never held across I/O.
type DailyLedger struct {
	mu    sync.Mutex
	limit int64
	now   func() time.Time
	day   string
	spent map[string]int64
}

// NewDailyLedger creates a ledger with a USD ceiling. A zero ceiling
// disables the ledger (every reservation succeeds).
func NewDailyLedger(limitUSD float64, now func() time.Time) *DailyLedger {
	if now == nil {
		now = time.Now
	}
	return &DailyLedger{
		limit: USDToMicros(limitUSD),
		now:   now,
		spent: make(map[string]int64),
	}
}

func (l *DailyLedger) rollover() {
	today := l.now().UTC().Format("2006-01-02")
	if today != l.day {
		l.day = today
		l.spent = make(map[string]int64)
	}
}

func (l *DailyLedger) reserve(tenant string, micros int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	cur := l.spent[tenant]
	if l.limit > 0 && cur+micros > l.limit {
		return exceeded(KindCost, l.limit, cur, micros)
	}
	l.spent[tenant] = cur + micros
	return nil
}

func (l *DailyLedger) adjust(tenant string, delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.spent[tenant] = max(0, l.spent[tenant]+delta)
}

// SpentUSD returns the tenant's spend for the current day.
func (l *DailyLedger) SpentUSD(tenant string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return MicrosToUSD(l.spent[tenant])
}
