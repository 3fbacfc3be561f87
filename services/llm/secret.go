// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// minMlockLimitKB is the locked-memory limit below which enclaves may
// fail to allocate under load.
const minMlockLimitKB = 64

var memguardInitOnce sync.Once

// initMemguard installs the interrupt handler that wipes enclaves on
// SIGINT and warns when the mlock limit is low.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		if ok, limitKB := checkMlockLimit(); !ok {
			slog.Warn("mlock limit is low, API keys may be swappable",
				"limit_kb", limitKB, "recommended_kb", minMlockLimitKB)
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK is sufficient. The
// limit is -1 when unlimited or unknown.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// secret holds an API key sealed in a memguard enclave. It is opened
// only for the duration of a call.
type secret struct {
	enclave *memguard.Enclave
}

var errEmptySecret = errors.New("secret is empty")

// newSecret seals value. The source bytes are wiped by memguard.
func newSecret(value string) (*secret, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errEmptySecret
	}
	initMemguard()
	return &secret{enclave: memguard.NewEnclave([]byte(value))}, nil
}

// with opens the enclave and passes a heap copy of the plaintext to fn.
// The copy is needed because HTTP transports may retain header values
// after the locked buffer is destroyed.
func (s *secret) with(fn func(key string) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	key := string(buf.Bytes())
	buf.Destroy()
	return fn(key)
}
