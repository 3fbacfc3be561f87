// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package enforcement bakes the policy rule files into the binary so the
default rules travel with the executable and cannot drift from the code
that interprets them. Operators may still layer an override file at
runtime (see policy_engine.WatchInjectionRules).
*/
package enforcement

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
)

// DataClassificationPatterns is the raw content of data_classification_patterns.yaml.
//
//go:embed data_classification_patterns.yaml
var DataClassificationPatterns []byte

// InjectionPatterns is the raw content of injection_patterns.yaml.
//
//go:embed injection_patterns.yaml
var InjectionPatterns []byte

// Digest returns a short content hash of the embedded rule files. It
// changes whenever either file changes and is used as the policy version
// in brief cache keys.
func Digest() string {
	h := sha256.New()
	h.Write(DataClassificationPatterns)
	h.Write([]byte{0})
	h.Write(InjectionPatterns)
	return hex.EncodeToString(h.Sum(nil))[:12]
}
