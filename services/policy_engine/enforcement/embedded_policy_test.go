// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package enforcement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddedFiles(t *testing.T) {
	assert.NotEmpty(t, DataClassificationPatterns)
	assert.NotEmpty(t, InjectionPatterns)
	assert.Contains(t, string(DataClassificationPatterns), "classifications:")
	assert.Contains(t, string(InjectionPatterns), "rules:")
}

func TestDigest_Stable(t *testing.T) {
	assert.Len(t, Digest(), 12)
	assert.Equal(t, Digest(), Digest())
}
