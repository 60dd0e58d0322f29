// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import (
	"fmt"
	"time"
)

// TimeLayout is the oneM2M timestamp format with five fixed fractional digits.
const TimeLayout = "20060102T150405.00000"

// parseLayout accepts an optional fraction with either '.' or ',' separator.
const parseLayout = "20060102T150405"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a oneM2M timestamp. The fractional part is optional.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(parseLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
