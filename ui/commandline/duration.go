// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"strconv"
	"strings"
	"time"
)

// FormatDuration prints a single unit duration with 2 decimal places: "1.23ms" instead of "1.234567ms".
// Durations with multiple units (e.g. "1h2m3s") are returned as is.
func FormatDuration(d time.Duration) string {
	s := d.String()
	unitStart := strings.IndexFunc(s, func(r rune) bool { return r != '.' && (r < '0' || r > '9') })
	if unitStart <= 0 {
		return s
	}
	unit := s[unitStart:]
	if strings.ContainsAny(unit, "0123456789") {
		return s
	}
	num, err := strconv.ParseFloat(s[:unitStart], 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(num, 'f', 2, 64) + unit
}
