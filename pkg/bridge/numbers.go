// smsmatrix - A Matrix-SMS bridge.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import "strings"

// NormalizeNumber canonicalizes a phone number into the key used to identify
// conversations. It strips everything except digits and a leading +, then
// applies a best-effort country prefix:
//
//   - already has +: kept as-is (treated as international)
//   - exactly 10 digits: assumed US/CA, prefixed with +1
//   - 11 digits starting with 1: prefixed with +
//   - anything else: prefixed with + as a best-effort tag
//
// This is a heuristic, not E.164 validation: non-US numbers dialed without a
// country code degrade to a best-effort key. It is total and idempotent; an
// input with no digits at all is returned trimmed but otherwise unchanged.
func NormalizeNumber(raw string) string {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")
	var digits strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return trimmed
	}
	if hasPlus {
		return "+" + d
	}
	switch {
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	default:
		return "+" + d
	}
}
