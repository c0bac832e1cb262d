package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISO8601Duration parses durations of the form PnDTnHnMnS, the format
// dashboard clients send for stats windows. Weeks (PnW) are accepted as a
// shorthand. Years and months are rejected since they have no fixed length.
func ParseISO8601Duration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("%q: must start with P", orig)
	}
	s = s[1:]
	if s == "" {
		return 0, fmt.Errorf("%q: empty duration", orig)
	}

	var total time.Duration
	inTime := false
	seen := false
	for len(s) > 0 {
		if s[0] == 'T' {
			if inTime {
				return 0, fmt.Errorf("%q: repeated T", orig)
			}
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("%q: malformed duration", orig)
		}
		n, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			return 0, fmt.Errorf("%q: %v", orig, err)
		}
		unit := s[i]
		s = s[i+1:]
		seen = true

		var scale time.Duration
		switch {
		case !inTime && unit == 'W':
			scale = 7 * 24 * time.Hour
		case !inTime && unit == 'D':
			scale = 24 * time.Hour
		case inTime && unit == 'H':
			scale = time.Hour
		case inTime && unit == 'M':
			scale = time.Minute
		case inTime && unit == 'S':
			scale = time.Second
		case unit == 'Y' || (!inTime && unit == 'M'):
			return 0, fmt.Errorf("%q: years and months are not supported", orig)
		default:
			return 0, fmt.Errorf("%q: unexpected designator %q", orig, string(unit))
		}
		total += time.Duration(n * float64(scale))
	}
	if !seen {
		return 0, fmt.Errorf("%q: no components", orig)
	}
	return total, nil
}
