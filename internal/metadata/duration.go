package metadata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	month = 30 * day
	year  = 365 * day
)

// ParseDuration parses an xs:duration such as "PT6H", "P1DT12H" or "-PT30M".
// Years and months use fixed 365 and 30 day lengths.
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	seen := false
	for len(s) > 0 {
		if s[0] == 'T' {
			if inTime {
				return 0, fmt.Errorf("invalid duration %q", orig)
			}
			inTime = true
			s = s[1:]
			if s == "" {
				return 0, fmt.Errorf("invalid duration %q: empty time part", orig)
			}
			continue
		}

		i := 0
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("invalid duration %q", orig)
		}
		num, designator := s[:i], s[i]
		s = s[i+1:]

		v, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", orig, err)
		}
		if strings.Contains(num, ".") && !(inTime && designator == 'S') {
			return 0, fmt.Errorf("invalid duration %q: fractions only allowed in seconds", orig)
		}

		var unit time.Duration
		switch {
		case !inTime && designator == 'Y':
			unit = year
		case !inTime && designator == 'M':
			unit = month
		case !inTime && designator == 'W':
			unit = 7 * day
		case !inTime && designator == 'D':
			unit = day
		case inTime && designator == 'H':
			unit = time.Hour
		case inTime && designator == 'M':
			unit = time.Minute
		case inTime && designator == 'S':
			unit = time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q: unexpected %q", orig, designator)
		}
		part := v * float64(unit)
		if part >= math.MaxInt64 || total > math.MaxInt64-time.Duration(part) {
			return 0, fmt.Errorf("invalid duration %q: out of range", orig)
		}
		total += time.Duration(part)
		seen = true
	}
	if !seen {
		return 0, fmt.Errorf("invalid duration %q", orig)
	}
	if neg {
		total = -total
	}
	return total, nil
}
