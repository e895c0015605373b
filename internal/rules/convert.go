package rules

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"dsrules/internal/tree"
)

// toInt converts like parseInt: numbers truncate, strings use their
// leading integer
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case nil, bool:
		return 0, false
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return int(n), true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case string:
		return leadingInt(x)
	}
	return tree.Int(v)
}

func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if (c == '-' || c == '+') && end == 0 {
			end++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		end++
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// toString accepts strings and numbers
func toString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case int, int64, float64, json.Number:
		return tree.String(x), true
	}
	return "", false
}

// toBool accepts booleans; strings are true only for "true"
func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		return x == "true", true
	}
	return false, false
}
