package feedback

import (
	"math"
	"strconv"
	"strings"
)

// ID is an external forum identifier in canonical text form.
// The zero value means "absent".
type ID string

// maxExactFloat is the largest integer a float64 represents exactly.
const maxExactFloat = 1 << 53

// CanonicalID normalizes a textual identifier.
// Integer-valued input is rendered in base 10 without sign padding or leading
// zeros; anything else is kept as trimmed text.
func CanonicalID(s string) ID {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return ""
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ID(strconv.FormatInt(n, 10))
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if id, ok := idFromFloat(f); ok {
			return id
		}
	}

	return ID(s)
}

// IDFromInt returns the canonical form of an integer identifier.
func IDFromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// IDFromFloat returns the canonical form of a numeric identifier.
// Non-integral values are kept in their shortest text form.
func IDFromFloat(f float64) ID {
	if id, ok := idFromFloat(f); ok {
		return id
	}
	return ID(strconv.FormatFloat(f, 'f', -1, 64))
}

func idFromFloat(f float64) (ID, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if f != math.Trunc(f) || math.Abs(f) > maxExactFloat {
		return "", false
	}
	return IDFromInt(int64(f)), true
}

// IsZero reports whether the identifier is absent.
func (id ID) IsZero() bool {
	return id == ""
}

// String returns the canonical text form.
func (id ID) String() string {
	return string(id)
}

// Nullable returns the identifier as a storage value, nil when absent.
func (id ID) Nullable() any {
	if id == "" {
		return nil
	}
	return string(id)
}

// DistinctIDs returns ids in first-seen order with absent and repeated ids removed.
func DistinctIDs(ids []ID) []ID {
	seen := make(map[ID]struct{}, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
