package relay

import (
	"strconv"
	"unicode/utf16"
)

// ResolveID converts a public room id into the registry key.
//
// Ids made only of digits that fit into int32 map onto themselves, so they
// occupy the non-negative range. Every other id is hashed and the hash is
// folded into the non-positive range.
func ResolveID(raw string) int32 {
	if id, ok := parseNumericID(raw); ok {
		return id
	}
	h := stringHash(raw)
	if h > 0 {
		return -h
	}
	return h
}

func parseNumericID(raw string) (int32, bool) {
	if raw == "" {
		return 0, false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

// stringHash is the 31-multiplier hash over UTF-16 code units used by the
// game clients, so ids hash identically on both ends.
func stringHash(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(unit)
	}
	return h
}
