package services

import (
	"fmt"
	"strconv"

	"github.com/feiralivre/api/internal/postal"
)

const maxNearbySuggestions = 5

var nearbySuggestionOffsets = []int{10, -10, 50, -50, 100, -100}

// nearbyPostalCodes proposes up to five alternatives for code: the hand-known codes of a dense
// prefix first, then small numeric offsets around the input.
func nearbyPostalCodes(dense map[string][]string, raw string) []string {
	code := postal.Sanitize(raw)
	if !postal.IsValidCode(code) {
		return []string{}
	}
	value, err := strconv.Atoi(code)
	if err != nil {
		return []string{}
	}

	seen := map[string]struct{}{code: {}}
	out := make([]string, 0, maxNearbySuggestions)
	add := func(candidate string) {
		if len(out) >= maxNearbySuggestions || !postal.IsValidCode(candidate) {
			return
		}
		if _, dup := seen[candidate]; dup {
			return
		}
		seen[candidate] = struct{}{}
		out = append(out, candidate)
	}

	for _, known := range dense[code[:5]] {
		add(postal.Sanitize(known))
	}
	for _, offset := range nearbySuggestionOffsets {
		next := value + offset
		if next < 0 || next > 99999999 {
			continue
		}
		add(fmt.Sprintf("%08d", next))
	}
	return out
}
