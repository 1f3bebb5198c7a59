package medsafety

import "strings"

// trigramSet builds the padded character-trigram set of a normalized name.
func trigramSet(s string) map[string]struct{} {
	s = "  " + s + " "
	set := make(map[string]struct{}, len(s))
	for i := 0; i+3 <= len(s); i++ {
		set[s[i:i+3]] = struct{}{}
	}
	return set
}

// trigramSimilarity is the Dice coefficient over trigram sets; 1.0 means
// identical, 0.0 means no shared trigrams.
func trigramSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	sa, sb := trigramSet(a), trigramSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0.0
	}
	shared := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			shared++
		}
	}
	return 2.0 * float64(shared) / float64(len(sa)+len(sb))
}

// normalizeDrug lowercases and trims a drug name for table lookups.
func normalizeDrug(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
