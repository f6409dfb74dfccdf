package memory

import (
	"sort"
	"strings"
	"unicode"
)

// stopWords are skipped during keyword extraction.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "not": true, "but": true, "their": true,
}

// ExtractKeywords derives lowercase keywords from free text: words of at
// least three letters, stop words removed, de-duplicated, capped at 16,
// ordered by first occurrence.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) >= 16 {
			break
		}
	}
	return out
}

// TopKeywords returns the n most frequent keywords across a set of texts.
func TopKeywords(texts []string, n int) []string {
	counts := make(map[string]int)
	order := make(map[string]int)
	idx := 0
	for _, t := range texts {
		for _, k := range ExtractKeywords(t) {
			if _, ok := order[k]; !ok {
				order[k] = idx
				idx++
			}
			counts[k]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return order[keys[i]] < order[keys[j]]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
