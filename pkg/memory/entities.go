package memory

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"
)

const defaultEntityType = "concept"

// Words never worth turning into entities on their own.
var entityStopwords = map[string]bool{
	"i": true, "a": true, "an": true, "the": true, "and": true, "or": true,
	"but": true, "if": true, "so": true, "is": true, "are": true, "was": true,
	"were": true, "this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "he": true, "she": true, "they": true, "we": true,
	"you": true, "my": true, "me": true, "his": true, "her": true, "their": true,
	"our": true, "what": true, "when": true, "where": true, "who": true,
	"how": true, "why": true, "not": true, "no": true, "yes": true, "ok": true,
	"okay": true, "do": true, "did": true, "does": true, "be": true, "been": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "about": true, "from": true, "will": true, "would": true,
	"can": true, "could": true, "should": true, "have": true, "has": true,
	"had": true, "there": true, "here": true, "just": true, "like": true,
}

// entityID derives a deterministic graph key. Namespacing by type keeps
// "Apple" the company and "apple" the fruit as distinct nodes.
func entityID(name, entityType string) string {
	sum := sha1.Sum([]byte(strings.ToLower(name) + "|" + entityType))
	return hex.EncodeToString(sum[:])[:16]
}

// extractEntities is the no-model baseline: capitalized or digit-bearing
// tokens, plus runs of CJK characters. It is deliberately permissive; the
// consolidation path supplies real entities from the LLM and bypasses this.
func extractEntities(text string) []Entity {
	seen := map[string]bool{}
	var out []Entity

	add := func(name string) {
		name = strings.TrimFunc(name, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSpace(r)
		})
		if len([]rune(name)) < 2 {
			return
		}
		if entityStopwords[strings.ToLower(name)] {
			return
		}
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Entity{
			ID:   entityID(name, defaultEntityType),
			Name: name,
			Type: defaultEntityType,
		})
	}

	for _, run := range cjkRuns(text) {
		add(run)
	}
	for _, word := range strings.Fields(text) {
		trimmed := strings.TrimFunc(word, func(r rune) bool { return unicode.IsPunct(r) })
		if trimmed == "" {
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsUpper(first) || containsDigit(trimmed) {
			add(trimmed)
		}
	}
	return out
}

// cjkRuns collects maximal runs of consecutive CJK runes of length >= 2.
func cjkRuns(text string) []string {
	var runs []string
	var cur []rune
	flush := func() {
		if len(cur) >= 2 {
			runs = append(runs, string(cur))
		}
		cur = cur[:0]
	}
	for _, r := range text {
		if isCJK(r) {
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return runs
}

func containsDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// coOccurrenceRelations links every entity pair found in the same content
// with a weak CO_OCCURS edge, evidence truncated to 100 runes.
func coOccurrenceRelations(entities []Entity, content string) []Relation {
	if len(entities) < 2 {
		return nil
	}
	evidence := truncateRunes(content, 100)
	var out []Relation
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			out = append(out, Relation{
				From:     entities[i].ID,
				To:       entities[j].ID,
				Type:     "CO_OCCURS",
				Strength: 0.5,
				Evidence: evidence,
			})
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
