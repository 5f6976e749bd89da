package memory

import (
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// minIndexedRunes is the shortest content word the index keeps, exclusive.
const minIndexedRunes = 3

// Match is a memory ranked against a keyword query.
type Match struct {
	Event Event   `json:"event"`
	Score float64 `json:"score"` // 0.0 - 1.0
}

// keywordSimilarity computes overlap between keywords and a memory's text.
// Uses a combination of exact match ratio and substring weighting.
func keywordSimilarity(keywords []string, e Event) float64 {
	if len(keywords) == 0 {
		return 0
	}

	target := strings.ToLower(e.Content + " " + strings.Join(e.Tags, " "))
	targetWords := tokenize(target)
	targetSet := make(map[string]bool, len(targetWords))
	for _, w := range targetWords {
		targetSet[w] = true
	}
	for _, t := range e.Tags {
		targetSet[strings.ToLower(t)] = true
	}

	var matched int
	var weightedScore float64
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		if targetSet[kwLower] {
			matched++
			weightedScore += 1.0
		} else if strings.Contains(target, kwLower) {
			matched++
			weightedScore += 0.7 // partial substring match
		}
	}

	if matched == 0 {
		return 0
	}

	// Jaccard-inspired: overlap / union
	overlap := float64(matched)
	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := overlap / math.Max(union, 1)

	coverage := weightedScore / float64(len(keywords))

	return 0.4*jaccard + 0.6*coverage
}

// tokenize splits text into the lowercase words the index keeps: runs of
// letters, digits, '_' and '-' longer than three characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127) // keep unicode chars
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if utf8.RuneCountInString(w) > minIndexedRunes {
			result = append(result, w)
		}
	}
	return result
}

// indexTerms returns the index keys of e: content words and tags.
func indexTerms(e Event) []string {
	terms := tokenize(e.Content)
	for _, t := range e.Tags {
		terms = append(terms, strings.ToLower(t))
	}
	return terms
}

// sortMatches sorts by score descending, then id.
func sortMatches(results []Match) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Event.ID < results[j].Event.ID
	})
}
