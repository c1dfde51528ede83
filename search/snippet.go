package search

import (
	"strings"
	"unicode"

	"github.com/kilnwork/kiln/block"
)

// snippetMaxLen is the approximate maximum character length for a snippet.
const snippetMaxLen = 300

// extractSnippet derives preview text for a hit, branching on the block's
// kind since a block is already the system's smallest addressable unit
// (spec's block glossary entry) rather than an arbitrary chunk of a larger
// document: a code block isn't prose and shouldn't be re-split into
// sentences, a heading is already short enough to show whole, and only the
// prose kinds (paragraph, list item, quote, callout) benefit from scoring
// individual sentences against the query.
func extractSnippet(content string, kind block.Kind, queryWords map[string]bool) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}

	switch kind {
	case block.KindHeading, block.KindCode, block.KindLatex, block.KindRule, block.KindEmbed:
		return truncate(content, snippetMaxLen)
	default:
		return extractProseSnippet(content, queryWords)
	}
}

// extractProseSnippet returns the sentence (plus a best adjacent neighbor)
// with the highest word overlap against queryWords, falling back to a
// truncated prefix when nothing overlaps so a result never surfaces
// without any preview text.
func extractProseSnippet(content string, queryWords map[string]bool) string {
	if len(queryWords) == 0 {
		return truncate(content, snippetMaxLen)
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return truncate(content, snippetMaxLen)
	}

	type scored struct {
		text  string
		score int
	}
	scoredSentences := make([]scored, len(sentences))
	for i, s := range sentences {
		overlap := 0
		for w := range significantWords(s) {
			if queryWords[w] {
				overlap++
			}
		}
		scoredSentences[i] = scored{text: s, score: overlap}
	}

	bestIdx, bestScore := 0, scoredSentences[0].score
	for i, s := range scoredSentences {
		if s.score > bestScore {
			bestScore = s.score
			bestIdx = i
		}
	}
	if bestScore == 0 {
		return truncate(content, snippetMaxLen)
	}

	result := scoredSentences[bestIdx].text
	if len(result) < snippetMaxLen && len(scoredSentences) > 1 {
		candidateIdx, candidateScore := -1, 0
		for _, delta := range []int{1, -1} {
			adj := bestIdx + delta
			if adj >= 0 && adj < len(scoredSentences) && scoredSentences[adj].score > candidateScore {
				candidateScore = scoredSentences[adj].score
				candidateIdx = adj
			}
		}
		if candidateIdx >= 0 && candidateScore > 0 {
			combined := result + " " + scoredSentences[candidateIdx].text
			if candidateIdx < bestIdx {
				combined = scoredSentences[candidateIdx].text + " " + result
			}
			if len(combined) <= snippetMaxLen {
				result = combined
			}
		}
	}
	return result
}

// significantWords returns the set of lowercased words >= 4 characters,
// excluding common stop words.
func significantWords(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			words[w] = true
		}
	}
	return words
}

// splitSentences splits text into sentences at period/question/exclamation
// boundaries followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut]
}

// stopWords is a set of common English stop words to exclude from matching.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
}
