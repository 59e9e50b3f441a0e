package mapping

import (
	"regexp"
	"strings"

	"kgraph/internal/schema"
)

// defaultMaxTokens bounds a chunk when the schema leaves max_tokens unset.
// Tokens are approximated by whitespace-separated words.
const defaultMaxTokens = 256

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s`)

// chunkDocument derives the embedding text fragments for a node according
// to the chunking strategy. Returns nil when no textual content is selected.
func chunkDocument(spec *schema.ChunkingSpec, node *schema.NodeSpec, props map[string]any) []ChunkText {
	maxTokens := spec.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var pieces []string
	switch spec.Strategy {
	case schema.ChunkByFields:
		// Named fields concatenated in declared order, one logical chunk,
		// split only when oversized.
		var parts []string
		for _, f := range spec.Fields {
			if v, ok := props[f].(string); ok && strings.TrimSpace(v) != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		pieces = splitByTokens(strings.Join(parts, "\n\n"), maxTokens)

	case schema.ChunkByHeadings:
		text := textualContent(node, props)
		if text == "" {
			return nil
		}
		for _, section := range splitAtHeadings(text) {
			pieces = append(pieces, splitByTokens(section, maxTokens)...)
		}

	case schema.ChunkSentence:
		text := textualContent(node, props)
		if text == "" {
			return nil
		}
		pieces = groupByTokens(splitSentences(text), " ", maxTokens)

	case schema.ChunkParagraph:
		text := textualContent(node, props)
		if text == "" {
			return nil
		}
		pieces = groupByTokens(splitParagraphs(text), "\n\n", maxTokens)

	default:
		return nil
	}

	chunks := make([]ChunkText, 0, len(pieces))
	for i, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		chunks = append(chunks, ChunkText{Index: i, Text: p})
	}
	// Reindex after dropping empties so chunk_index stays dense.
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// textualContent concatenates the node's string-valued properties in
// declared prop order.
func textualContent(node *schema.NodeSpec, props map[string]any) string {
	var parts []string
	for _, name := range node.Props {
		if v, ok := props[name].(string); ok && strings.TrimSpace(v) != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n\n")
}

// splitAtHeadings splits markdown-style text at heading boundaries; the
// preamble before the first heading is its own section.
func splitAtHeadings(text string) []string {
	locs := headingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	var sections []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			sections = append(sections, text[prev:loc[0]])
		}
		prev = loc[0]
	}
	sections = append(sections, text[prev:])
	return sections
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*\s*`)

// splitSentences segments on sentence terminators.
func splitSentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	var out []string
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitParagraphs segments on blank lines.
func splitParagraphs(text string) []string {
	var out []string
	for _, p := range regexp.MustCompile(`\n\s*\n`).Split(text, -1) {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitByTokens cuts text into pieces of at most maxTokens words, breaking
// at sentence boundaries where possible.
func splitByTokens(text string, maxTokens int) []string {
	if tokenCount(text) <= maxTokens {
		return []string{text}
	}
	return groupByTokens(splitSentences(text), " ", maxTokens)
}

// groupByTokens packs units into chunks of at most maxTokens words. A unit
// larger than the budget becomes its own chunk rather than being dropped.
func groupByTokens(units []string, sep string, maxTokens int) []string {
	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, strings.Join(current, sep))
			current = nil
			currentTokens = 0
		}
	}

	for _, u := range units {
		n := tokenCount(u)
		if currentTokens+n > maxTokens && currentTokens > 0 {
			flush()
		}
		current = append(current, u)
		currentTokens += n
	}
	flush()
	return chunks
}

func tokenCount(s string) int {
	return len(strings.Fields(s))
}
