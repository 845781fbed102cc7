// Package chunker converts fetched pages into a parent/child chunk
// tree. Parents follow section (heading) boundaries and preserve broad
// context; children are token-bounded windows used as retrieval units.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// HierarchicalChunker is deterministic: identical input and
// configuration always yield identical chunks and chunk IDs.
type HierarchicalChunker struct {
	tokenizer port.Tokenizer
	maxTokens int
	overlap   int
	minChars  int
	tolerance int
	stripper  *htmlStripper
}

// NewHierarchicalChunker creates a chunker with the given child window
// limits. maxTokens bounds child windows, overlap is the token overlap
// between consecutive windows, minChars discards noise chunks, and
// tolerance lets a window run past maxTokens to finish on a sentence
// boundary.
func NewHierarchicalChunker(maxTokens, overlap, minChars, tolerance int, stripSelectors []string, tokenizer port.Tokenizer) *HierarchicalChunker {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	if overlap < 0 {
		overlap = 0
	}
	if minChars <= 0 {
		minChars = 40
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &HierarchicalChunker{
		tokenizer: tokenizer,
		maxTokens: maxTokens,
		overlap:   overlap,
		minChars:  minChars,
		tolerance: tolerance,
		stripper:  newHTMLStripper(stripSelectors),
	}
}

// headingLine matches a markdown heading at the start of a line.
var headingLine = regexp.MustCompile(`(?m)^#{1,6}[ \t]`)

type section struct {
	Start int
	End   int
}

// Chunk converts raw content into parents followed by their children.
// HTML is stripped of boilerplate and converted to markdown first;
// markdown passes through and is segmented on heading boundaries.
func (c *HierarchicalChunker) Chunk(doc domain.Document, content string) ([]domain.Chunk, error) {
	text := content
	if doc.Type == domain.DocTypeHTML {
		md, err := c.stripper.ExtractMarkdown(content)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", doc.URL, err)
		}
		text = md
	}

	var chunks []domain.Chunk
	parentIdx := 0

	for _, sec := range splitSections(text) {
		body := text[sec.Start:sec.End]
		if len(strings.TrimSpace(body)) < c.minChars {
			continue
		}

		children := c.childChunks(doc, body, sec.Start, parentIdx)
		if len(children) == 0 {
			continue
		}

		parentHash := hashText(body)
		parentID := ChunkID(doc.ID, parentIdx, -1, parentHash)
		parent := domain.Chunk{
			ID:          parentID,
			DocID:       doc.ID,
			Text:        body,
			TokenCount:  c.tokenizer.CountTokens(body),
			ContentHash: parentHash,
			StartOffset: sec.Start,
			EndOffset:   sec.End,
		}

		for i := range children {
			children[i].ParentID = parentID
		}

		chunks = append(chunks, parent)
		chunks = append(chunks, children...)
		parentIdx++
	}

	if len(chunks) == 0 {
		return nil, domain.ErrDegenerateContent
	}
	return chunks, nil
}

// childChunks splits a section body into token-bounded windows.
func (c *HierarchicalChunker) childChunks(doc domain.Document, body string, base, parentIdx int) []domain.Chunk {
	var children []domain.Chunk
	childIdx := 0

	for _, w := range c.windowSpans(body) {
		text, trimmed := trimSpan(body, w)
		if len(text) < c.minChars {
			continue
		}

		hash := hashText(text)
		children = append(children, domain.Chunk{
			ID:          ChunkID(doc.ID, parentIdx, childIdx, hash),
			DocID:       doc.ID,
			Text:        text,
			Tokens:      c.tokenizer.Tokenize(text),
			TokenCount:  c.tokenizer.CountTokens(text),
			ContentHash: hash,
			StartOffset: base + trimmed.Start,
			EndOffset:   base + trimmed.End,
		})
		childIdx++
	}

	return children
}

// windowSpans accumulates sentences into windows of at most maxTokens,
// allowing a single sentence to run into the tolerance so splits land
// on sentence boundaries. Consecutive windows share roughly overlap
// tokens of trailing context.
func (c *HierarchicalChunker) windowSpans(body string) []span {
	sents := splitSentences(body)
	var out []span

	i := 0
	for i < len(sents) {
		first := c.tokenizer.CountTokens(body[sents[i].Start:sents[i].End])
		if first > c.maxTokens+c.tolerance {
			out = append(out, c.hardSplit(body, sents[i])...)
			i++
			continue
		}

		j := i
		total := 0
		for j < len(sents) {
			st := c.tokenizer.CountTokens(body[sents[j].Start:sents[j].End])
			if j > i && total+st > c.maxTokens {
				break
			}
			total += st
			j++
		}
		out = append(out, span{Start: sents[i].Start, End: sents[j-1].End})

		if j >= len(sents) {
			break
		}

		next := j
		if c.overlap > 0 {
			otok := 0
			for next > i+1 {
				st := c.tokenizer.CountTokens(body[sents[next-1].Start:sents[next-1].End])
				if otok+st > c.overlap {
					break
				}
				otok += st
				next--
			}
		}
		i = next
	}

	return out
}

// hardSplit cuts an oversized sentence at word boundaries.
func (c *HierarchicalChunker) hardSplit(body string, s span) []span {
	words := wordSpans(body[s.Start:s.End])
	var out []span

	start := -1
	tokens := 0
	for _, w := range words {
		wt := c.tokenizer.CountTokens(body[s.Start+w.Start : s.Start+w.End])
		if start < 0 {
			start = s.Start + w.Start
			tokens = wt
			continue
		}
		if tokens+wt > c.maxTokens {
			out = append(out, span{Start: start, End: s.Start + w.Start})
			start = s.Start + w.Start
			tokens = wt
			continue
		}
		tokens += wt
	}
	if start >= 0 {
		out = append(out, span{Start: start, End: s.End})
	}
	return out
}

// wordSpans returns byte spans of whitespace-separated words.
func wordSpans(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if start >= 0 {
				spans = append(spans, span{Start: start, End: i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{Start: start, End: len(text)})
	}
	return spans
}

// splitSections splits text at heading boundaries. Content before the
// first heading forms its own section.
func splitSections(text string) []section {
	locs := headingLine.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []section{{Start: 0, End: len(text)}}
	}

	var secs []section
	if locs[0][0] > 0 {
		secs = append(secs, section{Start: 0, End: locs[0][0]})
	}
	for k, loc := range locs {
		end := len(text)
		if k+1 < len(locs) {
			end = locs[k+1][0]
		}
		secs = append(secs, section{Start: loc[0], End: end})
	}
	return secs
}

// trimSpan trims surrounding whitespace and returns the adjusted span.
func trimSpan(body string, w span) (string, span) {
	raw := body[w.Start:w.End]
	left := strings.TrimLeft(raw, " \t\n\r")
	start := w.Start + (len(raw) - len(left))
	text := strings.TrimRight(left, " \t\n\r")
	return text, span{Start: start, End: start + len(text)}
}

// ChunkID derives a stable chunk identifier from the document ID, the
// chunk's position in the tree and its content hash. childIdx is -1
// for parent-level chunks. Re-chunking unchanged content yields
// identical IDs, which is what makes incremental updates idempotent.
func ChunkID(docID string, parentIdx, childIdx int, contentHash string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d:%s", docID, parentIdx, childIdx, contentHash)))
	return hex.EncodeToString(h[:8])
}

// hashText returns the content hash used for change detection.
func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
