package chunker

import "unicode"

// span is a half-open [Start, End) byte range within a section body.
type span struct {
	Start int
	End   int
}

// splitSentences returns sentence spans over text. A sentence ends at
// '.', '!' or '?' followed by whitespace, or at a newline, so markdown
// list items and short lines form their own boundaries.
func splitSentences(text string) []span {
	var spans []span
	start := 0
	runes := []rune(text)
	pos := 0 // byte position

	flush := func(end int) {
		if end > start {
			spans = append(spans, span{Start: start, End: end})
		}
		start = end
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		size := len(string(r))

		if r == '\n' {
			flush(pos + size)
		} else if r == '.' || r == '!' || r == '?' {
			// Only a terminator when followed by whitespace or EOF.
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(pos + size)
			}
		}
		pos += size
	}
	flush(pos)

	return spans
}
