package chunker

import (
	"errors"
	"strings"
	"testing"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/domain"
)

func newTestChunker() *HierarchicalChunker {
	return NewHierarchicalChunker(40, 8, 20, 10, []string{"nav", "footer"}, analyzer.NewTokenizer())
}

const testMarkdown = `# Installation

Install the binary from the releases page. Unpack the archive into a
directory on your PATH and verify the checksum before running it.

# Configuration

The server reads its configuration from a YAML file. Every option has
a default value. Override the listen address with the address key and
restart the process to apply changes. The TLS section controls the
certificate paths used for incoming connections.
`

func markdownDoc() domain.Document {
	return domain.Document{ID: "doc1", URL: "https://docs.example.com/guide", Type: domain.DocTypeMarkdown}
}

func TestChunkDeterministicIDs(t *testing.T) {
	c := newTestChunker()
	doc := markdownDoc()

	first, err := c.Chunk(doc, testMarkdown)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Chunk(doc, testMarkdown)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) == 0 {
		t.Fatal("expected chunks")
	}
	if len(first) != len(second) {
		t.Fatalf("chunk count changed between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d ID changed: %s vs %s", i, first[i].ID, second[i].ID)
		}
		if first[i].ContentHash != second[i].ContentHash {
			t.Errorf("chunk %d hash changed", i)
		}
	}
}

func TestChunkParentChildContainment(t *testing.T) {
	c := newTestChunker()
	chunks, err := c.Chunk(markdownDoc(), testMarkdown)
	if err != nil {
		t.Fatal(err)
	}

	parents := make(map[string]domain.Chunk)
	for _, ch := range chunks {
		if ch.IsParent() {
			parents[ch.ID] = ch
		}
	}
	if len(parents) < 2 {
		t.Fatalf("expected at least 2 parents, got %d", len(parents))
	}

	sawChild := false
	for _, ch := range chunks {
		if ch.IsParent() {
			continue
		}
		sawChild = true
		parent, ok := parents[ch.ParentID]
		if !ok {
			t.Fatalf("child %s references unknown parent %s", ch.ID, ch.ParentID)
		}
		if ch.StartOffset < parent.StartOffset || ch.EndOffset > parent.EndOffset {
			t.Errorf("child span [%d,%d) escapes parent span [%d,%d)",
				ch.StartOffset, ch.EndOffset, parent.StartOffset, parent.EndOffset)
		}
	}
	if !sawChild {
		t.Fatal("expected child chunks")
	}
}

func TestChunkOrderParentsBeforeChildren(t *testing.T) {
	c := newTestChunker()
	chunks, err := c.Chunk(markdownDoc(), testMarkdown)
	if err != nil {
		t.Fatal(err)
	}

	seenParents := make(map[string]bool)
	for _, ch := range chunks {
		if ch.IsParent() {
			seenParents[ch.ID] = true
		} else if !seenParents[ch.ParentID] {
			t.Fatalf("child %s appeared before its parent", ch.ID)
		}
	}
}

func TestChunkDiscardsShortContent(t *testing.T) {
	c := newTestChunker()

	_, err := c.Chunk(markdownDoc(), "# Hi\n\nok\n")
	if !errors.Is(err, domain.ErrDegenerateContent) {
		t.Fatalf("expected ErrDegenerateContent, got %v", err)
	}
}

func TestChunkHTMLStripsBoilerplate(t *testing.T) {
	c := newTestChunker()
	doc := domain.Document{ID: "doc2", URL: "https://docs.example.com/page", Type: domain.DocTypeHTML}

	html := `<html><body>
<nav><a href="/home">HOMENAVIGATION</a></nav>
<h1>Authentication</h1>
<p>Clients authenticate with a bearer token passed in the Authorization
header. Tokens expire after one hour and must be refreshed by calling
the token endpoint with the refresh grant.</p>
<footer>FOOTERBOILERPLATE copyright</footer>
</body></html>`

	chunks, err := c.Chunk(doc, html)
	if err != nil {
		t.Fatal(err)
	}

	for _, ch := range chunks {
		if strings.Contains(ch.Text, "HOMENAVIGATION") || strings.Contains(ch.Text, "FOOTERBOILERPLATE") {
			t.Errorf("boilerplate leaked into chunk: %q", ch.Text)
		}
	}

	found := false
	for _, ch := range chunks {
		if !ch.IsParent() && strings.Contains(ch.Text, "bearer token") {
			found = true
		}
	}
	if !found {
		t.Error("expected body content in a child chunk")
	}
}

func TestChunkIDChangesWithContent(t *testing.T) {
	a := ChunkID("doc1", 0, 0, hashText("some content"))
	b := ChunkID("doc1", 0, 0, hashText("other content"))
	if a == b {
		t.Error("expected different IDs for different content")
	}

	c1 := ChunkID("doc1", 0, 1, hashText("same"))
	c2 := ChunkID("doc1", 1, 0, hashText("same"))
	if c1 == c2 {
		t.Error("expected position to contribute to the ID")
	}
}
