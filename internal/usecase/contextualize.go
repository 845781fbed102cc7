package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

const contextPrompt = `<document>
%s
</document>

Here is the chunk we want to situate within the whole document:
<chunk>
%s
</chunk>

Please give a short succinct context to situate this chunk within the
overall document for the purposes of improving search retrieval of the
chunk. Answer only with the succinct context and nothing else.`

// Contextualizer prepends an LLM-written situating sentence to each
// chunk before embedding. The stored chunk text is untouched: the
// context only changes what the embedder sees. Generated contexts are
// cached per chunk content hash so unchanged chunks never hit the LLM
// twice.
type Contextualizer struct {
	llm     port.LLM
	store   *store.BoltStore
	workers int
	logger  *slog.Logger
}

func NewContextualizer(llm port.LLM, st *store.BoltStore, workers int, logger *slog.Logger) *Contextualizer {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Contextualizer{llm: llm, store: st, workers: workers, logger: logger}
}

// embedInput is what the embedder sees for one chunk.
type embedInput struct {
	chunkID string
	text    string
}

// Prepare returns the embedding inputs for the given chunks, each one
// the chunk text optionally prefixed with its situating context. The
// parent section text stands in for the whole document in the prompt,
// which keeps prompts bounded on large pages.
func (c *Contextualizer) Prepare(ctx context.Context, chunks []domain.Chunk, parentText func(parentID string) string) ([]embedInput, error) {
	inputs := make([]embedInput, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			text, err := c.embedText(gctx, chunk, parentText(chunk.ParentID))
			if err != nil {
				// A failed contextualization is not worth losing the
				// chunk over: embed the bare text.
				c.logger.Warn("contextualization failed, embedding bare chunk",
					"chunk", chunk.ID, "error", err)
				text = chunk.Text
			}
			inputs[i] = embedInput{chunkID: chunk.ID, text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inputs, nil
}

func (c *Contextualizer) embedText(ctx context.Context, chunk domain.Chunk, parent string) (string, error) {
	if cached, found, err := c.store.GetContext(chunk.ID, chunk.ContentHash); err == nil && found {
		return withContext(cached, chunk.Text), nil
	}

	prompt := fmt.Sprintf(contextPrompt, parent, chunk.Text)
	generated, err := c.llm.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	generated = strings.TrimSpace(generated)
	if generated == "" {
		return chunk.Text, nil
	}

	if err := c.store.PutContext(chunk.ID, chunk.ContentHash, generated); err != nil {
		c.logger.Warn("failed to cache context", "chunk", chunk.ID, "error", err)
	}
	return withContext(generated, chunk.Text), nil
}

func withContext(situating, text string) string {
	return "<context>\n" + situating + "\n</context>\n\n" + text
}
