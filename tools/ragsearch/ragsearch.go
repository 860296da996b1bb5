// Package ragsearch provides an in-memory vector-similarity stand-in for the
// document store + embedding model spec.md's Non-goals exclude from this
// repo's scope ("The vector store build pipeline", "the embedding model").
// It implements kernel.Tool against a small seeded corpus so the router's
// confidence-based fallback (spec.md §4.6) has a real similarity score to
// act on, without pulling in an external vector database.
package ragsearch

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/kernel"
)

// Document is one entry in the corpus: free text plus an identifying title.
type Document struct {
	Title string
	Text  string
}

// Tool answers rag_search steps by TF-IDF-scoring the query against an
// in-memory document corpus and returning the best match's text, with
// ToolResponse.Metadata[similarity] set to the cosine similarity score —
// the signal kernel.Router's confidence-based fallback reads.
//
// Grounded on jefflaplante-conduit/vecgo/embedder/tfidf.go's
// tokenize/train/embed shape and vecgo/internal/mathutil's CosineSimilarity,
// reimplemented directly against []Document instead of a persisted HNSW
// index since this repo owns no vector store (spec.md Non-goals).
type Tool struct {
	name string

	mu      sync.RWMutex
	docs    []Document
	vocab   map[string]int
	idf     []float64
	vectors [][]float64
	trained bool

	logger core.Logger
}

// New constructs a ragsearch Tool named "rag_search" seeded with corpus.
// Call Index to add documents after construction; the TF-IDF model is
// (re)trained lazily on first Execute call after any Index call.
func New(name string, corpus []Document, logger core.Logger) *Tool {
	if name == "" {
		name = "rag_search"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("tool/" + name)
	}
	t := &Tool{name: name, logger: logger}
	t.Index(corpus...)
	return t
}

// Name satisfies kernel.Tool.
func (t *Tool) Name() string { return t.name }

// Index appends documents to the corpus and invalidates the trained model,
// so the next Execute call retrains against the enlarged vocabulary.
func (t *Tool) Index(docs ...Document) {
	if len(docs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs = append(t.docs, docs...)
	t.trained = false
}

// Execute scores step.Query against every indexed document and returns the
// best match. An empty corpus is a configuration error, not a panic: it
// returns an error ToolResponse so the router can fall back to web_search.
func (t *Tool) Execute(ctx context.Context, step kernel.Step) kernel.ToolResponse {
	t.mu.Lock()
	if !t.trained {
		t.train()
	}
	docs := t.docs
	vectors := t.vectors
	vocab := t.vocab
	idf := t.idf
	t.mu.Unlock()

	if len(docs) == 0 {
		return kernel.NewErrorResponse(errNoDocuments)
	}

	queryVec := embed(step.Query, vocab, idf)

	bestIdx := -1
	bestScore := -2.0
	for i, vec := range vectors {
		score := cosineSimilarity(queryVec, vec)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx == -1 || bestScore < 0 {
		bestScore = 0
	}

	resp := kernel.NewSuccessResponse(docs[bestIdx].Text)
	resp.Metadata[kernel.MetaSimilarity] = bestScore
	t.logger.Debug("rag_search matched document", map[string]interface{}{
		"query":      step.Query,
		"matched":    docs[bestIdx].Title,
		"similarity": bestScore,
	})
	return resp
}

// train must be called with mu held. It rebuilds the vocabulary/IDF table
// and re-embeds every document, mirroring tfidf.go's Train+Embed sequence.
func (t *Tool) train() {
	texts := make([]string, len(t.docs))
	for i, d := range t.docs {
		texts[i] = d.Text
	}

	df := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]bool)
		for _, word := range tokenize(text) {
			if !seen[word] {
				df[word]++
				seen[word] = true
			}
		}
	}

	vocab := make(map[string]int, len(df))
	idf := make([]float64, len(df))
	n := float64(len(texts))
	i := 0
	for word, freq := range df {
		vocab[word] = i
		idf[i] = math.Log(n / float64(freq))
		i++
	}

	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = embed(text, vocab, idf)
	}

	t.vocab = vocab
	t.idf = idf
	t.vectors = vectors
	t.trained = true
}

func embed(text string, vocab map[string]int, idf []float64) []float64 {
	words := tokenize(text)
	vec := make([]float64, len(vocab))
	if len(words) == 0 {
		return vec
	}

	tf := make(map[string]int)
	for _, w := range words {
		tf[w]++
	}
	for word, count := range tf {
		if idx, ok := vocab[word]; ok {
			vec[idx] = (float64(count) / float64(len(words))) * idf[idx]
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func tokenize(text string) []string {
	var words []string
	var word strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	if word.Len() > 0 {
		words = append(words, word.String())
	}
	return words
}

var errNoDocuments = rsErr("ragsearch: no documents indexed")

type rsErr string

func (e rsErr) Error() string { return string(e) }
