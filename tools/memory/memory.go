// Package memory provides the session-memory collaborator spec.md §6
// specifies only the read/write interface for: a bounded recent-message
// window plus a TF-IDF-scored long-term snippet store, backed by
// core.Memory (either the in-process core.MemoryStore or the
// RedisCollaborator adapter in this package).
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-redis/redis/v8"

	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/kernel"
)

const (
	recentKeySuffix   = ":recent"
	snippetsKeySuffix = ":snippets"

	// maxRecentStored bounds the ring buffer written to storage; Retrieve
	// still trims to the caller's requested recentLimit on read.
	maxRecentStored = 50

	// maxSnippetsStored bounds the long-term snippet list per session.
	maxSnippetsStored = 200

	defaultTTL = 30 * 24 * time.Hour
)

// Collaborator implements kernel.MemoryCollaborator over a core.Memory
// key-value backend. One session's state lives under two keys:
// "<sessionID>:recent" (a JSON-encoded []kernel.ChatTurn ring buffer) and
// "<sessionID>:snippets" (a JSON-encoded []storedSnippet list scored by
// TF-IDF similarity against the retrieval query).
//
// Grounded on pkg/memory/implementations.go's InMemoryStore/RedisMemory
// pair (namespaced key-value with TTL, JSON value encoding) generalized
// from a single opaque value per key to the two structured session
// documents spec.md §6 requires, and on
// jefflaplante-conduit/vecgo/embedder/tfidf.go's tokenize/TF-IDF scoring
// for relevant_memory ranking (the same approach tools/ragsearch uses for
// tool retrieval, reapplied here to conversation snippets).
type Collaborator struct {
	store core.Memory
	ttl   time.Duration
	mu    sync.Mutex // serializes read-modify-write per process; storage backend owns cross-process safety
}

type storedSnippet struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// New constructs a Collaborator over store. ttl governs how long a
// session's recent-message and snippet documents survive; zero selects
// defaultTTL (30 days).
func New(store core.Memory, ttl time.Duration) *Collaborator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Collaborator{store: store, ttl: ttl}
}

// RetrieveContext satisfies kernel.MemoryCollaborator. It returns the last
// recentLimit chat turns verbatim and the semanticTopK long-term snippets
// with the highest TF-IDF cosine similarity to query.
func (c *Collaborator) RetrieveContext(ctx context.Context, sessionID, query string, recentLimit, semanticTopK int) (kernel.MemoryContext, error) {
	recent, err := c.loadRecent(ctx, sessionID)
	if err != nil {
		return kernel.MemoryContext{}, fmt.Errorf("memory: load recent messages: %w", err)
	}
	if recentLimit > 0 && len(recent) > recentLimit {
		recent = recent[len(recent)-recentLimit:]
	}

	snippets, err := c.loadSnippets(ctx, sessionID)
	if err != nil {
		return kernel.MemoryContext{}, fmt.Errorf("memory: load snippets: %w", err)
	}

	relevant := rankSnippets(snippets, query, semanticTopK)

	return kernel.MemoryContext{
		RecentMessages: recent,
		RelevantMemory: relevant,
	}, nil
}

// SaveInteraction satisfies kernel.MemoryCollaborator. It appends the
// user/assistant turn pair to the recent-message window and the combined
// exchange to the long-term snippet list, trimming both to their bounds.
func (c *Collaborator) SaveInteraction(ctx context.Context, sessionID, userMessage, assistantMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent, err := c.loadRecent(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: load recent messages: %w", err)
	}
	recent = append(recent,
		kernel.ChatTurn{Role: "user", Content: userMessage},
		kernel.ChatTurn{Role: "assistant", Content: assistantMessage},
	)
	if len(recent) > maxRecentStored {
		recent = recent[len(recent)-maxRecentStored:]
	}
	if err := c.storeJSON(ctx, sessionID+recentKeySuffix, recent); err != nil {
		return fmt.Errorf("memory: store recent messages: %w", err)
	}

	snippets, err := c.loadSnippets(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: load snippets: %w", err)
	}
	snippets = append(snippets, storedSnippet{
		Text:      fmt.Sprintf("Q: %s\nA: %s", userMessage, assistantMessage),
		CreatedAt: time.Now(),
	})
	if len(snippets) > maxSnippetsStored {
		snippets = snippets[len(snippets)-maxSnippetsStored:]
	}
	if err := c.storeJSON(ctx, sessionID+snippetsKeySuffix, snippets); err != nil {
		return fmt.Errorf("memory: store snippets: %w", err)
	}

	return nil
}

func (c *Collaborator) loadRecent(ctx context.Context, sessionID string) ([]kernel.ChatTurn, error) {
	raw, err := c.store.Get(ctx, sessionID+recentKeySuffix)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var turns []kernel.ChatTurn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode recent messages: %w", err)
	}
	return turns, nil
}

func (c *Collaborator) loadSnippets(ctx context.Context, sessionID string) ([]storedSnippet, error) {
	raw, err := c.store.Get(ctx, sessionID+snippetsKeySuffix)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var snippets []storedSnippet
	if err := json.Unmarshal([]byte(raw), &snippets); err != nil {
		return nil, fmt.Errorf("decode snippets: %w", err)
	}
	return snippets, nil
}

func (c *Collaborator) storeJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, string(data), c.ttl)
}

// rankSnippets scores every snippet's text against query with a per-call
// TF-IDF cosine similarity (the corpus is just {query, snippets...}; a
// session's snippet count is small enough that retraining per call is
// cheap and keeps the ranking exact rather than approximated over a
// long-lived vocabulary) and returns the topK highest-scoring, ties broken
// by recency.
func rankSnippets(snippets []storedSnippet, query string, topK int) []kernel.MemorySnippet {
	if len(snippets) == 0 || topK <= 0 {
		return nil
	}

	texts := make([]string, 0, len(snippets)+1)
	texts = append(texts, query)
	for _, s := range snippets {
		texts = append(texts, s.Text)
	}

	vocab, idf := buildVocabulary(texts)
	queryVec := embed(query, vocab, idf)

	results := make([]scoredSnippet, len(snippets))
	for i, s := range snippets {
		vec := embed(s.Text, vocab, idf)
		results[i] = scoredSnippet{snippet: s, score: cosineSimilarity(queryVec, vec)}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].snippet.CreatedAt.After(results[j].snippet.CreatedAt)
	})

	if topK > len(results) {
		topK = len(results)
	}
	out := make([]kernel.MemorySnippet, topK)
	for i := 0; i < topK; i++ {
		out[i] = kernel.MemorySnippet{Text: results[i].snippet.Text}
	}
	return out
}

type scoredSnippet struct {
	snippet storedSnippet
	score   float64
}

func buildVocabulary(texts []string) (map[string]int, []float64) {
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
	return vocab, idf
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

// RedisCollaborator is a thin core.Memory adapter over core.RedisClient,
// for constructing a Collaborator that persists across process restarts.
//
// Grounded on pkg/memory/implementations.go's RedisMemory (namespaced
// keys, JSON value encoding, default TTL) adapted to core.Memory's string
// value signature instead of RedisMemory's interface{} one, since
// core.RedisClient already namespaces and isolates its DB.
type RedisCollaborator struct {
	client *core.RedisClient
}

// NewRedisCollaborator wraps an existing core.RedisClient (expected to be
// opened against core.RedisDBMemory) as a core.Memory.
func NewRedisCollaborator(client *core.RedisClient) *RedisCollaborator {
	return &RedisCollaborator{client: client}
}

func (r *RedisCollaborator) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return val, nil
}

func (r *RedisCollaborator) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl)
}

func (r *RedisCollaborator) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key)
}

func (r *RedisCollaborator) Exists(ctx context.Context, key string) (bool, error) {
	val, err := r.client.Get(ctx, key)
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	return val != "", nil
}
