// Package promptcache implements an optional fingerprint->response cache:
// a hit on Stream replays the cached response as a synthetic chunk
// sequence instead of calling the provider again.
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/neilgilbert/codepunk/internal/chatmodel"
)

// Cache is a process-wide, concurrency-safe fingerprint->Response store:
// a mutable runtime registry behind a single mutex, rather than a
// third-party caching library — nothing in this codebase's dependency
// set covers this narrow a need.
type Cache struct {
	mu    sync.RWMutex
	store map[string]chatmodel.Response
}

func New() *Cache {
	return &Cache{store: make(map[string]chatmodel.Response)}
}

// Fingerprint derives a stable cache key from the provider name and the
// full request.
func Fingerprint(providerName string, req chatmodel.LLMRequest) string {
	h := sha256.New()
	h.Write([]byte(providerName))
	h.Write([]byte{0})
	enc := json.NewEncoder(h)
	_ = enc.Encode(req)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) TryGet(ctx context.Context, fingerprint string) (*chatmodel.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.store[fingerprint]
	if !ok {
		return nil, false
	}
	return &r, true
}

func (c *Cache) Store(ctx context.Context, fingerprint string, resp chatmodel.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[fingerprint] = resp
}

// Replay turns a cached Response into the synthetic chunk sequence a
// Stream hit must produce: each tool call as its own chunk, followed by a
// single terminal chunk carrying content/usage/finishReason.
func Replay(resp chatmodel.Response) []chatmodel.LLMStreamChunk {
	chunks := make([]chatmodel.LLMStreamChunk, 0, len(resp.ToolCalls)+1)
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		chunks = append(chunks, chatmodel.LLMStreamChunk{ToolCall: &tc})
	}
	usage := resp.Usage
	chunks = append(chunks, chatmodel.LLMStreamChunk{
		ContentDelta: resp.Text,
		Usage:        &usage,
		FinishReason: resp.FinishReason,
		IsComplete:   true,
	})
	return chunks
}
