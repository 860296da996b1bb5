// Package tracesink provides TraceSink implementations: an unbounded
// in-memory map for tests and a durable Redis-backed sink for production.
package tracesink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/kernel"
)

// RedisTraceSink is the durable TraceSink collaborator (spec.md §6): an
// append-only store of per-request Trace documents, keyed by request ID and
// indexed by timestamp for recency listing.
//
// Grounded on orchestration/execution_store.go's executionStoreImpl: the
// same record-key/index-key/TTL-by-outcome pattern, adapted from its
// StoredExecution{Plan,Result} pair to spec.md §3's single Trace document,
// and from its storage-agnostic StorageProvider seam directly onto
// core.RedisClient since this repo has exactly one storage backend to
// support, not an application-supplied one.
type RedisTraceSink struct {
	redis     *core.RedisClient
	keyPrefix string
	ttl       time.Duration
	errorTTL  time.Duration
	logger    core.Logger
}

// NewRedisTraceSink constructs a RedisTraceSink. ttl/errorTTL mirror
// orchestration/execution_store.go's success/error retention split —
// failed requests are kept longer since they are more likely to need
// investigation.
func NewRedisTraceSink(redisClient *core.RedisClient, keyPrefix string, ttl, errorTTL time.Duration, logger core.Logger) *RedisTraceSink {
	if keyPrefix == "" {
		keyPrefix = "trace"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/tracesink")
	}
	return &RedisTraceSink{redis: redisClient, keyPrefix: keyPrefix, ttl: ttl, errorTTL: errorTTL, logger: logger}
}

func (s *RedisTraceSink) recordKey(requestID string) string {
	return s.keyPrefix + ":" + requestID
}

func (s *RedisTraceSink) indexKey() string {
	return s.keyPrefix + ":index"
}

// Insert stores trace and adds it to the recency index. TTL is chosen by
// whether the trace recorded an error.
func (s *RedisTraceSink) Insert(ctx context.Context, trace kernel.Trace) error {
	if trace.RequestID == "" {
		return fmt.Errorf("tracesink: request_id is required")
	}

	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("tracesink: marshal trace: %w", err)
	}

	ttl := s.ttl
	if trace.ErrorKind != "" {
		ttl = s.errorTTL
	}

	if err := s.redis.Set(ctx, s.recordKey(trace.RequestID), string(data), ttl); err != nil {
		return fmt.Errorf("tracesink: store trace: %w", err)
	}

	score := float64(trace.Timestamp.UnixNano())
	if err := s.redis.ZAdd(ctx, s.indexKey(), &redis.Z{Score: score, Member: trace.RequestID}); err != nil {
		s.logger.Warn("failed to index trace", map[string]interface{}{
			"request_id": trace.RequestID,
			"error":      err.Error(),
		})
	}
	return nil
}

// Get retrieves one trace by request ID, mainly for operator tooling and
// tests — the orchestrator itself never reads traces back (spec.md §6).
func (s *RedisTraceSink) Get(ctx context.Context, requestID string) (kernel.Trace, error) {
	data, err := s.redis.Get(ctx, s.recordKey(requestID))
	if err != nil {
		return kernel.Trace{}, fmt.Errorf("tracesink: get trace: %w", err)
	}
	var trace kernel.Trace
	if err := json.Unmarshal([]byte(data), &trace); err != nil {
		return kernel.Trace{}, fmt.Errorf("tracesink: unmarshal trace: %w", err)
	}
	return trace, nil
}
