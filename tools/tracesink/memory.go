package tracesink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relaykit/orchestrator/kernel"
)

// InMemoryTraceSink is a process-local TraceSink for tests and local
// development: an unbounded map with a recency-sorted listing, no
// persistence across restarts.
//
// Grounded on orchestration/noop_execution_store.go's trivial-backend
// pattern for a TraceSink implementation that exists purely to satisfy the
// interface in tests, extended to actually retain traces (rather than
// discard them) since kernel tests assert on persisted trace contents.
type InMemoryTraceSink struct {
	mu     sync.Mutex
	traces map[string]kernel.Trace
}

// NewInMemoryTraceSink constructs an empty InMemoryTraceSink.
func NewInMemoryTraceSink() *InMemoryTraceSink {
	return &InMemoryTraceSink{traces: make(map[string]kernel.Trace)}
}

// Insert satisfies kernel.TraceSink.
func (s *InMemoryTraceSink) Insert(ctx context.Context, trace kernel.Trace) error {
	if trace.RequestID == "" {
		return fmt.Errorf("tracesink: request_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[trace.RequestID] = trace
	return nil
}

// Get retrieves one trace by request ID.
func (s *InMemoryTraceSink) Get(ctx context.Context, requestID string) (kernel.Trace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace, ok := s.traces[requestID]
	if !ok {
		return kernel.Trace{}, fmt.Errorf("tracesink: trace %q not found", requestID)
	}
	return trace, nil
}

// Recent returns up to limit traces, most recent first.
func (s *InMemoryTraceSink) Recent(limit int) []kernel.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]kernel.Trace, 0, len(s.traces))
	for _, t := range s.traces {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
