package core

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-protected, TTL-aware in-memory implementation of
// the Memory interface. It is the default backing store for
// tools/memory.Collaborator's per-session state (recent_messages,
// relevant_memory) when no Redis endpoint is configured; kernel.Cache keeps
// its own L1 map rather than going through this type, since the cache's
// two-key-granularity lookup doesn't fit the plain key/value Memory
// contract.
type MemoryStore struct {
	mu     sync.RWMutex
	store  map[string]memoryEntry
	logger Logger
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store:  make(map[string]memoryEntry),
		logger: &NoOpLogger{},
	}
}

// SetLogger configures the logger for this memory store.
// The logger is wrapped with component "kernel/session_store" to identify logs from this module.
func (m *MemoryStore) SetLogger(logger Logger) {
	if logger != nil {
		if cal, ok := logger.(ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("kernel/session_store")
		} else {
			m.logger = logger
		}
	} else {
		m.logger = nil
	}
}

// Get retrieves a value from memory
func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.logger != nil {
		m.logger.Debug("session store lookup", map[string]interface{}{
			"operation": "session_store_get",
			"key":       key,
		})
	}

	entry, exists := m.store[key]
	if !exists {
		// Emit framework metrics for cache miss
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("kernel.session_store.misses")
			registry.Counter("kernel.session_store.operations", "operation", "get", "result", "miss")
		}

		if m.logger != nil {
			m.logger.Debug("session store miss", map[string]interface{}{
				"operation": "session_store_get",
				"key":       key,
				"result":    "miss",
			})
		}
		return "", nil
	}

	// Check if expired
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		// Emit framework metrics for expired entry (treated as miss)
		if registry := GetGlobalMetricsRegistry(); registry != nil {
			registry.Counter("kernel.session_store.misses")
			registry.Counter("kernel.session_store.evictions", "reason", "expired")
		}

		if m.logger != nil {
			m.logger.Debug("session store entry expired", map[string]interface{}{
				"operation":  "session_store_get",
				"key":        key,
				"result":     "expired",
				"expired_at": entry.expiresAt.Format(time.RFC3339),
			})
		}
		return "", nil
	}

	// Emit framework metrics for cache hit
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("kernel.session_store.hits")
		registry.Counter("kernel.session_store.operations", "operation", "get", "result", "hit")
	}

	if m.logger != nil {
		m.logger.Debug("session store hit", map[string]interface{}{
			"operation": "session_store_get",
			"key":       key,
			"result":    "hit",
		})
	}

	return entry.value, nil
}

// Set stores a value in memory with optional TTL
func (m *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logger != nil {
		logFields := map[string]interface{}{
			"operation":  "session_store_set",
			"key":        key,
			"value_size": len(value),
			"has_ttl":    ttl > 0,
		}
		if ttl > 0 {
			logFields["ttl"] = ttl.String()
			logFields["expires_at"] = time.Now().Add(ttl).Format(time.RFC3339)
		}
		m.logger.Debug("session store set", logFields)
	}

	entry := memoryEntry{
		value: value,
	}

	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.store[key] = entry

	// Emit framework metrics for cache set
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("kernel.session_store.operations", "operation", "set", "result", "success")
		registry.Gauge("kernel.session_store.value_size_bytes", float64(len(value)))
	}

	return nil
}

// Delete removes a value from memory
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.store[key]
	delete(m.store, key)

	// Emit framework metrics for cache delete
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("kernel.session_store.operations", "operation", "delete")
		if existed {
			registry.Counter("kernel.session_store.evictions", "reason", "explicit_delete")
		}
	}

	if m.logger != nil {
		m.logger.Debug("session store delete", map[string]interface{}{
			"operation": "session_store_delete",
			"key":       key,
			"existed":   existed,
		})
	}

	return nil
}

// Exists checks if a key exists in memory
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if m.logger != nil {
		m.logger.Debug("session store existence check", map[string]interface{}{
			"operation": "session_store_exists",
			"key":       key,
		})
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.store[key]
	if !exists {
		if m.logger != nil {
			m.logger.Debug("session store existence result", map[string]interface{}{
				"operation": "session_store_exists",
				"key":       key,
				"result":    "not_found",
				"exists":    false,
			})
		}
		return false, nil
	}

	// Check if expired
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		if m.logger != nil {
			m.logger.Debug("session store existence result", map[string]interface{}{
				"operation":  "session_store_exists",
				"key":        key,
				"result":     "expired",
				"exists":     false,
				"expired_at": entry.expiresAt.Format(time.RFC3339),
			})
		}
		return false, nil
	}

	if m.logger != nil {
		m.logger.Debug("session store existence result", map[string]interface{}{
			"operation": "session_store_exists",
			"key":       key,
			"result":    "found",
			"exists":    true,
		})
	}

	return true, nil
}
