// Package config is the ambient configuration layer: process-pool sizing,
// environment-driven defaults, and the engine flag registry that gates
// debug-only trace events (spec.md §4.3, §6). Grounded on the teacher's
// pkg/config/config.go (umbrella Config object) and pkg/config/queue.go
// (QueueConfig shape), renamed to the process-pool domain.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// PoolConfig sizes and times the process-pool executor (spec.md §4.5).
type PoolConfig struct {
	MaxConcurrent              int
	WorkerGraceWindow          time.Duration
	DefaultJobTimeout          time.Duration
	TraceQueueCapacity         int
	LogQueueCapacity           int
	TraceWriterBatchSize       int
	TraceWriterPollInterval    time.Duration
	AutoCreateOrphanExecutions bool
	JobExistsRetryAttempts     int
	JobExistsRetryBackoff      time.Duration
}

// DefaultPoolConfig mirrors the teacher's QueueConfig defaults, adapted to
// the process-pool domain (spec.md §4.5 "default 4").
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConcurrent:              4,
		WorkerGraceWindow:          5 * time.Second,
		DefaultJobTimeout:          10 * time.Minute,
		TraceQueueCapacity:         1000,
		LogQueueCapacity:           1000,
		TraceWriterBatchSize:       10,
		TraceWriterPollInterval:    100 * time.Millisecond,
		AutoCreateOrphanExecutions: false,
		JobExistsRetryAttempts:     3,
		JobExistsRetryBackoff:      50 * time.Millisecond,
	}
}

// PoolConfigFromEnv overlays environment variables onto the defaults.
func PoolConfigFromEnv() PoolConfig {
	cfg := DefaultPoolConfig()
	if v := envInt("POOL_MAX_CONCURRENT"); v > 0 {
		cfg.MaxConcurrent = v
	}
	if v := envBool("POOL_AUTO_CREATE_ORPHAN_EXECUTIONS"); v != nil {
		cfg.AutoCreateOrphanExecutions = *v
	}
	return cfg
}

func envInt(key string) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return v
}

func envBool(key string) *bool {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}

// EngineFlags is the per-engine config-flag registry referenced by
// spec.md §4.3: "consults a per-engine config flag fetched once and
// cached". Safe for concurrent reads/writes.
type EngineFlags struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewEngineFlags constructs a registry, seeding crewai_debug_tracing to
// the given default (spec.md §6: debug-only vocabulary subset).
func NewEngineFlags(debugTracing bool) *EngineFlags {
	return &EngineFlags{flags: map[string]bool{
		"crewai_debug_tracing": debugTracing,
	}}
}

// Bool fetches a flag, defaulting to false if unset.
func (f *EngineFlags) Bool(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags[key]
}

// Set updates a flag (used by admin tooling / tests).
func (f *EngineFlags) Set(key string, value bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[key] = value
}
