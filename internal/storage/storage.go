package storage

import (
	"context"
	"time"

	"github.com/mkessler/teamloop/internal/storage/sqlite"
	"github.com/mkessler/teamloop/internal/types"
)

// ErrNotFound is returned by point lookups when no row exists.
// Callers treat this as an expected condition, not a failure.
var ErrNotFound = sqlite.ErrNotFound

// Storage defines the durable-store contract the orchestration core
// relies on: point lookup by key, insert, update-by-key, and
// filtered-list-with-ordering. Any embedded or networked store that
// provides single-key read-modify-write atomicity satisfies it.
type Storage interface {
	// Retry contexts, keyed by task id
	GetRetryContext(ctx context.Context, taskID int) (*types.RetryContext, error)
	SaveRetryContext(ctx context.Context, rc *types.RetryContext) error
	DeleteRetryContext(ctx context.Context, taskID int) error

	// Handoffs are append-only: a record, once persisted, is never
	// edited. A new handoff is a new record.
	RecordHandoff(ctx context.Context, h *types.AgentHandoff) error
	GetHandoff(ctx context.Context, id string) (*types.AgentHandoff, error)
	ListHandoffsByRole(ctx context.Context, role types.AgentRole, limit int) ([]*types.AgentHandoff, error)

	// Human queue messages
	AddHumanMessage(ctx context.Context, m *types.HumanMessage) error
	UpdateHumanMessage(ctx context.Context, id string, status types.HumanMessageStatus, response string) error
	ListHumanMessages(ctx context.Context, filter types.HumanMessageFilter) ([]*types.HumanMessage, error)

	// Orchestrator instances
	RegisterInstance(ctx context.Context, inst *types.OrchestratorInstance) error
	UpdateHeartbeat(ctx context.Context, instanceID string) error
	MarkInstanceStopped(ctx context.Context, instanceID string) error
	GetActiveInstances(ctx context.Context) ([]*types.OrchestratorInstance, error)
	PruneStoppedInstances(ctx context.Context, olderThan time.Duration, keep int) (int, error)

	// Config key-value pairs
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path.
	// Default: ".teamloop/teamloop.db"
	// Special value ":memory:" creates an in-memory database.
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: ".teamloop/teamloop.db",
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = ".teamloop/teamloop.db"
	}
	return sqlite.New(cfg.Path)
}
