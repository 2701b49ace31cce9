package backend

import (
	"context"
	"fmt"

	"rimborsi/internal/approval"
	"rimborsi/internal/audit"
	"rimborsi/internal/log"
	"rimborsi/internal/storage"
	"rimborsi/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{logger: logger.WithComponent(log.ComponentBackend)}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*Backend, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend(ctx)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*Backend, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	f.logger.InfoContext(ctx, "Initialized SQLite backend", "db_path", config.SQLiteDBPath)

	return &Backend{
		Type:      SQLiteBackend,
		Store:     repo,
		Approvals: repo,
		Audits:    repo,
		Ready:     repo.Ping,
		Cleanup:   repo.Close,
	}, nil
}

// createMemoryBackend keeps everything in process; data is lost on exit.
func (f *DefaultFactory) createMemoryBackend(ctx context.Context) (*Backend, error) {
	f.logger.WarnContext(ctx, "Initialized memory backend, data will not survive a restart")

	return &Backend{
		Type:      MemoryBackend,
		Store:     memory.New(),
		Approvals: approval.NewMemoryStore(),
		Audits:    audit.NewMemoryStore(),
		Ready:     func(context.Context) error { return nil },
	}, nil
}
