// Package backend builds the storage stack selected by DATA_BACKEND.
package backend

import (
	"context"

	"rimborsi/internal/approval"
	"rimborsi/internal/audit"
	"rimborsi/internal/storage"
)

// BackendType represents the type of backend
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	MemoryBackend BackendType = "memory"
)

func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}

// CleanupFunc releases the resources held by a backend.
type CleanupFunc func() error

// Backend bundles the stores the engine needs. With SQLite a single
// repository serves all three.
type Backend struct {
	Type      BackendType
	Store     storage.Store
	Approvals approval.Store
	Audits    audit.Store
	// Ready reports whether the backend can serve requests. Never nil.
	Ready   func(ctx context.Context) error
	Cleanup CleanupFunc
}

// Close runs Cleanup if set.
func (b *Backend) Close() error {
	if b == nil || b.Cleanup == nil {
		return nil
	}
	return b.Cleanup()
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*Backend, error)
}
