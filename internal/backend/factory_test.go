package backend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/audit"
	"rimborsi/internal/config"
	"rimborsi/internal/core"
)

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(&config.Config{DataBackend: "sqlite", SQLiteDBPath: "/tmp/x.db"})
	require.NoError(t, err)
	assert.Equal(t, SQLiteBackend, cfg.Type)
	assert.Equal(t, "/tmp/x.db", cfg.SQLiteDBPath)

	_, err = FromAppConfig(&config.Config{DataBackend: "sheets"})
	assert.Error(t, err)
	_, err = FromAppConfig(nil)
	assert.Error(t, err)

	assert.Error(t, Config{Type: SQLiteBackend}.Validate())
	assert.NoError(t, Config{Type: MemoryBackend}.Validate())
}

func TestCreateBackend(t *testing.T) {
	ctx := context.Background()
	factory := NewFactory(nil)

	configs := map[string]Config{
		"memory": {Type: MemoryBackend},
		"sqlite": {Type: SQLiteBackend, SQLiteDBPath: filepath.Join(t.TempDir(), "rimborsi.db")},
	}
	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			b, err := factory.CreateBackend(ctx, cfg)
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, b.Close()) })

			require.NoError(t, b.Ready(ctx))
			require.NoError(t, b.Store.CreateCategory(ctx, core.Category{
				ID: "cat-dinner", Name: "Cene", Kind: core.CategoryKindExpense,
				ReimbursementMode: core.ModeOptional, CreatedAt: time.Now().UTC(),
			}))
			c, err := b.Store.FindCategory(ctx, "cat-dinner")
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, "Cene", c.Name)

			require.NoError(t, b.Audits.AppendAudit(ctx, audit.Entry{
				ID: "a1", Action: "test", Actor: audit.ActorSystem, PayloadJSON: "{}", CreatedAt: time.Now().UTC(),
			}))
			entries, err := b.Audits.ListAudit(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}

	_, err := factory.CreateBackend(ctx, Config{Type: "sheets"})
	assert.Error(t, err)
}
