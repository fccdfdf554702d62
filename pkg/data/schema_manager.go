package data

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema/*.sql
var embeddedSchema embed.FS

// SchemaManager applies the SQL files of a schema directory in name order.
type SchemaManager struct {
	pool   *pgxpool.Pool
	files  fs.FS
	logger *zap.Logger
}

// NewSchemaManager reads schema files from dir, or from the schema compiled
// into the binary when dir is empty.
func NewSchemaManager(pool *pgxpool.Pool, dir string, logger *zap.Logger) (*SchemaManager, error) {
	files, err := SchemaFiles(dir)
	if err != nil {
		return nil, err
	}
	return &SchemaManager{pool: pool, files: files, logger: logger}, nil
}

// SchemaFiles returns the file system holding the schema.
func SchemaFiles(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(embeddedSchema, "schema")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("reading schema directory: %w", err)
	}
	return os.DirFS(dir), nil
}

// SchemaFileNames lists the .sql files in execution order.
func SchemaFileNames(files fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("reading schema directory: %w", err)
	}

	// Sort files to ensure correct order
	names := make([]string, 0, len(entries))
	for _, f := range entries {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".sql") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (sm *SchemaManager) InitializeSchema(ctx context.Context) error {
	names, err := SchemaFileNames(sm.files)
	if err != nil {
		return err
	}

	// Execute each schema file in transaction
	err = pgx.BeginFunc(ctx, sm.pool, func(tx pgx.Tx) error {
		for _, name := range names {
			content, err := fs.ReadFile(sm.files, name)
			if err != nil {
				return fmt.Errorf("reading schema file %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("executing schema file %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sm.logger.Info("Schema initialized", zap.Strings("files", names))
	return nil
}
