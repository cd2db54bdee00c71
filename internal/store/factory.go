package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	mydb "github.com/TimurManjosov/gopolicy/internal/db"
)

// Options carry the settings of every store type; each type reads only its own.
type Options struct {
	DSN      string
	RulesDir string
	Logger   *zap.Logger
	// OnChange is told about rule files edited on disk (file store only).
	OnChange ChangeFunc
	// Check screens rule files before they are served (file store only).
	Check    RuleCheck
}

// NewStore creates a new store based on the given store type.
// Supported types: "memory", "postgres", "file"
func NewStore(ctx context.Context, storeType string, opts Options) (Store, error) {
	switch storeType {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		pool, err := mydb.NewPool(ctx, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		return NewPostgresStore(pool), nil
	case "file":
		return NewFileStore(opts.RulesDir, opts.Logger, opts.OnChange, opts.Check)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}
