// Package migrations exposes bond's embedded schema migrations to a
// host application's migration runner. Bond ships one migration set: a
// postgres base tree with a sqlite sub-tree for embedded deployments.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	bond "github.com/DataBiosphere/bond"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// defaultSourceLabel tags bond's migrations inside the host runner.
const defaultSourceLabel = "bond"

// migrationsPath is where the embedded tree keeps the postgres base set.
const migrationsPath = "data/sql/migrations"

// Source is one dialect-specific migration filesystem.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc receives each migration source the host should run.
type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

// Registration records what Register handed to the host.
type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Sources           []Source
}

type Option func(*Registration)

func WithSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets restricts registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if normalized := normalizeDialects(targets); len(normalized) > 0 {
			r.ValidationTargets = normalized
		}
	}
}

// Sources resolves bond's embedded migration filesystems, one per
// dialect. A non-nil override replaces the embedded tree, which tests
// use to exercise validation failures.
func Sources(override ...fs.FS) ([]Source, error) {
	root := bond.GetCoreMigrationsFS()
	if len(override) > 0 && override[0] != nil {
		root = override[0]
	}

	base, err := fs.Sub(root, migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", migrationsPath, err)
	}
	sqlite, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite sub-tree: %w", err)
	}

	sources := []Source{
		{Dialect: DialectPostgres, Path: migrationsPath, FS: base},
		{Dialect: DialectSQLite, Path: migrationsPath + "/sqlite", FS: sqlite},
	}
	for _, src := range sources {
		if err := checkMigrationPairs(src); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

// checkMigrationPairs requires at least one up migration and a matching
// down file for every up file, so a partial rollback never strands the
// schema.
func checkMigrationPairs(src Source) error {
	ups, err := fs.Glob(src.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s %s: %w", src.Dialect, src.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s set %q has no *.up.sql files", src.Dialect, src.Path)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, statErr := fs.Stat(src.FS, down); statErr != nil {
			return fmt.Errorf("migrations: %s migration %q has no matching down file", src.Dialect, up)
		}
	}
	return nil
}

// Register hands bond's migration sources to the host's runner, one
// callback per validated dialect.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	if registerFn == nil {
		return Registration{}, fmt.Errorf("migrations: register function is required")
	}

	reg := Registration{
		SourceLabel:       defaultSourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if strings.TrimSpace(reg.SourceLabel) == "" {
		return reg, fmt.Errorf("migrations: source label is required")
	}
	targets := normalizeDialects(reg.ValidationTargets)
	if len(targets) == 0 {
		return reg, fmt.Errorf("migrations: validation targets are required")
	}

	sources, err := Sources()
	if err != nil {
		return reg, err
	}
	reg.Sources = sources

	for _, src := range sources {
		if !slices.Contains(targets, src.Dialect) {
			continue
		}
		if err := registerFn(ctx, src.Dialect, reg.SourceLabel, src.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", src.Dialect, src.Path, err)
		}
	}
	return reg, nil
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(strings.ToLower(value))
		if trimmed == "" || slices.Contains(out, trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
