// Package migrations resolves the embedded payment schema for a database
// dialect.
package migrations

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"

	stkpush "github.com/goliatone/go-stkpush"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var dialectDirs = map[string]string{
	DialectPostgres: "data/sql/migrations",
	DialectSQLite:   "data/sql/migrations/sqlite",
}

// Dialects lists the schemas shipped with the module.
func Dialects() []string {
	return []string{DialectPostgres, DialectSQLite}
}

// ForDialect returns the migration directory for dialect. Every up script
// must have a matching down script.
func ForDialect(dialect string) (fs.FS, error) {
	return forDialect(stkpush.GetMigrationsFS(), dialect)
}

func forDialect(root fs.FS, dialect string) (fs.FS, error) {
	key := strings.ToLower(strings.TrimSpace(dialect))
	dir, ok := dialectDirs[key]
	if !ok {
		return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
	sub, err := fs.Sub(root, dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", key, err)
	}
	versions, err := Versions(sub)
	if err != nil {
		return nil, fmt.Errorf("migrations: %s: %w", key, err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *.up.sql files", key)
	}
	return sub, nil
}

// Versions returns the sorted migration names in fsys without the
// .up.sql suffix.
func Versions(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		name := strings.TrimSuffix(up, ".up.sql")
		if _, err := fs.Stat(fsys, name+".down.sql"); err != nil {
			return nil, fmt.Errorf("%s has no down script", name)
		}
		versions = append(versions, name)
	}
	sort.Strings(versions)
	return versions, nil
}
