package main

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/goliatone/go-stkpush/core"
)

func testDatabaseConfig(t *testing.T) core.DatabaseConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stkpush.db")
	return core.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?cache=shared&_foreign_keys=on", path),
	}
}
