// Package dbtest provides the shared Postgres testcontainer used by
// pkg/repository's integration tests. Grounded on the teacher's
// test/util/database.go (SetupTestDatabase: shared container started once
// per package, CI escape hatch via an env var, per-test schema isolation),
// adapted from an ent client to a raw pgxpool.Pool.
package dbtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// SetupTestPool opens a pgxpool.Pool against a unique, migrated schema in
// the shared test Postgres instance, and registers cleanup to drop the
// schema and close the pool when the test ends.
func SetupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedDatabase(t)
	schemaName := generateSchemaName(t)

	bootstrap, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = bootstrap.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)
	bootstrap.Close()

	pool, err := pgxpool.New(ctx, addSearchPath(connStr, schemaName))
	require.NoError(t, err)
	require.NoError(t, runInitScript(ctx, pool))

	t.Cleanup(func() {
		dropCtx := context.Background()
		if _, err := pool.Exec(dropCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName)); err != nil {
			t.Logf("warning: failed to drop test schema %s: %v", schemaName, err)
		}
		pool.Close()
	})

	return pool
}

func runInitScript(ctx context.Context, pool *pgxpool.Pool) error {
	sql, err := os.ReadFile(resolveInitScriptPath())
	if err != nil {
		return fmt.Errorf("reading init script: %w", err)
	}
	_, err = pool.Exec(ctx, string(sql))
	return err
}

func getOrCreateSharedDatabase(t *testing.T) string {
	t.Helper()
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("getting connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared test container")
	return sharedConnStr
}

func generateSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

func addSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", connStr, sep, schema)
}

func resolveInitScriptPath() string {
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		panic("dbtest: runtime.Caller(0) failed")
	}
	root := filepath.Dir(filepath.Dir(filepath.Dir(thisFile))) // test/dbtest/ -> test/ -> root
	return filepath.Join(root, "deploy", "postgres-init", "01-init.sql")
}
