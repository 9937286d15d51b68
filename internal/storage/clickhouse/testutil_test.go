package clickhouse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const initScriptDir = "/docker-entrypoint-initdb.d"

// setupTestDB starts a ClickHouse server whose entrypoint loads the schema
// into the default database before it opens the external ports.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.1-alpine",
			ExposedPorts: []string{"9000/tcp", "8123/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_USER":     "default",
				"CLICKHOUSE_PASSWORD": "",
			},
			Files: schemaFiles(t),
			// The entrypoint runs init scripts against a loopback-only server,
			// so a reachable mapped port means the schema is in place.
			WaitingFor: wait.ForAll(
				wait.ForHTTP("/ping").WithPort("8123/tcp"),
				wait.ForListeningPort("9000/tcp"),
			).WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start clickhouse container")

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	conn, err := NewConn(ctx, fmt.Sprintf("clickhouse://%s/default", endpoint))
	require.NoError(t, err, "connect clickhouse")

	return conn, func() {
		conn.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
}

// schemaFiles mounts every ClickHouse migration as an init script. The
// entrypoint runs them in name order.
func schemaFiles(t *testing.T) []testcontainers.ContainerFile {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)

	// Tests run from internal/storage/clickhouse.
	dir := filepath.Join(wd, "..", "migrations", "clickhouse")
	scripts, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, scripts, "no clickhouse migrations in %s", dir)

	files := make([]testcontainers.ContainerFile, 0, len(scripts))
	for _, script := range scripts {
		files = append(files, testcontainers.ContainerFile{
			HostFilePath:      script,
			ContainerFilePath: initScriptDir + "/" + filepath.Base(script),
			FileMode:          0o644,
		})
	}
	return files
}
