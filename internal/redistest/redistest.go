// Package redistest starts a disposable Redis container shared by the tests
// of a package. Tests are skipped when Docker is not available.
package redistest

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	client    *redis.Client
	container testcontainers.Container
	skip      bool
)

// Main starts the container, runs the tests and tears everything down. Use it
// from TestMain:
//
//	func TestMain(m *testing.M) { os.Exit(redistest.Main(m)) }
func Main(m *testing.M) int {
	ctx := context.Background()
	if err := start(ctx); err != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", err)
		skip = true
	}
	code := m.Run()
	if client != nil {
		_ = client.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	return code
}

// Client returns the shared client after flushing the database. It skips the
// test when Redis is not available.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	if skip || client == nil {
		t.Skip("Docker not available, skipping integration test")
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return client
}

func start(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		return err
	}
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	client = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
