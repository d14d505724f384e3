// Package mongotest starts a disposable MongoDB container shared by the tests
// of a package. Tests are skipped when Docker is not available.
package mongotest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	client    *mongo.Client
	container testcontainers.Container
	skip      bool
	databases atomic.Int64
)

// Main starts the container, runs the tests and tears everything down.
func Main(m *testing.M) int {
	ctx := context.Background()
	if err := start(ctx); err != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", err)
		skip = true
	}
	code := m.Run()
	if client != nil {
		_ = client.Disconnect(ctx)
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	return code
}

// Database returns the shared client and the name of a database no other
// caller uses. It skips the test when MongoDB is not available.
func Database(t *testing.T) (*mongo.Client, string) {
	t.Helper()
	if skip || client == nil {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	name := fmt.Sprintf("analyst_test_%d", databases.Add(1))
	t.Cleanup(func() { _ = client.Database(name).Drop(context.Background()) })
	return client, name
}

func start(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
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
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	client, err = mongo.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}
