package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv is the variable that enables container-backed suites.
const IntegrationEnv = "ODDSTREAM_INTEGRATION"

// SkipUnlessIntegration skips the test unless ODDSTREAM_INTEGRATION is set.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("set %s=1 to run container-backed tests", IntegrationEnv)
	}
}

// Container wraps a started test container with its reachable address.
type Container struct {
	inner testcontainers.Container
	// Addr is host:port of the mapped service port.
	Addr string
	// Host and Port are the components of Addr.
	Host string
	Port int
}

// Terminate stops and removes the container.
func (c *Container) Terminate(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Terminate(ctx)
}

// StartNATS launches a JetStream-enabled NATS server container.
func StartNATS(ctx context.Context) (*Container, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		Cmd:          []string{"-js"},
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(30 * time.Second),
	}, "4222")
}

// StartRedis launches a Redis container.
func StartRedis(ctx context.Context) (*Container, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}, "6379")
}

// NATSURL returns the nats:// URL for a container started with StartNATS.
func (c *Container) NATSURL() string {
	return "nats://" + c.Addr
}

func start(ctx context.Context, req testcontainers.ContainerRequest, portName string) (*Container, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s container: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(portName+"/tcp"))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container port: %w", err)
	}

	return &Container{
		inner: container,
		Addr:  fmt.Sprintf("%s:%d", host, mapped.Int()),
		Host:  host,
		Port:  mapped.Int(),
	}, nil
}
