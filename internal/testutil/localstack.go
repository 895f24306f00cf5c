// Package testutil starts throwaway service containers for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

func init() {
	// Ryuk's reaper requires t.Setenv-style config that blocks t.Parallel;
	// containers are terminated explicitly in t.Cleanup instead.
	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
}

// SetupLocalStack starts a LocalStack container exposing the given
// comma-separated services ("s3,dynamodb") and returns its endpoint URL.
// LOCALSTACK_ENDPOINT overrides container startup and points tests at an
// already-running instance.
func SetupLocalStack(t *testing.T, services string) string {
	t.Helper()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.8.1",
		testcontainers.WithEnv(map[string]string{
			"SERVICES": services,
			"DEBUG":    "0",
		}),
	)
	if err != nil {
		t.Fatalf("failed to start LocalStack container: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("failed to terminate LocalStack container: %v", err)
		}
	})

	mappedPort, err := container.MappedPort(ctx, "4566/tcp")
	if err != nil {
		t.Fatalf("failed to get LocalStack port: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get LocalStack host: %v", err)
	}
	if host == "localhost" || host == "::1" {
		host = "127.0.0.1"
	}

	return fmt.Sprintf("http://%s:%s", host, mappedPort.Port())
}
