//go:build integration

package test

import (
	"context"
	"crypto/sha256"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// redisMode describes which Redis backend the compatibility suite is running against.
type redisMode struct {
	name  string
	setup func(t *testing.T) redis.UniversalClient
}

// redisModes returns the set of Redis backends to test. miniredis is always
// available; REDIS_ADDR adds a standalone server and REDIS_CONTAINER=1 starts
// one with testcontainers.
func redisModes(t *testing.T) []redisMode {
	t.Helper()
	modes := []redisMode{
		{
			name: "miniredis",
			setup: func(t *testing.T) redis.UniversalClient {
				t.Helper()
				mr := miniredis.RunT(t)
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = rdb.Close() })
				return rdb
			},
		},
	}

	if addr := strings.TrimSpace(os.Getenv("REDIS_ADDR")); addr != "" {
		modes = append(modes, redisMode{
			name: "standalone:" + addr,
			setup: func(t *testing.T) redis.UniversalClient {
				t.Helper()
				return connect(t, addr)
			},
		})
	}

	if os.Getenv("REDIS_CONTAINER") == "1" {
		modes = append(modes, redisMode{
			name: "container",
			setup: func(t *testing.T) redis.UniversalClient {
				t.Helper()
				return connect(t, startRedisContainer(t))
			},
		})
	}

	return modes
}

func connect(t *testing.T, addr string) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("cannot connect to Redis at %s: %v", addr, err)
	}
	// Flush the test DB to avoid state leaking between runs.
	rdb.FlushDB(context.Background())
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		_ = rdb.Close()
	})
	return rdb
}

func startRedisContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(ctx) })

	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return host + ":" + port.Port()
}

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}
