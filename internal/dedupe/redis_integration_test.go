//go:build integration

package dedupe

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func TestRedisSet(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	r, err := NewRedis(ctx, "redis://"+endpoint, time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	if ok, err := r.Acquire(ctx, "d1"); err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if ok, _ := r.Acquire(ctx, "d1"); ok {
		t.Error("second acquire should fail")
	}
	if held, _ := r.Held(ctx, "d1"); !held {
		t.Error("d1 should be held")
	}
	if err := r.Release(ctx, "d1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := r.Held(ctx, "d1"); held {
		t.Error("d1 should be released")
	}

	if ok, _ := r.Acquire(ctx, "d2"); !ok {
		t.Fatal("acquire d2")
	}
	time.Sleep(1500 * time.Millisecond)
	if held, _ := r.Held(ctx, "d2"); held {
		t.Error("d2 should have expired")
	}
}
