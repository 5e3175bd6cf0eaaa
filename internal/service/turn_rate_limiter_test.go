package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryTurnRateLimiter_AllowsUpToMax(t *testing.T) {
	limiter := NewMemoryTurnRateLimiter(time.Minute, 2)

	if !limiter.Allow("u1") || !limiter.Allow("u1") {
		t.Fatalf("expected first two turns allowed")
	}
	if limiter.Allow("u1") {
		t.Fatalf("expected third turn within the window denied")
	}
	if !limiter.Allow("u2") {
		t.Fatalf("expected independent budget per user")
	}
}

func TestMemoryTurnRateLimiter_WindowExpires(t *testing.T) {
	limiter := NewMemoryTurnRateLimiter(50*time.Millisecond, 1)

	if !limiter.Allow("u1") {
		t.Fatalf("expected first turn allowed")
	}
	if limiter.Allow("u1") {
		t.Fatalf("expected second turn denied")
	}
	time.Sleep(70 * time.Millisecond)
	if !limiter.Allow("u1") {
		t.Fatalf("expected turn allowed after window expired")
	}
}

func TestMemoryTurnRateLimiter_EmptyKeyDenied(t *testing.T) {
	limiter := NewMemoryTurnRateLimiter(time.Minute, 5)
	if limiter.Allow("   ") {
		t.Fatalf("expected empty key denied")
	}
}

type mockRedisEvaler struct {
	lastKeys []string
	lastArgs []interface{}
	result   int64
	err      error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestRedisTurnRateLimiter_Allow(t *testing.T) {
	mock := &mockRedisEvaler{result: 1}
	limiter := &redisTurnRateLimiter{client: mock, window: time.Minute, max: 3, prefix: "turn:rl:"}

	if !limiter.Allow(" U1 ") {
		t.Fatalf("expected allow under the limit")
	}
	if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "turn:rl:u1" {
		t.Fatalf("unexpected redis key: %+v", mock.lastKeys)
	}

	mock.result = 4
	if limiter.Allow("u1") {
		t.Fatalf("expected deny over the limit")
	}
}

func TestRedisTurnRateLimiter_FailsOpen(t *testing.T) {
	mock := &mockRedisEvaler{err: errors.New("redis down")}
	limiter := &redisTurnRateLimiter{client: mock, window: time.Minute, max: 1, prefix: "turn:rl:"}

	if !limiter.Allow("u1") {
		t.Fatalf("expected allow when redis is unavailable")
	}
}
