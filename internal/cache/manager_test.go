package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr := miniredis.RunT(t)

	manager, err := NewManager(context.Background(), Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t)

	assert.NotNil(t, manager.Client())
	assert.True(t, manager.Healthy())
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestManager_ClientIsShared(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Client().Set(ctx, "spend:k", "0.5", 0).Err())

	got, err := mr.Get("spend:k")
	require.NoError(t, err)
	assert.Equal(t, "0.5", got)
}

func TestManager_ConnectFailed(t *testing.T) {
	manager, err := NewManager(context.Background(), Config{Addr: "localhost:9999", DialTimeout: 200 * time.Millisecond}, nil)
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_Close(t *testing.T) {
	_, manager := setupTestRedis(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "second close is a no-op")

	assert.ErrorIs(t, manager.Ping(context.Background()), ErrClosed)
	_, err := manager.Info(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_ConcurrentPing(t *testing.T) {
	_, manager := setupTestRedis(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Ping(context.Background()))
		}()
	}
	wg.Wait()
}

func TestManager_HealthLoop(t *testing.T) {
	mr := miniredis.RunT(t)

	var observed atomic.Int32
	manager, err := NewManager(context.Background(),
		Config{Addr: mr.Addr(), MaxRetries: -1, HealthInterval: 10 * time.Millisecond},
		zap.NewNop(),
		WithPoolObserver(func(stats *redis.PoolStats) {
			if stats.TotalConns > 0 {
				observed.Add(1)
			}
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	assert.Eventually(t, func() bool { return observed.Load() > 0 }, time.Second, 10*time.Millisecond)

	mr.Close()
	assert.Eventually(t, func() bool { return !manager.Healthy() }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_CloseStopsHealthLoop(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := NewManager(context.Background(), Config{Addr: mr.Addr(), HealthInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = manager.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}

func TestParseInfo(t *testing.T) {
	info := "# Stats\r\n" +
		"keyspace_hits:42\r\n" +
		"keyspace_misses:7\r\n" +
		"\r\n" +
		"# Memory\r\n" +
		"used_memory:1048576\r\n" +
		"maxmemory:0\r\n" +
		"maxmemory_policy:allkeys-lru\r\n" +
		"used_memory_human:1.00M\r\n" +
		"# Clients\r\n" +
		"connected_clients:3\r\n" +
		"garbage line\r\n"

	got := parseInfo(info)
	assert.Equal(t, uint64(42), got.Hits)
	assert.Equal(t, uint64(7), got.Misses)
	assert.Equal(t, int64(1048576), got.UsedMemory)
	assert.Zero(t, got.MaxMemory)
	assert.Equal(t, "allkeys-lru", got.EvictionPolicy)
	assert.Equal(t, 3, got.Clients)
}

func TestServerInfo_MemoryPressure(t *testing.T) {
	tests := []struct {
		name string
		info ServerInfo
		want bool
	}{
		{"no maxmemory", ServerInfo{UsedMemory: 1 << 30}, false},
		{"below threshold", ServerInfo{UsedMemory: 80, MaxMemory: 100, EvictionPolicy: "allkeys-lru"}, false},
		{"at threshold", ServerInfo{UsedMemory: 90, MaxMemory: 100, EvictionPolicy: "allkeys-lru"}, true},
		{"noeviction never evicts", ServerInfo{UsedMemory: 99, MaxMemory: 100, EvictionPolicy: "noeviction"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.MemoryPressure())
		})
	}
}
