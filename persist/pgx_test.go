package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/oy3o/oidcproxy"
)

// 全局变量，整个测试套件生命周期内只初始化一次
var (
	testPool      *pgxpool.Pool
	testContainer *postgres.PostgresContainer
	poolOnce      sync.Once
)

// TestMain 控制测试的主入口，负责全局容器的启动和销毁。
// Docker 不可用时跳过整个包。
func TestMain(m *testing.M) {
	ctx := context.Background()

	poolOnce.Do(func() {
		container, err := postgres.Run(
			ctx,
			"docker.io/postgres:18-alpine",
			postgres.WithInitScripts("./init.sql"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			fmt.Printf("skipping postgres tests, failed to start container: %v\n", err)
			return
		}
		testContainer = container

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			fmt.Printf("failed to get connection string: %v\n", err)
			return
		}

		dbConfig, err := pgxpool.ParseConfig(connStr)
		if err != nil {
			fmt.Printf("failed to parse config: %v\n", err)
			return
		}
		dbConfig.MinConns = 1
		dbConfig.MaxConns = 10

		pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
		if err != nil {
			fmt.Printf("failed to create pool: %v\n", err)
			return
		}
		if err := waitForDB(ctx, pool); err != nil {
			fmt.Printf("database not ready: %v\n", err)
			pool.Close()
			return
		}
		testPool = pool
	})

	code := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if testContainer != nil {
		if err := testContainer.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate container: %v\n", err)
		}
	}
	os.Exit(code)
}

// waitForDB 简单的重试逻辑
func waitForDB(ctx context.Context, pool *pgxpool.Pool) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(5 * time.Second)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return context.DeadlineExceeded
		case <-ticker.C:
			if err := pool.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

// newTestDB 获取全局的 Pool，并清空数据
func newTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testPool == nil {
		t.Skip("postgres container is not available")
	}
	_, err := testPool.Exec(context.Background(), `TRUNCATE oidcproxy_kv, oidcproxy_dpop_jti`)
	require.NoError(t, err, "failed to clean database")
	return testPool
}

func TestPgxStore_Basic(t *testing.T) {
	db := newTestDB(t)
	store, err := NewPgxStore[oidcproxy.ChallengeAndMethod](db, NamespacePKCE, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()
	entry := oidcproxy.ChallengeAndMethod{Challenge: "abc", Method: oidcproxy.CodeChallengeMethodS256, ClientState: "cs"}

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, oidcproxy.ErrEntryNotFound)

	require.NoError(t, store.Set(ctx, "s1", entry))
	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, entry, got)

	ok, err := store.Has(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 覆盖写
	entry.Challenge = "def"
	require.NoError(t, store.Set(ctx, "s1", entry))
	got, err = store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "def", got.Challenge)

	deleted, err := store.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPgxStore_NamespaceIsolation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	pkce, err := NewPgxStore[bool](db, NamespacePKCE, 0)
	require.NoError(t, err)
	state, err := NewPgxStore[bool](db, NamespaceState, 0)
	require.NoError(t, err)

	require.NoError(t, pkce.Set(ctx, "k", true))
	_, err = state.Get(ctx, "k")
	assert.ErrorIs(t, err, oidcproxy.ErrEntryNotFound)

	entries, err := pkce.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"k": true}, entries)
}

func TestPgxStore_TakeConcurrent(t *testing.T) {
	db := newTestDB(t)
	store, err := NewPgxStore[oidcproxy.ChallengeAndMethod](db, NamespacePKCE, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "code", oidcproxy.ChallengeAndMethod{Challenge: "abc", Method: "plain"}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Take(ctx, "code"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPgxStore_Expiry(t *testing.T) {
	db := newTestDB(t)
	store, err := NewPgxStore[bool](db, NamespaceState, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }
	require.NoError(t, store.Set(ctx, "old", true))

	// 越过 TTL
	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, oidcproxy.ErrEntryNotFound)

	ok, err := store.SetIfAbsent(ctx, "old", false)
	require.NoError(t, err)
	assert.True(t, ok, "expired rows count as absent")

	ok, err = store.SetIfAbsent(ctx, "old", true)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "stale", true))
	now = now.Add(2 * time.Minute)
	deleted, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}

func TestPgxStore_Update(t *testing.T) {
	db := newTestDB(t)
	store, err := NewPgxStore[int](db, "counter", 0)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "n", func(old int, _ bool) (int, error) {
				return old + 1, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	boom := errors.New("boom")
	_, err = store.Update(ctx, "n", func(int, bool) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	v, err = store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestPgxStore_ClientRegistration(t *testing.T) {
	db := newTestDB(t)
	store, err := NewPgxStore[oidcproxy.ClientRegistration](db, NamespaceClient, 0)
	require.NoError(t, err)
	ctx := context.Background()

	reg := oidcproxy.ClientRegistration{ClientSecret: "s3cret"}
	reg.ClientID = "upstream-1"
	reg.RedirectURIs = []string{"https://app.example/cb"}
	reg.Declared = &oidcproxy.ClientMetadata{ClientID: "https://app.example/id", RedirectURIs: []string{"https://app.example/cb"}}
	require.NoError(t, store.Set(ctx, "https://app.example/id", reg))

	got, err := store.Get(ctx, "https://app.example/id")
	require.NoError(t, err)
	assert.Equal(t, "upstream-1", got.ClientID)
	require.NotNil(t, got.Declared)
	assert.True(t, got.Declared.Equivalent(reg.Declared))
}

func TestPgxReplayCache(t *testing.T) {
	db := newTestDB(t)
	cache, err := NewPgxReplayCache(db)
	require.NoError(t, err)
	ctx := context.Background()

	now := time.Now()
	cache.now = func() time.Time { return now }

	replayed, err := cache.CheckAndStore(ctx, "jti-1", 70*time.Second)
	require.NoError(t, err)
	assert.False(t, replayed)

	replayed, err = cache.CheckAndStore(ctx, "jti-1", 70*time.Second)
	require.NoError(t, err)
	assert.True(t, replayed)

	now = now.Add(71 * time.Second)
	replayed, err = cache.CheckAndStore(ctx, "jti-1", 70*time.Second)
	require.NoError(t, err)
	assert.False(t, replayed)

	_, err = cache.CheckAndStore(ctx, "", time.Minute)
	assert.ErrorIs(t, err, oidcproxy.ErrInvalidJTI)

	now = now.Add(71 * time.Second)
	deleted, err := cache.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestNewPgxStore_Validation(t *testing.T) {
	_, err := NewPgxStore[bool](nil, NamespacePKCE, 0)
	assert.ErrorIs(t, err, ErrDBRequired)
	_, err = NewPgxReplayCache(nil)
	assert.ErrorIs(t, err, ErrDBRequired)
}
