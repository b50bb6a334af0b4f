package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oy3o/oidcproxy"
	"github.com/oy3o/oidcproxy/cache"
	"github.com/oy3o/oidcproxy/config"
)

func TestBuildStores_ReplayMode(t *testing.T) {
	mr := miniredis.RunT(t)
	memory := config.Store{Driver: config.StoreMemory, TTL: time.Minute}
	redisStore := config.Store{Driver: config.StoreRedis, RedisURL: "redis://" + mr.Addr(), TTL: time.Minute}

	tests := []struct {
		name   string
		store  config.Store
		replay string
		check  func(t *testing.T, rc oidcproxy.ReplayCache)
	}{
		{"memory native", memory, config.ReplayNative, func(t *testing.T, rc oidcproxy.ReplayCache) {
			assert.IsType(t, &oidcproxy.MemoryReplayCache{}, rc)
		}},
		{"memory store", memory, config.ReplayStore, func(t *testing.T, rc oidcproxy.ReplayCache) {
			assert.IsType(t, &oidcproxy.StoreReplayCache{}, rc)
		}},
		{"redis native", redisStore, config.ReplayNative, func(t *testing.T, rc oidcproxy.ReplayCache) {
			assert.IsType(t, &cache.RedisReplayCache{}, rc)
		}},
		{"redis store", redisStore, config.ReplayStore, func(t *testing.T, rc oidcproxy.ReplayCache) {
			assert.IsType(t, &oidcproxy.StoreReplayCache{}, rc)
			assert.True(t, mr.Exists(cache.PrefixReplay+oidcproxy.DefaultReplayKey), "jti set lives under a single key")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mr.FlushAll()
			st, err := buildStores(ctx, tt.store, tt.replay, zerolog.Nop())
			require.NoError(t, err)
			t.Cleanup(st.close)

			replayed, err := st.replay.CheckAndStore(ctx, "jti-"+tt.replay, time.Minute)
			require.NoError(t, err)
			assert.False(t, replayed)
			replayed, err = st.replay.CheckAndStore(ctx, "jti-"+tt.replay, time.Minute)
			require.NoError(t, err)
			assert.True(t, replayed)

			tt.check(t, st.replay)
		})
	}
}
