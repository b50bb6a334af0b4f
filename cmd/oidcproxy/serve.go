package main

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oy3o/oidcproxy"
	"github.com/oy3o/oidcproxy/cache"
	"github.com/oy3o/oidcproxy/config"
	"github.com/oy3o/oidcproxy/httpx"
	"github.com/oy3o/oidcproxy/persist"
)

func newServeCmd() *cobra.Command {
	v := config.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	cmd.Flags().String("addr", ":8080", "address to listen on")
	cmd.Flags().String("log-level", "info", "log level")
	bindFlag(v, cmd, "server.addr", "addr")
	bindFlag(v, cmd, "log.level", "log-level")
	return cmd
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		log.Fatal().Err(err).Str("flag", flag).Msg("failed to bind flag")
	}
}

func newLogger(c config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "oidcproxy").Logger()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Log)
	log.Logger = logger

	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout}

	// 1. 上游发现
	upstream, err := oidcproxy.Discover(ctx, cfg.Upstream.Issuer, httpClient)
	if err != nil {
		return fmt.Errorf("failed to discover upstream: %w", err)
	}
	logger.Info().Str("issuer", upstream.Issuer).Msg("upstream discovered")

	// 2. 存储
	st, err := buildStores(ctx, cfg.Store, cfg.DPoP.Replay, logger)
	if err != nil {
		return err
	}
	defer st.close()

	metrics, err := oidcproxy.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// 3. 签名密钥
	keys, err := loadKeys(cfg.Keys, logger)
	if err != nil {
		return err
	}
	signer, err := oidcproxy.NewKeySigner(keys...)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	logger.Info().Str("kid", signer.KeyID()).Msg("signing key loaded")

	// 4. 客户端注册
	clients, err := buildClients(cfg, upstream, st.clients, httpClient, logger, metrics)
	if err != nil {
		return err
	}

	// 5. DPoP 和上游 token 校验
	var dpop *oidcproxy.DPoPVerifier
	if cfg.DPoP.Enabled {
		dpop, err = oidcproxy.NewDPoPVerifier(st.replay,
			oidcproxy.WithDPoPMaxAge(cfg.DPoP.MaxAge),
			oidcproxy.WithDPoPClockTolerance(cfg.DPoP.ClockTolerance),
		)
		if err != nil {
			return fmt.Errorf("failed to create dpop verifier: %w", err)
		}
	}

	var upstreamVerifier oidcproxy.TokenVerifier
	if cfg.Tokens.VerifyUpstream && upstream.JWKSURI != "" {
		keySet := oidcproxy.NewRemoteKeySet(ctx, upstream.JWKSURI, httpClient,
			oidcproxy.WithKeySetLogger(logger.With().Str("component", "jwks").Logger()))
		defer keySet.Stop()
		upstreamVerifier = keySet
	}

	proxy, err := oidcproxy.NewProxy(oidcproxy.ProxyConfig{
		BaseURL:          cfg.Server.BaseURL,
		Upstream:         upstream,
		HTTPClient:       httpClient,
		PKCEStore:        st.pkce,
		StateStore:       st.state,
		Clients:          clients,
		Signer:           signer,
		Keys:             signer,
		DPoP:             dpop,
		WebIDTemplate:    cfg.Tokens.WebIDTemplate,
		AccessTokenTTL:   cfg.Tokens.AccessTokenTTL,
		UpstreamVerifier: upstreamVerifier,
		Logger:           &logger,
		Metrics:          metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	// 6. 过期条目回收
	gc := oidcproxy.NewGCWorker(cfg.Store.GCInterval, &logger, metrics, st.cleaners...)
	gc.Start(ctx)
	defer gc.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpx.NewRouter(proxy, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("base_url", cfg.Server.BaseURL).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	logger.Info().Msg("server shutdown complete")
	return nil
}

// stores 是按驱动构建好的各类存储
type stores struct {
	pkce     oidcproxy.Store[oidcproxy.ChallengeAndMethod]
	state    oidcproxy.Store[bool]
	clients  oidcproxy.Store[oidcproxy.ClientRegistration]
	replay   oidcproxy.ReplayCache
	cleaners []oidcproxy.Cleaner
	close    func()
}

// buildStores 按驱动构建存储；replay 为 config.ReplayStore 时 jti 集合也放进同一后端的键值存储
func buildStores(ctx context.Context, c config.Store, replay string, logger zerolog.Logger) (*stores, error) {
	switch c.Driver {
	case config.StoreRedis:
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st := &stores{close: func() { _ = rdb.Close() }}
		if st.pkce, err = cache.NewRedisStore[oidcproxy.ChallengeAndMethod](rdb, cache.PrefixPKCE, c.TTL); err != nil {
			return nil, err
		}
		if st.state, err = cache.NewRedisStore[bool](rdb, cache.PrefixState, c.TTL); err != nil {
			return nil, err
		}
		if st.clients, err = cache.NewRedisStore[oidcproxy.ClientRegistration](rdb, cache.PrefixClient, 0); err != nil {
			return nil, err
		}
		if replay == config.ReplayStore {
			set, err := cache.NewRedisStore[oidcproxy.JTISet](rdb, cache.PrefixReplay, 0)
			if err != nil {
				return nil, err
			}
			if st.replay, err = oidcproxy.NewStoreReplayCache(set, oidcproxy.DefaultReplayKey); err != nil {
				return nil, err
			}
		} else if st.replay, err = cache.NewRedisReplayCache(rdb, cache.PrefixDPoP); err != nil {
			return nil, err
		}
		logger.Info().Str("driver", c.Driver).Str("replay", replay).Msg("store ready")
		return st, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		st := &stores{close: pool.Close}
		pkce, err := persist.NewPgxStore[oidcproxy.ChallengeAndMethod](pool, persist.NamespacePKCE, c.TTL)
		if err != nil {
			return nil, err
		}
		state, err := persist.NewPgxStore[bool](pool, persist.NamespaceState, c.TTL)
		if err != nil {
			return nil, err
		}
		clients, err := persist.NewPgxStore[oidcproxy.ClientRegistration](pool, persist.NamespaceClient, 0)
		if err != nil {
			return nil, err
		}
		st.pkce, st.state, st.clients = pkce, state, clients
		st.cleaners = []oidcproxy.Cleaner{pkce, state}
		if replay == config.ReplayStore {
			set, err := persist.NewPgxStore[oidcproxy.JTISet](pool, persist.NamespaceJTI, 0)
			if err != nil {
				return nil, err
			}
			if st.replay, err = oidcproxy.NewStoreReplayCache(set, oidcproxy.DefaultReplayKey); err != nil {
				return nil, err
			}
		} else {
			jtis, err := persist.NewPgxReplayCache(pool)
			if err != nil {
				return nil, err
			}
			st.replay = jtis
			st.cleaners = append(st.cleaners, jtis)
		}
		logger.Info().Str("driver", c.Driver).Str("replay", replay).Msg("store ready")
		return st, nil
	}

	pkce := oidcproxy.NewMemoryStore[oidcproxy.ChallengeAndMethod](oidcproxy.WithMemoryTTL(c.TTL))
	state := oidcproxy.NewMemoryStore[bool](oidcproxy.WithMemoryTTL(c.TTL))
	st := &stores{
		pkce:     pkce,
		state:    state,
		clients:  oidcproxy.NewMemoryStore[oidcproxy.ClientRegistration](),
		cleaners: []oidcproxy.Cleaner{pkce, state},
		close:    func() {},
	}
	if replay == config.ReplayStore {
		rc, err := oidcproxy.NewStoreReplayCache(oidcproxy.NewMemoryStore[oidcproxy.JTISet](), oidcproxy.DefaultReplayKey)
		if err != nil {
			return nil, err
		}
		st.replay = rc
	} else {
		jtis := oidcproxy.NewMemoryReplayCache()
		st.replay = jtis
		st.cleaners = append(st.cleaners, jtis)
		st.close = func() { _ = jtis.Close() }
	}
	logger.Info().Str("driver", config.StoreMemory).Str("replay", replay).Msg("store ready")
	return st, nil
}

// loadKeys 加载签名密钥：JWKS 文件优先，其次 PEM 文件 (不存在时生成)，都未配置时生成临时密钥
func loadKeys(c config.Keys, logger zerolog.Logger) ([]jwk.Key, error) {
	var password []byte
	if c.Password != "" {
		password = []byte(c.Password)
	}
	if c.JWKSFile != "" {
		return oidcproxy.LoadSigningKeys(c.JWKSFile, password)
	}

	kt, err := oidcproxy.ParseKeyType(c.KeyType)
	if err != nil {
		return nil, err
	}
	var priv crypto.Signer
	if c.PEMFile != "" {
		priv, err = oidcproxy.LoadOrGenerateKey(c.PEMFile, kt, password)
	} else {
		logger.Warn().Msg("no signing key configured, generating an ephemeral key")
		priv, err = oidcproxy.NewKey(kt)
	}
	if err != nil {
		return nil, err
	}
	key, err := oidcproxy.KeyFromPrivate(priv, "")
	if err != nil {
		return nil, err
	}
	return []jwk.Key{key}, nil
}

func buildClients(
	cfg *config.Config,
	upstream *oidcproxy.Discovery,
	store oidcproxy.Store[oidcproxy.ClientRegistration],
	httpClient *http.Client,
	logger zerolog.Logger,
	metrics *oidcproxy.Metrics,
) (oidcproxy.ClientRewriter, error) {
	resolverOpts := []oidcproxy.ResolverOption{
		oidcproxy.WithResolverHTTPClient(httpClient),
		oidcproxy.WithResolverLogger(logger.With().Str("component", "webid").Logger()),
	}
	var resolver oidcproxy.WebIDResolver
	switch cfg.Registration.Resolver {
	case config.ResolverJSONLD:
		resolver = oidcproxy.NewJSONLDResolver(resolverOpts...)
	default:
		r, err := oidcproxy.NewTurtleResolver(oidcproxy.TurtleParser{}, resolverOpts...)
		if err != nil {
			return nil, err
		}
		resolver = r
	}

	if cfg.Registration.Mode == config.RegistrationStatic {
		return oidcproxy.NewStaticRegistration(oidcproxy.StaticRegistrationConfig{
			ClientID:     cfg.Upstream.ClientID,
			ClientSecret: cfg.Upstream.ClientSecret,
			RedirectURI:  cfg.Upstream.RedirectURI,
			Resolver:     resolver,
			Logger:       &logger,
		})
	}

	registrar, err := oidcproxy.NewRegistrationClient(upstream.RegistrationEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("upstream does not support dynamic registration: %w", err)
	}
	return oidcproxy.NewDynamicRegistration(oidcproxy.DynamicRegistrationConfig{
		Resolver:  resolver,
		Registrar: registrar,
		Store:     store,
		Logger:    &logger,
		Metrics:   metrics,
	})
}
