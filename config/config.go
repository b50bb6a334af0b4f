// Package config 加载代理的运行配置。
// 来源优先级: 环境变量 (OIDCPROXY_ 前缀) > 配置文件 > 默认值。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量前缀，server.addr 对应 OIDCPROXY_SERVER_ADDR
const EnvPrefix = "OIDCPROXY"

// 客户端注册模式
const (
	RegistrationDynamic = "dynamic"
	RegistrationStatic  = "static"
)

// WebID 文档格式
const (
	ResolverTurtle = "turtle"
	ResolverJSONLD = "jsonld"
)

// DPoP jti 防重放的存放方式
const (
	// ReplayNative 使用存储后端原生的 jti 缓存 (Redis SET NX、独立表、内存分片)
	ReplayNative = "native"
	// ReplayStore 把全部 jti 作为一个条目保存在通用键值存储中
	ReplayStore = "store"
)

// 存储后端
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Server struct {
	Addr            string        `mapstructure:"addr" validate:"required,hostname_port"`
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"min=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

type Upstream struct {
	Issuer string `mapstructure:"issuer" validate:"required,url"`
	// 静态注册模式下使用的客户端凭据
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RedirectURI  string        `mapstructure:"redirect_uri" validate:"omitempty,url"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"min=0"`
}

type Registration struct {
	Mode     string `mapstructure:"mode" validate:"oneof=dynamic static"`
	Resolver string `mapstructure:"resolver" validate:"oneof=turtle jsonld"`
}

type DPoP struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxAge         time.Duration `mapstructure:"max_age" validate:"gt=0"`
	ClockTolerance time.Duration `mapstructure:"clock_tolerance" validate:"min=0"`
	Replay         string        `mapstructure:"replay" validate:"oneof=native store"`
}

type Tokens struct {
	WebIDTemplate  string        `mapstructure:"webid_template" validate:"omitempty,contains=:sub"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl" validate:"gt=0"`
	VerifyUpstream bool          `mapstructure:"verify_upstream"`
}

type Store struct {
	Driver      string        `mapstructure:"driver" validate:"oneof=memory redis postgres"`
	RedisURL    string        `mapstructure:"redis_url" validate:"required_if=Driver redis"`
	PostgresDSN string        `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	TTL         time.Duration `mapstructure:"ttl" validate:"min=0"`
	GCInterval  time.Duration `mapstructure:"gc_interval" validate:"min=0"`
}

type Keys struct {
	JWKSFile string `mapstructure:"jwks_file" validate:"excluded_with=PEMFile"`
	PEMFile  string `mapstructure:"pem_file"`
	Password string `mapstructure:"password"`
	KeyType  string `mapstructure:"key_type" validate:"oneof=rsa ecdsa ed25519"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

// Config 是代理的完整配置
type Config struct {
	Server       Server       `mapstructure:"server"`
	Upstream     Upstream     `mapstructure:"upstream"`
	Registration Registration `mapstructure:"registration"`
	DPoP         DPoP         `mapstructure:"dpop"`
	Tokens       Tokens       `mapstructure:"tokens"`
	Store        Store        `mapstructure:"store"`
	Keys         Keys         `mapstructure:"keys"`
	Log          Log          `mapstructure:"log"`
}

// SetDefaults 在 v 上注册所有默认值
// 没有默认值的 key 也注册为空值，AutomaticEnv 只覆盖已知 key。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("upstream.issuer", "")
	v.SetDefault("upstream.client_id", "")
	v.SetDefault("upstream.client_secret", "")
	v.SetDefault("upstream.redirect_uri", "")
	v.SetDefault("upstream.timeout", 10*time.Second)

	v.SetDefault("registration.mode", RegistrationDynamic)
	v.SetDefault("registration.resolver", ResolverTurtle)

	v.SetDefault("dpop.enabled", true)
	v.SetDefault("dpop.max_age", 60*time.Second)
	v.SetDefault("dpop.clock_tolerance", 10*time.Second)
	v.SetDefault("dpop.replay", ReplayNative)

	v.SetDefault("tokens.webid_template", "")
	v.SetDefault("tokens.access_token_ttl", 5*time.Minute)
	v.SetDefault("tokens.verify_upstream", true)

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.ttl", 10*time.Minute)
	v.SetDefault("store.gc_interval", time.Minute)

	v.SetDefault("keys.jwks_file", "")
	v.SetDefault("keys.pem_file", "")
	v.SetDefault("keys.password", "")
	v.SetDefault("keys.key_type", "ecdsa")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// New 返回绑定了环境变量和默认值的 viper 实例
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load 读取配置文件 (path 为空时只使用环境变量和默认值) 并校验
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate 执行结构体规则和跨字段规则
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Registration.Mode == RegistrationStatic && (c.Upstream.ClientID == "" || c.Upstream.RedirectURI == "") {
		return errors.New("invalid config: static registration requires upstream.client_id and upstream.redirect_uri")
	}
	return nil
}
