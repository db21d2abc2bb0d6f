// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads gatekeep's configuration from defaults, an optional
// YAML file and command-line flags, in that order of precedence.
package config

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/gatekeep/internal/guard"
	"github.com/holomush/gatekeep/internal/logging"
	"github.com/holomush/gatekeep/internal/provider/memory"
	"github.com/holomush/gatekeep/internal/session"
)

// Error codes returned by this package.
const (
	CodeInvalid     = "CONFIG_INVALID"
	CodeLoadFailed  = "CONFIG_LOAD_FAILED"
	CodeSchemaError = "CONFIG_SCHEMA_VIOLATION"
)

// Provider kinds.
const (
	ProviderMemory = "memory"
	ProviderRedis  = "redis"
)

// Default values.
const (
	DefaultListenAddr  = "127.0.0.1:8080"
	DefaultMetricsAddr = "127.0.0.1:9100"
	DefaultLogFormat   = "json"
	DefaultLogLevel    = "info"
	DefaultRedisAddr   = "127.0.0.1:6379"
	DefaultRedisPrefix = "gatekeep"
)

// Config is the complete gatekeep configuration.
type Config struct {
	ListenAddr  string            `koanf:"listen_addr" json:"listen_addr,omitempty" jsonschema:"description=HTTP listen address"`
	MetricsAddr string            `koanf:"metrics_addr" json:"metrics_addr,omitempty" jsonschema:"description=Metrics and health listen address; empty disables"`
	LogFormat   string            `koanf:"log_format" json:"log_format,omitempty" jsonschema:"enum=json,enum=text"`
	LogLevel    string            `koanf:"log_level" json:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Routes      RoutesConfig      `koanf:"routes" json:"routes,omitempty"`
	Provider    ProviderConfig    `koanf:"provider" json:"provider,omitempty"`
	Resubscribe ResubscribeConfig `koanf:"resubscribe" json:"resubscribe,omitempty"`
}

// RoutesConfig names the guard routes and the path rules.
type RoutesConfig struct {
	Entry string `koanf:"entry" json:"entry,omitempty" jsonschema:"description=Public entry route for signed-out users"`
	Home  string `koanf:"home" json:"home,omitempty" jsonschema:"description=Default route for signed-in users"`
	// Rules replace the built-in table when present.
	Rules   []RuleConfig `koanf:"rules" json:"rules,omitempty"`
	Default string       `koanf:"default" json:"default,omitempty" jsonschema:"enum=protected,enum=public_only,enum=public"`
}

// RuleConfig is one path rule.
type RuleConfig struct {
	Pattern     string `koanf:"pattern" json:"pattern" jsonschema:"minLength=1"`
	Requirement string `koanf:"requirement" json:"requirement" jsonschema:"enum=protected,enum=public_only,enum=public"`
}

// ProviderConfig selects and configures the identity provider.
type ProviderConfig struct {
	Kind   string       `koanf:"kind" json:"kind,omitempty" jsonschema:"enum=memory,enum=redis"`
	Memory MemoryConfig `koanf:"memory" json:"memory,omitempty"`
	Redis  RedisConfig  `koanf:"redis" json:"redis,omitempty"`
}

// MemoryConfig configures the in-process provider.
type MemoryConfig struct {
	Users          []UserConfig  `koanf:"users" json:"users,omitempty"`
	HandshakeDelay time.Duration `koanf:"handshake_delay" json:"handshake_delay,omitempty" jsonschema:"type=string,description=Go duration such as 50ms"`
	// LockoutThreshold is the number of failed sign-ins that locks an
	// account; zero disables lockout.
	LockoutThreshold int           `koanf:"lockout_threshold" json:"lockout_threshold,omitempty" jsonschema:"minimum=0"`
	LockoutDuration  time.Duration `koanf:"lockout_duration" json:"lockout_duration,omitempty" jsonschema:"type=string,description=Go duration such as 15m"`
}

// UserConfig is a seed account for the in-process provider.
type UserConfig struct {
	Email       string `koanf:"email" json:"email" jsonschema:"minLength=3"`
	Password    string `koanf:"password" json:"password" jsonschema:"minLength=6"`
	DisplayName string `koanf:"display_name" json:"display_name,omitempty"`
}

// RedisConfig configures the Redis provider.
type RedisConfig struct {
	Addr   string `koanf:"addr" json:"addr,omitempty"`
	DB     int    `koanf:"db" json:"db,omitempty" jsonschema:"minimum=0"`
	Prefix string `koanf:"prefix" json:"prefix,omitempty"`
}

// ResubscribeConfig is the stream recovery policy.
type ResubscribeConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay" json:"base_delay,omitempty" jsonschema:"type=string,description=Go duration such as 250ms"`
	MaxDelay    time.Duration `koanf:"max_delay" json:"max_delay,omitempty" jsonschema:"type=string,description=Go duration such as 10s"`
	MaxAttempts uint64        `koanf:"max_attempts" json:"max_attempts,omitempty" jsonschema:"description=Zero disables recovery"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	policy := session.DefaultResubscribePolicy()
	return &Config{
		ListenAddr:  DefaultListenAddr,
		MetricsAddr: DefaultMetricsAddr,
		LogFormat:   DefaultLogFormat,
		LogLevel:    DefaultLogLevel,
		Routes: RoutesConfig{
			Entry:   guard.DefaultEntryRoute,
			Home:    guard.DefaultHomeRoute,
			Default: guard.RequireSession.String(),
		},
		Provider: ProviderConfig{
			Kind: ProviderMemory,
			Memory: MemoryConfig{
				HandshakeDelay:   50 * time.Millisecond,
				LockoutThreshold: memory.DefaultLockoutThreshold,
				LockoutDuration:  memory.DefaultLockoutDuration,
			},
			Redis: RedisConfig{
				Addr:   DefaultRedisAddr,
				Prefix: DefaultRedisPrefix,
			},
		},
		Resubscribe: ResubscribeConfig{
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			MaxAttempts: policy.MaxAttempts,
		},
	}
}

// flagKeys maps command-line flags to configuration keys. Flags not listed
// here are not configuration.
var flagKeys = map[string]string{
	"listen-addr":  "listen_addr",
	"metrics-addr": "metrics_addr",
	"log-format":   "log_format",
	"log-level":    "log_level",
	"provider":     "provider.kind",
	"redis-addr":   "provider.redis.addr",
	"redis-prefix": "provider.redis.prefix",
	"entry-route":  "routes.entry",
	"home-route":   "routes.home",
	"max-attempts": "resubscribe.max_attempts",
}

// RegisterFlags adds the configuration flags to fs. Only flags the user sets
// override the file.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("listen-addr", def.ListenAddr, "HTTP listen address")
	fs.String("metrics-addr", def.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.String("log-format", def.LogFormat, "log format (json or text)")
	fs.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	fs.String("provider", def.Provider.Kind, "identity provider (memory or redis)")
	fs.String("redis-addr", def.Provider.Redis.Addr, "redis address for the redis provider")
	fs.String("redis-prefix", def.Provider.Redis.Prefix, "key prefix for the redis provider")
	fs.String("entry-route", def.Routes.Entry, "public entry route")
	fs.String("home-route", def.Routes.Home, "default route after sign-in")
	fs.Uint64("max-attempts", def.Resubscribe.MaxAttempts, "resubscribe attempts before giving up (0 = never)")
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the changed flags in fs (may be nil).
// The file is checked against the JSON Schema before it is applied.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, oops.Code(CodeLoadFailed).With("path", path).Wrap(err)
		}
		if err := ValidateSchema(data); err != nil {
			return nil, oops.With("path", path).Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(CodeLoadFailed).With("path", path).Wrap(err)
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(CodeLoadFailed).With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code(CodeLoadFailed).Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the schema cannot express.
func (c *Config) Validate() error {
	var problems []string

	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	} else if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		problems = append(problems, "listen_addr must be host:port")
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			problems = append(problems, "metrics_addr must be host:port")
		}
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		problems = append(problems, "log_format must be 'json' or 'text', got '"+c.LogFormat+"'")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, "log_level must be debug, info, warn or error")
	}

	if !strings.HasPrefix(c.Routes.Entry, "/") || !strings.HasPrefix(c.Routes.Home, "/") {
		problems = append(problems, "routes.entry and routes.home must be absolute paths")
	} else if c.Routes.Entry == c.Routes.Home {
		problems = append(problems, "routes.entry and routes.home must differ")
	}
	if table, err := c.RouteTable(); err != nil {
		problems = append(problems, "routes: "+err.Error())
	} else {
		if table.Requirement(c.Routes.Entry) == guard.RequireSession {
			problems = append(problems, "routes.entry '"+c.Routes.Entry+"' is protected by the route rules and could never be shown")
		}
		if table.Requirement(c.Routes.Home) == guard.RequireNoSession {
			problems = append(problems, "routes.home '"+c.Routes.Home+"' is public_only in the route rules and could never be shown")
		}
	}

	switch c.Provider.Kind {
	case ProviderMemory:
		for i, u := range c.Provider.Memory.Users {
			if u.Email == "" || u.Password == "" {
				problems = append(problems, "provider.memory.users["+strconv.Itoa(i)+"] needs email and password")
			}
		}
		if c.Provider.Memory.HandshakeDelay < 0 {
			problems = append(problems, "provider.memory.handshake_delay must not be negative")
		}
		if c.Provider.Memory.LockoutThreshold < 0 {
			problems = append(problems, "provider.memory.lockout_threshold must not be negative")
		}
		if c.Provider.Memory.LockoutThreshold > 0 && c.Provider.Memory.LockoutDuration <= 0 {
			problems = append(problems, "provider.memory.lockout_duration must be positive when lockout is enabled")
		}
	case ProviderRedis:
		if c.Provider.Redis.Addr == "" {
			problems = append(problems, "provider.redis.addr is required")
		}
		if c.Provider.Redis.DB < 0 {
			problems = append(problems, "provider.redis.db must not be negative")
		}
	default:
		problems = append(problems, "provider.kind must be 'memory' or 'redis', got '"+c.Provider.Kind+"'")
	}

	if c.Resubscribe.BaseDelay <= 0 {
		problems = append(problems, "resubscribe.base_delay must be positive")
	}
	if c.Resubscribe.MaxDelay < c.Resubscribe.BaseDelay {
		problems = append(problems, "resubscribe.max_delay must not be below base_delay")
	}

	if len(problems) > 0 {
		return oops.Code(CodeInvalid).
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() slog.Level {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// GuardRoutes returns the entry and home routes.
func (c *Config) GuardRoutes() guard.Routes {
	return guard.Routes{Entry: c.Routes.Entry, Home: c.Routes.Home}
}

// RouteTable compiles the path rules. Without configured rules the built-in
// table is used.
func (c *Config) RouteTable() (*guard.RouteTable, error) {
	def, err := guard.ParseRequirement(c.Routes.Default)
	if err != nil {
		return nil, err
	}

	var rules []guard.Rule
	if len(c.Routes.Rules) == 0 {
		rules = guard.DefaultRouteTable().Rules()
	}
	for _, r := range c.Routes.Rules {
		req, err := guard.ParseRequirement(r.Requirement)
		if err != nil {
			return nil, err
		}
		rules = append(rules, guard.Rule{Pattern: r.Pattern, Requirement: req})
	}

	table, err := guard.NewRouteTable(def, rules...)
	if err != nil {
		return nil, err
	}
	return table, nil
}

// ResubscribePolicy returns the observer's stream recovery policy.
func (c *Config) ResubscribePolicy() session.ResubscribePolicy {
	return session.ResubscribePolicy{
		BaseDelay:   c.Resubscribe.BaseDelay,
		MaxDelay:    c.Resubscribe.MaxDelay,
		MaxAttempts: c.Resubscribe.MaxAttempts,
	}
}
