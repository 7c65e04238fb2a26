// Package config loads the hospitalchat configuration from an optional YAML
// file overlaid with command-line flags.
package config

import (
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// CodeInvalidConfig tags validation failures.
const CodeInvalidConfig = "INVALID_CONFIG"

// Config is the full server configuration.
type Config struct {
	Node      string          `koanf:"node"`
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Redis     RedisConfig     `koanf:"redis"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	NATS      NATSConfig      `koanf:"nats"`
	Postgres  PostgresConfig  `koanf:"postgres"`
}

type LogConfig struct {
	Format string `koanf:"format"` // json or text
	Level  string `koanf:"level"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr"`
	WorkerPoolSize int           `koanf:"workers"`
	MaxConnections int           `koanf:"max_connections"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	SendQueue      int           `koanf:"send_queue"`
	TrustedProxies []string      `koanf:"trusted_proxies"` // addresses or CIDRs allowed to set X-Forwarded-For
}

type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
}

// RedisConfig enables presence and admission rate limiting when Addr is set.
type RedisConfig struct {
	Addr        string        `koanf:"addr"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	PresenceTTL time.Duration `koanf:"presence_ttl"`
}

// RateLimitConfig bounds new connections per remote address.
type RateLimitConfig struct {
	Connects int           `koanf:"connects"` // 0 disables
	Window   time.Duration `koanf:"window"`
}

// NATSConfig enables cross-process fan-out when URL is set.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// PostgresConfig enables join verification when DSN is set.
type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// RegisterFlags declares every configuration key on fs with its default.
// Flag names are the dotted koanf keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("node", "", "node identifier (random when empty)")

	fs.String("log.format", "json", "log format: json or text")
	fs.String("log.level", "info", "log level: debug, info, warn, error")

	fs.String("server.addr", ":8080", "listen address")
	fs.Int("server.workers", 256, "max concurrent read workers")
	fs.Int("server.max_connections", 100000, "hard cap on live connections")
	fs.Duration("server.read_timeout", 10*time.Second, "frame read timeout")
	fs.Duration("server.write_timeout", 10*time.Second, "frame write timeout")
	fs.Int("server.send_queue", 64, "outbound frames buffered per socket before drops")
	fs.StringSlice("server.trusted_proxies", nil, "proxy addresses or CIDRs whose X-Forwarded-For is honored")

	fs.Duration("heartbeat.interval", 30*time.Second, "ping interval")
	fs.Duration("heartbeat.timeout", 90*time.Second, "evict sockets silent for longer than this")

	fs.String("redis.addr", "", "redis address; empty disables presence and rate limiting")
	fs.String("redis.password", "", "redis password")
	fs.Int("redis.db", 0, "redis database")
	fs.Duration("redis.presence_ttl", 2*time.Minute, "presence entry lifetime")

	fs.Int("ratelimit.connects", 30, "new connections per address per window; 0 disables")
	fs.Duration("ratelimit.window", time.Minute, "rate limit window")

	fs.String("nats.url", "", "NATS url; empty keeps fan-out process-local")
	fs.String("nats.subject", "hospitalchat.fanout", "NATS subject for relayed fan-out")

	fs.String("postgres.dsn", "", "PostgreSQL DSN; empty disables join verification")
}

// Load reads the file named by the config flag, if any, then applies flags.
// Flags left at their default do not override file values.
func Load(fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	path, _ := fs.GetString("config")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.With("path", path).Wrapf(err, "load config file")
		}
	}
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, oops.Wrapf(err, "load flags")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks sizes and durations.
func (c *Config) Validate() error {
	fail := func(key string, v any, why string) error {
		return oops.Code(CodeInvalidConfig).With("key", key, "value", v).Errorf("%s: %s", key, why)
	}
	switch {
	case c.Server.Addr == "":
		return fail("server.addr", c.Server.Addr, "must not be empty")
	case c.Server.WorkerPoolSize <= 0:
		return fail("server.workers", c.Server.WorkerPoolSize, "must be positive")
	case c.Server.MaxConnections <= 0:
		return fail("server.max_connections", c.Server.MaxConnections, "must be positive")
	case c.Server.ReadTimeout < 0:
		return fail("server.read_timeout", c.Server.ReadTimeout, "must not be negative")
	case c.Server.WriteTimeout < 0:
		return fail("server.write_timeout", c.Server.WriteTimeout, "must not be negative")
	case c.Server.SendQueue <= 0:
		return fail("server.send_queue", c.Server.SendQueue, "must be positive")
	case c.Heartbeat.Interval <= 0:
		return fail("heartbeat.interval", c.Heartbeat.Interval, "must be positive")
	case c.Heartbeat.Timeout <= c.Heartbeat.Interval:
		return fail("heartbeat.timeout", c.Heartbeat.Timeout, "must exceed heartbeat.interval")
	case c.Redis.Addr != "" && c.Redis.PresenceTTL <= 0:
		return fail("redis.presence_ttl", c.Redis.PresenceTTL, "must be positive")
	case c.RateLimit.Connects < 0:
		return fail("ratelimit.connects", c.RateLimit.Connects, "must not be negative")
	case c.RateLimit.Connects > 0 && c.RateLimit.Window <= 0:
		return fail("ratelimit.window", c.RateLimit.Window, "must be positive")
	case c.Log.Format != "json" && c.Log.Format != "text":
		return fail("log.format", c.Log.Format, "must be json or text")
	case c.NATS.URL != "" && c.NATS.Subject == "":
		return fail("nats.subject", c.NATS.Subject, "must not be empty")
	}
	for _, v := range c.Server.TrustedProxies {
		if !validProxy(v) {
			return fail("server.trusted_proxies", v, "must be an IP address or CIDR")
		}
	}
	return nil
}

func validProxy(v string) bool {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}
