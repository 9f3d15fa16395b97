package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Config is the serve command configuration. Environment variables provide
// defaults; flags override them.
type Config struct {
	Addr string `env:"MCPSTREAM_ADDR,default=127.0.0.1:8080"`
	Path string `env:"MCPSTREAM_PATH,default=/mcp"`

	// Store selects the session store: "memory" or "redis".
	Store     string        `env:"MCPSTREAM_STORE,default=memory"`
	RedisAddr string        `env:"REDIS_ADDR,default=localhost:6379"`
	KeyPrefix string        `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	TTL       time.Duration `env:"SESSIONS_TTL,default=1h"`

	PollInterval time.Duration `env:"MCPSTREAM_POLL_INTERVAL,default=100ms"`
	SweepEvery   time.Duration `env:"MCPSTREAM_SWEEP_INTERVAL,default=1m"`

	ServerName      string `env:"MCPSTREAM_SERVER_NAME,default=mcpstream"`
	ServerVersion   string `env:"MCPSTREAM_SERVER_VERSION,default=0.1.0"`
	ProtocolVersion string `env:"MCPSTREAM_PROTOCOL_VERSION"`

	// ServersFile is a YAML file listing several servers to mount. When empty
	// a single server is built from ServerName, ServerVersion and Path.
	ServersFile string `env:"MCPSTREAM_SERVERS_FILE"`

	// Bearer authentication is enabled when either JWTSecret or JWKSURL is set.
	JWTSecret   string `env:"MCPSTREAM_JWT_SECRET"`
	JWKSURL     string `env:"MCPSTREAM_JWKS_URL"`
	JWTIssuer   string `env:"MCPSTREAM_JWT_ISSUER"`
	JWTAudience string `env:"MCPSTREAM_JWT_AUDIENCE"`
	Realm       string `env:"MCPSTREAM_REALM,default=mcp"`

	LogFormat string `env:"MCPSTREAM_LOG_FORMAT,default=console"`
	LogLevel  string `env:"MCPSTREAM_LOG_LEVEL,default=info"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store %q (want memory or redis)", c.Store)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.JWTSecret != "" && c.JWKSURL != "" {
		return errors.New("jwt secret and jwks url are mutually exclusive")
	}
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}

// ServerConfig describes one server mounted by the serve command.
type ServerConfig struct {
	Name         string         `yaml:"name"`
	Version      string         `yaml:"version"`
	Path         string         `yaml:"path"`
	Instructions string         `yaml:"instructions"`
	Capabilities map[string]any `yaml:"capabilities"`
	// Methods limits the demo handlers installed. Empty installs all.
	Methods []string `yaml:"methods"`
}

type serversFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// reservedPaths are owned by the router itself.
var reservedPaths = map[string]bool{"/healthz": true, "/metrics": true}

// servers resolves the list of servers to mount. Entries from ServersFile
// inherit ServerVersion when they leave version empty.
func (c Config) servers() ([]ServerConfig, error) {
	if c.ServersFile == "" {
		return []ServerConfig{{Name: c.ServerName, Version: c.ServerVersion, Path: c.Path}}, nil
	}

	b, err := os.ReadFile(c.ServersFile)
	if err != nil {
		return nil, fmt.Errorf("read servers file: %w", err)
	}
	var f serversFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode servers file: %w", err)
	}
	if len(f.Servers) == 0 {
		return nil, fmt.Errorf("servers file %s lists no servers", c.ServersFile)
	}

	seenPath := make(map[string]bool, len(f.Servers))
	seenName := make(map[string]bool, len(f.Servers))
	for i := range f.Servers {
		s := &f.Servers[i]
		if s.Name == "" {
			return nil, fmt.Errorf("server %d: name is required", i)
		}
		if !strings.HasPrefix(s.Path, "/") {
			return nil, fmt.Errorf("server %s: path %q must start with /", s.Name, s.Path)
		}
		if reservedPaths[s.Path] {
			return nil, fmt.Errorf("server %s: path %s is reserved", s.Name, s.Path)
		}
		if seenPath[s.Path] {
			return nil, fmt.Errorf("server %s: path %s is already mounted", s.Name, s.Path)
		}
		if seenName[s.Name] {
			return nil, fmt.Errorf("server %s: duplicate name", s.Name)
		}
		seenPath[s.Path] = true
		seenName[s.Name] = true
		if s.Version == "" {
			s.Version = c.ServerVersion
		}
	}
	return f.Servers, nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "console":
		noColor := true
		if f, ok := w.(*os.File); ok {
			noColor = !isatty.IsTerminal(f.Fd())
		}
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
			NoColor:    noColor,
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want console or json)", format)
	}
}
