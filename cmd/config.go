package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/TalG1018/PsyCounselor/pkg/session"
	"github.com/TalG1018/PsyCounselor/pkg/window"
)

// settings is the resolved configuration shared by every command.
type settings struct {
	Buffer    window.Config     `mapstructure:"buffer"`
	Session   sessionSettings   `mapstructure:"session"`
	Storage   storageSettings   `mapstructure:"storage"`
	Server    serverSettings    `mapstructure:"server"`
	Log       logSettings       `mapstructure:"log"`
	Telemetry telemetrySettings `mapstructure:"telemetry"`
}

type sessionSettings struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AutoKeywords  bool          `mapstructure:"auto_keywords"`
	// ContextTurns is the default number of turns rendered for prompts.
	ContextTurns int `mapstructure:"context_turns"`
}

type storageSettings struct {
	Backend       string        `mapstructure:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
}

type serverSettings struct {
	Addr string `mapstructure:"addr"`
}

type logSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type telemetrySettings struct {
	Enabled      bool   `mapstructure:"enabled"`
	Exporter     string `mapstructure:"exporter"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

const (
	backendSQLite = "sqlite"
	backendRedis  = "redis"
	backendMemory = "memory"
)

func setDefaults(v *viper.Viper) {
	buf := window.DefaultConfig()
	v.SetDefault("buffer.max_tokens", buf.MaxTokens)
	v.SetDefault("buffer.avg_chars_per_token", buf.AvgCharsPerToken)
	v.SetDefault("buffer.preserve_system_prompt", buf.PreserveSystemPrompt)
	v.SetDefault("buffer.reserved_system_tokens", buf.ReservedSystemTokens)

	sess := session.DefaultConfig()
	v.SetDefault("session.idle_ttl", sess.IdleTTL)
	v.SetDefault("session.sweep_interval", sess.SweepInterval)
	v.SetDefault("session.auto_keywords", false)
	v.SetDefault("session.context_turns", 5)

	v.SetDefault("storage.backend", backendSQLite)
	v.SetDefault("storage.sqlite_path", "counsel-sessions.db")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_ttl", 7*24*time.Hour)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "counsel")
}

// loadSettings decodes and validates the configuration held by v.
func loadSettings(v *viper.Viper) (settings, error) {
	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Buffer.Validate(); err != nil {
		return s, err
	}
	if s.Storage.SQLitePath == "" {
		s.Storage.SQLitePath = "counsel-sessions.db"
	}
	switch s.Storage.Backend {
	case backendSQLite, backendRedis, backendMemory:
	default:
		return s, fmt.Errorf("unknown storage backend %q (want sqlite, redis or memory)", s.Storage.Backend)
	}
	return s, nil
}

func (s settings) sessionConfig() session.Config {
	return session.Config{
		Buffer:        s.Buffer,
		IdleTTL:       s.Session.IdleTTL,
		SweepInterval: s.Session.SweepInterval,
		AutoKeywords:  s.Session.AutoKeywords,
	}
}

// newStore opens the configured snapshot backend.
func newStore(ctx context.Context, s storageSettings) (session.Store, error) {
	switch s.Backend {
	case backendRedis:
		return session.NewRedisStore(ctx, session.RedisOptions{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			TTL:      s.RedisTTL,
		})
	case backendMemory:
		return session.NewMemoryStore(), nil
	default:
		return session.NewSQLiteStore(s.SQLitePath)
	}
}

// newRegistry opens the store and builds a registry on top of it. The
// caller owns the registry and must Close it.
func newRegistry(ctx context.Context, s settings, opts ...session.RegistryOption) (*session.Registry, error) {
	store, err := newStore(ctx, s.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.Storage.Backend, err)
	}

	r, err := session.NewRegistry(s.sessionConfig(), append([]session.RegistryOption{session.WithStore(store)}, opts...)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return r, nil
}
