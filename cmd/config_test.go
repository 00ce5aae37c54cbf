package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TalG1018/PsyCounselor/pkg/session"
	"github.com/TalG1018/PsyCounselor/pkg/window"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := loadSettings(newTestViper())
	require.NoError(t, err)

	assert.Equal(t, window.DefaultConfig(), s.Buffer)
	assert.Equal(t, 30*time.Minute, s.Session.IdleTTL)
	assert.Equal(t, time.Minute, s.Session.SweepInterval)
	assert.False(t, s.Session.AutoKeywords)
	assert.Equal(t, 5, s.Session.ContextTurns)
	assert.Equal(t, backendSQLite, s.Storage.Backend)
	assert.Equal(t, "counsel-sessions.db", s.Storage.SQLitePath)
	assert.Equal(t, ":8080", s.Server.Addr)
	assert.Equal(t, "info", s.Log.Level)
	assert.False(t, s.Telemetry.Enabled)

	cfg := s.sessionConfig()
	assert.Equal(t, s.Buffer, cfg.Buffer)
	assert.Equal(t, s.Session.IdleTTL, cfg.IdleTTL)
}

func TestLoadSettings_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counsel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
buffer:
  max_tokens: 4000
  reserved_system_tokens: 500
session:
  idle_ttl: 5m
  auto_keywords: true
  context_turns: 8
storage:
  backend: memory
`), 0o600))

	v := newTestViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	s, err := loadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, 4000, s.Buffer.MaxTokens)
	assert.Equal(t, 500, s.Buffer.ReservedSystemTokens)
	assert.Equal(t, 4, s.Buffer.AvgCharsPerToken)
	assert.Equal(t, 3500, s.Buffer.AvailableTokens())
	assert.Equal(t, 5*time.Minute, s.Session.IdleTTL)
	assert.True(t, s.Session.AutoKeywords)
	assert.Equal(t, 8, s.Session.ContextTurns)
	assert.Equal(t, backendMemory, s.Storage.Backend)
}

func TestLoadSettings_Invalid(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		v := newTestViper()
		v.Set("storage.backend", "postgres")
		_, err := loadSettings(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres")
	})

	t.Run("zero budget", func(t *testing.T) {
		v := newTestViper()
		v.Set("buffer.max_tokens", 0)
		_, err := loadSettings(v)
		require.Error(t, err)
		assert.True(t, errors.Is(err, window.ErrInvalidConfig))
	})

	t.Run("zero chars per token", func(t *testing.T) {
		v := newTestViper()
		v.Set("buffer.avg_chars_per_token", 0)
		_, err := loadSettings(v)
		assert.True(t, errors.Is(err, window.ErrInvalidConfig))
	})
}

func TestNewStore_Backends(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		st, err := newStore(ctx, storageSettings{
			Backend:    backendSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "sessions.db"),
		})
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &session.SQLiteStore{}, st)
	})

	t.Run("memory", func(t *testing.T) {
		st, err := newStore(ctx, storageSettings{Backend: backendMemory})
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &session.MemoryStore{}, st)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		st, err := newStore(ctx, storageSettings{Backend: backendRedis, RedisAddr: mr.Addr(), RedisTTL: time.Hour})
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &session.RedisStore{}, st)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		_, err := newStore(ctx, storageSettings{Backend: backendRedis, RedisAddr: "127.0.0.1:1"})
		assert.Error(t, err)
	})
}

func TestNewRegistry_UsesConfiguredStore(t *testing.T) {
	ctx := context.Background()
	v := newTestViper()
	v.Set("storage.sqlite_path", filepath.Join(t.TempDir(), "sessions.db"))
	s, err := loadSettings(v)
	require.NoError(t, err)

	r, err := newRegistry(ctx, s)
	require.NoError(t, err)
	_, err = r.AddTurn(ctx, "u1", window.TurnInput{UserText: "hello"})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r2, err := newRegistry(ctx, s)
	require.NoError(t, err)
	defer r2.Close()
	turns, err := r2.Turns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].UserText)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := newLogger("debug", format)
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}

	_, err := newLogger("loud", "json")
	assert.Error(t, err)
}
