package window

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidConfig is returned by New for unusable budget parameters.
var ErrInvalidConfig = errors.New("invalid context buffer configuration")

// Config holds the token budget of a buffer.
type Config struct {
	// MaxTokens is the hard token ceiling, system prompt included.
	MaxTokens int `json:"max_tokens" mapstructure:"max_tokens"`

	// AvgCharsPerToken drives the default length-based estimator.
	AvgCharsPerToken int `json:"avg_chars_per_token" mapstructure:"avg_chars_per_token"`

	// PreserveSystemPrompt reserves ReservedSystemTokens out of MaxTokens.
	PreserveSystemPrompt bool `json:"preserve_system_prompt" mapstructure:"preserve_system_prompt"`

	// ReservedSystemTokens is the system prompt allowance.
	ReservedSystemTokens int `json:"reserved_system_tokens" mapstructure:"reserved_system_tokens"`

	// Estimator overrides CharEstimator(AvgCharsPerToken) when set.
	Estimator Estimator `json:"-" mapstructure:"-"`
}

// DefaultConfig returns a 128K-token budget with a 200-token system
// prompt reserve and 4 characters per token.
func DefaultConfig() Config {
	return Config{
		MaxTokens:            128000,
		AvgCharsPerToken:     4,
		PreserveSystemPrompt: true,
		ReservedSystemTokens: 200,
	}
}

// Validate checks the budget parameters.
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	if c.AvgCharsPerToken <= 0 {
		return fmt.Errorf("%w: avg_chars_per_token must be positive, got %d", ErrInvalidConfig, c.AvgCharsPerToken)
	}
	if c.ReservedSystemTokens < 0 {
		return fmt.Errorf("%w: reserved_system_tokens must not be negative, got %d", ErrInvalidConfig, c.ReservedSystemTokens)
	}
	return nil
}

// AvailableTokens is the budget left for dialogue history.
func (c Config) AvailableTokens() int {
	available := c.MaxTokens
	if c.PreserveSystemPrompt {
		available -= c.ReservedSystemTokens
	}
	return available
}

// Hooks receive the outcome of budget enforcement. Nil fields are skipped.
// Hooks run while the buffer's write lock is held and must not call back
// into the buffer.
type Hooks struct {
	OnEvict   func(removed int)
	OnCompact func(folded int)
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger used for eviction and compaction events.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides time.Now for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// WithHooks registers enforcement callbacks.
func WithHooks(h Hooks) Option {
	return func(b *Buffer) {
		b.hooks = h
	}
}

// Buffer is a token-budgeted window of dialogue turns for one
// conversation. Mutations are serialized; reads may run concurrently
// with each other and always observe a consistent sequence.
type Buffer struct {
	mu       sync.RWMutex
	cfg      Config
	estimate Estimator
	store    turnStore

	now    func() time.Time
	logger *zap.Logger
	hooks  Hooks
}

// New creates an empty buffer. It fails only on invalid configuration.
func New(cfg Config, opts ...Option) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Buffer{
		cfg:      cfg,
		estimate: cfg.Estimator,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	if b.estimate == nil {
		b.estimate = CharEstimator(cfg.AvgCharsPerToken)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Config returns the buffer's configuration.
func (b *Buffer) Config() Config {
	return b.cfg
}

// AddTurn appends a turn and brings the buffer back under budget.
func (b *Buffer) AddTurn(in TurnInput) {
	turn := Turn{
		UserText:         in.UserText,
		AgentText:        in.AgentText,
		CreatedAt:        b.now(),
		EmotionIntensity: clampUnit(in.EmotionIntensity),
		Keywords:         cloneKeywords(in.Keywords),
	}
	turn.Importance = Score(turn)

	b.mu.Lock()
	defer b.mu.Unlock()

	added := b.store.append(turn)
	b.logger.Debug("turn added",
		zap.Int("turn_id", added.ID),
		zap.Int("turns", b.store.len()),
		zap.Float64("importance", added.Importance),
	)

	b.reconcile()
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.store.clear()
	b.logger.Info("context cleared")
}

// Turns returns a copy of the current sequence.
func (b *Buffer) Turns() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.snapshot(0)
}

// Len returns the number of turns held, summary included.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.len()
}

// Load replaces the sequence with a previously captured snapshot. Stored
// importance scores and timestamps are kept; a summary turn found past
// position 0 is dropped and ids are renumbered.
func (b *Buffer) Load(turns []Turn) {
	restored := make([]Turn, 0, len(turns))
	for i, t := range turns {
		if t.IsSummary() && i != 0 {
			continue
		}
		restored = append(restored, t.clone())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.store.replace(restored)
	b.store.renumber()
}
