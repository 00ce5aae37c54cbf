package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/TalG1018/PsyCounselor/pkg/window"
)

const tracerName = "github.com/TalG1018/PsyCounselor/pkg/session"

// entry is a resident session.
type entry struct {
	mu        sync.Mutex // serializes mutate-then-persist
	buf       *window.Buffer
	createdAt time.Time
	lastUsed  time.Time // guarded by Registry.mu

	// retired is set under mu once the entry has left the map, by Delete
	// or expiry. A retired entry is never mutated or persisted again.
	retired bool
}

// Registry maps session ids to context buffers. Safe for concurrent use.
// The map lock is never held while a buffer runs or a store is called.
type Registry struct {
	cfg      Config
	store    Store
	logger   *zap.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStore persists snapshots to s. Without a store, sessions live only
// in memory.
func WithStore(s Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder reports activity to rec.
func WithRecorder(rec Recorder) RegistryOption {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(r *Registry) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithClock overrides time.Now for timestamps and idle tracking.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry. The buffer budget is validated
// up front so that session creation cannot fail on configuration.
func NewRegistry(cfg Config, opts ...RegistryOption) (*Registry, error) {
	if err := cfg.Buffer.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:      cfg,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the registry configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// AddTurn appends a turn to the session, creating it on first use, and
// persists the resulting snapshot. The returned stats reflect the turn even
// when persisting fails; that error wraps ErrNotPersisted.
func (r *Registry) AddTurn(ctx context.Context, sessionID string, in window.TurnInput) (window.Stats, error) {
	ctx, span := r.startSpan(ctx, "session.AddTurn", sessionID)
	defer span.End()

	if len(in.Keywords) == 0 && r.cfg.AutoKeywords {
		in.Keywords = TopicKeywords(in.UserText + "\n" + in.AgentText)
	}

	e, err := r.lockLive(ctx, sessionID)
	if err != nil {
		return window.Stats{}, fail(span, err)
	}
	defer e.mu.Unlock()

	e.buf.AddTurn(in)
	stats := e.buf.Statistics()
	r.recorder.TurnAdded(stats)
	span.SetAttributes(
		attribute.Int("session.turns", stats.TotalTurns),
		attribute.Int("session.tokens", stats.TotalTokens),
	)

	if err := r.persist(ctx, sessionID, e); err != nil {
		return stats, fail(span, err)
	}
	return stats, nil
}

// Context renders the session's last maxTurns turns; maxTurns <= 0
// renders all of them.
func (r *Registry) Context(ctx context.Context, sessionID string, maxTurns int) (string, error) {
	ctx, span := r.startSpan(ctx, "session.Context", sessionID)
	defer span.End()

	e, err := r.acquire(ctx, sessionID)
	if err != nil {
		return "", fail(span, err)
	}
	return e.buf.FormattedContext(maxTurns), nil
}

// Stats returns the session's budget statistics.
func (r *Registry) Stats(ctx context.Context, sessionID string) (window.Stats, error) {
	ctx, span := r.startSpan(ctx, "session.Stats", sessionID)
	defer span.End()

	e, err := r.acquire(ctx, sessionID)
	if err != nil {
		return window.Stats{}, fail(span, err)
	}
	return e.buf.Statistics(), nil
}

// Turns returns a copy of the session's turns.
func (r *Registry) Turns(ctx context.Context, sessionID string) ([]window.Turn, error) {
	ctx, span := r.startSpan(ctx, "session.Turns", sessionID)
	defer span.End()

	e, err := r.acquire(ctx, sessionID)
	if err != nil {
		return nil, fail(span, err)
	}
	return e.buf.Turns(), nil
}

// Clear empties the session's buffer and persists the empty snapshot.
func (r *Registry) Clear(ctx context.Context, sessionID string) error {
	ctx, span := r.startSpan(ctx, "session.Clear", sessionID)
	defer span.End()

	e, err := r.lockLive(ctx, sessionID)
	if err != nil {
		return fail(span, err)
	}
	defer e.mu.Unlock()

	e.buf.Clear()
	if err := r.persist(ctx, sessionID, e); err != nil {
		return fail(span, err)
	}
	return nil
}

// Delete disposes of the session's buffer and its snapshot.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	ctx, span := r.startSpan(ctx, "session.Delete", sessionID)
	defer span.End()

	if err := validateID(sessionID); err != nil {
		return fail(span, err)
	}

	r.mu.Lock()
	e, resident := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	active := len(r.sessions)
	r.mu.Unlock()

	if resident {
		r.recorder.ActiveSessions(active)

		// Wait out any in-flight write so it cannot save the snapshot
		// back after the store delete below.
		e.mu.Lock()
		e.retired = true
		defer e.mu.Unlock()
	}

	if r.store == nil {
		if !resident {
			return fail(span, ErrSessionNotFound)
		}
	} else if err := r.store.Delete(ctx, sessionID); err != nil {
		if !errors.Is(err, ErrSessionNotFound) || !resident {
			return fail(span, err)
		}
	}

	r.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// List returns every known session, resident or stored, ordered by id.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	ctx, span := r.startSpan(ctx, "session.List", "")
	defer span.End()

	infos := make(map[string]Info)
	if r.store != nil {
		stored, err := r.store.List(ctx)
		if err != nil {
			return nil, fail(span, fmt.Errorf("list stored sessions: %w", err))
		}
		for _, info := range stored {
			infos[info.SessionID] = info
		}
	}

	type resident struct {
		id       string
		e        *entry
		lastUsed time.Time
	}
	r.mu.Lock()
	live := make([]resident, 0, len(r.sessions))
	for id, e := range r.sessions {
		live = append(live, resident{id: id, e: e, lastUsed: e.lastUsed})
	}
	r.mu.Unlock()

	for _, l := range live {
		infos[l.id] = Info{
			SessionID: l.id,
			Turns:     l.e.buf.Len(),
			UpdatedAt: l.lastUsed,
			Resident:  true,
		}
	}

	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	span.SetAttributes(attribute.Int("session.count", len(out)))
	return out, nil
}

// ExpireIdle drops buffers unused since now minus IdleTTL from memory.
// Their snapshots stay in the store and are restored on next use. Returns
// the number of sessions expired.
func (r *Registry) ExpireIdle(now time.Time) int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.IdleTTL)

	var expired []string
	r.mu.Lock()
	for id, e := range r.sessions {
		if !e.lastUsed.Before(cutoff) {
			continue
		}
		// A locked entry is mid-write, so not idle.
		if !e.mu.TryLock() {
			continue
		}
		e.retired = true
		e.mu.Unlock()
		delete(r.sessions, id)
		expired = append(expired, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	if len(expired) > 0 {
		sort.Strings(expired)
		r.recorder.ActiveSessions(active)
		r.logger.Info("expired idle sessions",
			zap.Int("count", len(expired)),
			zap.Strings("session_ids", expired),
		)
	}
	return len(expired)
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}

// acquire returns the resident session, restoring or creating it first.
func (r *Registry) acquire(ctx context.Context, sessionID string) (*entry, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	now := r.now()

	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.lastUsed = now
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	var snap *Snapshot
	if r.store != nil {
		s, err := r.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			snap = s
		case errors.Is(err, ErrSessionNotFound):
		default:
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
	}

	e, err := r.newEntry(sessionID, snap, now)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have restored the same session meanwhile.
	if existing, ok := r.sessions[sessionID]; ok {
		existing.lastUsed = now
		return existing, nil
	}
	r.sessions[sessionID] = e
	r.recorder.ActiveSessions(len(r.sessions))

	if snap != nil {
		r.logger.Debug("session restored",
			zap.String("session_id", sessionID),
			zap.Int("turns", len(snap.Turns)),
		)
	} else {
		r.logger.Debug("session created", zap.String("session_id", sessionID))
	}
	return e, nil
}

// lockLive acquires the session and locks it for a write. An entry retired
// while the caller waited for its lock is dropped and the session acquired
// again, so writes never land on a deleted or expired buffer.
func (r *Registry) lockLive(ctx context.Context, sessionID string) (*entry, error) {
	for {
		e, err := r.acquire(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.retired {
			return e, nil
		}
		e.mu.Unlock()
	}
}

func (r *Registry) newEntry(sessionID string, snap *Snapshot, now time.Time) (*entry, error) {
	buf, err := window.New(r.cfg.Buffer,
		window.WithLogger(r.logger.With(zap.String("session_id", sessionID))),
		window.WithClock(r.now),
		window.WithHooks(window.Hooks{
			OnEvict:   r.recorder.TurnsEvicted,
			OnCompact: r.recorder.Compacted,
		}),
	)
	if err != nil {
		return nil, err
	}

	e := &entry{buf: buf, createdAt: now, lastUsed: now}
	if snap != nil {
		buf.Load(snap.Turns)
		if !snap.CreatedAt.IsZero() {
			e.createdAt = snap.CreatedAt
		}
	}
	return e, nil
}

// persist saves the session's snapshot. Caller must hold e.mu.
func (r *Registry) persist(ctx context.Context, sessionID string, e *entry) error {
	if r.store == nil {
		return nil
	}

	snap := Snapshot{
		SessionID: sessionID,
		Turns:     e.buf.Turns(),
		CreatedAt: e.createdAt,
		UpdatedAt: r.now(),
	}
	if err := r.store.Save(ctx, snap); err != nil {
		r.logger.Warn("failed to persist session",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return fmt.Errorf("save session %s: %w: %w", sessionID, ErrNotPersisted, err)
	}
	return nil
}

func (r *Registry) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	if sessionID == "" {
		return r.tracer.Start(ctx, name)
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("session.id", sessionID)))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
