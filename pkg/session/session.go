// Package session owns one context buffer per conversation. Buffers are
// created on first use, restored from a snapshot store when one exists,
// persisted after every mutation and dropped from memory once idle.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/TalG1018/PsyCounselor/pkg/window"
)

// Common errors.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrStoreClosed      = errors.New("session store closed")

	// ErrNotPersisted means the change was applied to the resident
	// buffer but its snapshot could not be saved. Retrying repeats it.
	ErrNotPersisted = errors.New("change applied but not persisted")
)

// Snapshot is the durable form of a session's buffer.
type Snapshot struct {
	SessionID string        `json:"session_id"`
	Turns     []window.Turn `json:"turns"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Info describes a known session.
type Info struct {
	SessionID string    `json:"session_id"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
	Resident  bool      `json:"resident"` // buffer currently held in memory
}

// Store persists session snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	// Load returns ErrSessionNotFound for unknown ids.
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	// Delete returns ErrSessionNotFound for unknown ids.
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]Info, error)
	Close() error
}

// Recorder receives registry activity, typically a metrics collector.
type Recorder interface {
	TurnAdded(stats window.Stats)
	TurnsEvicted(n int)
	Compacted(folded int)
	ActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) TurnAdded(window.Stats) {}
func (nopRecorder) TurnsEvicted(int)       {}
func (nopRecorder) Compacted(int)          {}
func (nopRecorder) ActiveSessions(int)     {}

// Config holds registry configuration.
type Config struct {
	// Buffer is the budget given to every new session.
	Buffer window.Config

	// IdleTTL is how long an unused buffer stays in memory. Zero keeps
	// buffers until they are deleted. Snapshots are not affected.
	IdleTTL time.Duration

	// SweepInterval is how often the Sweeper expires idle buffers.
	SweepInterval time.Duration

	// AutoKeywords tags turns that arrive without keywords using the
	// built-in topic lexicon.
	AutoKeywords bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:        window.DefaultConfig(),
		IdleTTL:       30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

const maxSessionIDLen = 256

func validateID(sessionID string) error {
	if sessionID == "" || len(sessionID) > maxSessionIDLen {
		return ErrInvalidSessionID
	}
	return nil
}
