package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRunOnce(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = time.Minute
	r, clock := newTestRegistry(t, cfg)

	_, err := r.Stats(context.Background(), "u1")
	require.NoError(t, err)

	s := NewSweeper(r)
	assert.Zero(t, s.RunOnce())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.RunOnce())
	assert.Zero(t, r.Len())
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	r, _ := newTestRegistry(t, cfg)
	s := NewSweeper(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperStop(t *testing.T) {
	r, _ := newTestRegistry(t, testConfig())
	s := NewSweeper(r)
	s.Start()
	s.Stop()
	s.Stop()
}
