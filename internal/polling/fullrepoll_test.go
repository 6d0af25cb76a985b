package polling

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	notes map[string][]string
}

func (f *fakeLister) ListActiveNotes(ctx context.Context, sdID string) ([]string, error) {
	return f.notes[sdID], nil
}

func TestFullRepollTimer_DisabledWhenIntervalZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FullRepollInterval = 0

	g, _ := testGroup(t, cfg, nil)
	timer := NewFullRepollTimer(g, &fakeLister{}, cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	require.NoError(t, timer.Run(context.Background()))
}

func TestFullRepollTimer_SweepEnqueuesEveryActiveNote(t *testing.T) {
	cfg := DefaultConfig()
	g, _ := testGroup(t, cfg, nil)
	g.RegisterSD("sd1", "/tmp/sd1")

	lister := &fakeLister{notes: map[string][]string{"sd1": {"n1", "n2"}}}
	timer := NewFullRepollTimer(g, lister, cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	timer.sweep(context.Background())

	g.mu.Lock()
	_, n1 := g.index[entryKey{sdID: "sd1", noteID: "n1"}]
	_, n2 := g.index[entryKey{sdID: "sd1", noteID: "n2"}]
	g.mu.Unlock()

	assert.True(t, n1)
	assert.True(t, n2)
}

func TestFullRepollTimer_RunFiresOnInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FullRepollInterval = 5 * time.Millisecond

	g, _ := testGroup(t, cfg, nil)
	g.RegisterSD("sd1", "/tmp/sd1")

	lister := &fakeLister{notes: map[string][]string{"sd1": {"n1"}}}
	timer := NewFullRepollTimer(g, lister, cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := timer.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g.mu.Lock()
	_, queued := g.index[entryKey{sdID: "sd1", noteID: "n1"}]
	g.mu.Unlock()
	assert.True(t, queued)
}
