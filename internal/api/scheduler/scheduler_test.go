package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type mockStore struct {
	mu           sync.Mutex
	clearCalls   []time.Time
	purgeCutoffs []time.Time
	clearErr     error
	purgeErr     error
}

func (m *mockStore) ClearExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalls = append(m.clearCalls, now)
	if m.clearErr != nil {
		return 0, m.clearErr
	}
	return 2, nil
}

func (m *mockStore) PurgeUnverified(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeCutoffs = append(m.purgeCutoffs, cutoff)
	if m.purgeErr != nil {
		return 0, m.purgeErr
	}
	return 1, nil
}

func (m *mockStore) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clearCalls), len(m.purgeCutoffs)
}

func (m *mockStore) firstCutoff() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeCutoffs[0]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweep_CallsBothStages(t *testing.T) {
	store := &mockStore{}
	s := New(store, discardLogger(), time.Hour, 7*24*time.Hour)

	before := time.Now()
	s.Sweep(context.Background())

	clears, purges := store.counts()
	if clears != 1 || purges != 1 {
		t.Fatalf("expected one call per stage, got clear=%d purge=%d", clears, purges)
	}

	// The purge cutoff sits staleAfter behind the sweep instant.
	cutoff := store.firstCutoff()
	wantEarliest := before.Add(-7 * 24 * time.Hour)
	wantLatest := time.Now().Add(-7 * 24 * time.Hour)
	if cutoff.Before(wantEarliest) || cutoff.After(wantLatest) {
		t.Errorf("cutoff %v not 7 days behind sweep time", cutoff)
	}
}

func TestSweep_StageErrorDoesNotSkipOtherStage(t *testing.T) {
	store := &mockStore{clearErr: errors.New("db down")}
	s := New(store, discardLogger(), time.Hour, 24*time.Hour)

	s.Sweep(context.Background())

	if _, purges := store.counts(); purges != 1 {
		t.Errorf("purge stage must still run after a clear failure, got %d calls", purges)
	}
}

func TestRun_SweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	store := &mockStore{}
	s := New(store, discardLogger(), time.Hour, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// The first sweep happens before the first tick.
	deadline := time.After(2 * time.Second)
	for {
		if clears, _ := store.counts(); clears >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no sweep before the first tick")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(&mockStore{}, discardLogger(), 0, 0)
	if s.interval != time.Hour {
		t.Errorf("expected default interval 1h, got %v", s.interval)
	}
	if s.staleAfter != 7*24*time.Hour {
		t.Errorf("expected default staleAfter 168h, got %v", s.staleAfter)
	}
}
