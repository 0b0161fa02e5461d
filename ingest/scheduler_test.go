package ingest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/slackseek"
)

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}

func schedulerFixture(t *testing.T, src *fakeSource) (*Scheduler, *StateFile) {
	t.Helper()
	state, err := OpenState(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	channels := make([]string, 0, len(src.channels))
	for id := range src.channels {
		channels = append(channels, id)
	}
	w := NewWorker(src, &recordingEmbedder{}, &recordingStore{}, state, channels)
	return NewScheduler(w, 50*time.Millisecond), state
}

func TestScheduler_RunsAtStartupAndOnTick(t *testing.T) {
	src := &fakeSource{
		channels: map[string]slackseek.Channel{"C1": {ID: "C1", Name: "general", IsMember: true}},
		history:  map[string][]slackseek.Message{"C1": {msg("C1", "1.000000", "U1", "hello world there")}},
	}
	s, state := schedulerFixture(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Startup run plus at least two ticks.
	if got := state.Snapshot().RunID; got < 3 {
		t.Errorf("run id = %d, want >= 3", got)
	}
}

func TestScheduler_TriggerCoalesces(t *testing.T) {
	s, _ := schedulerFixture(t, &fakeSource{channels: map[string]slackseek.Channel{}})

	// Many triggers before the loop drains them collapse to one pending.
	for range 10 {
		s.Trigger()
	}
	if len(s.kick) != 1 {
		t.Errorf("pending triggers = %d, want 1", len(s.kick))
	}
}

func TestScheduler_StopsOnAuthFailure(t *testing.T) {
	src := &fakeSource{
		channels: map[string]slackseek.Channel{"C1": {ID: "C1", Name: "general", IsMember: true}},
		errs:     map[string]error{"C1": slackseek.Errorf(slackseek.KindAuthUpstream, "invalid_auth")},
		history:  map[string][]slackseek.Message{},
	}
	s, _ := schedulerFixture(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Start(ctx)
	if slackseek.KindOf(err) != slackseek.KindAuthUpstream {
		t.Fatalf("KindOf = %s, want %s", slackseek.KindOf(err), slackseek.KindAuthUpstream)
	}
	if ctx.Err() != nil {
		t.Error("scheduler ran out the clock instead of stopping")
	}
}

func TestScheduler_TransientFailureKeepsRunning(t *testing.T) {
	src := &fakeSource{
		channels: map[string]slackseek.Channel{"C1": {ID: "C1", Name: "general", IsMember: true}},
		errs:     map[string]error{"C1": slackseek.Errorf(slackseek.KindTimeout, "slow upstream")},
		history:  map[string][]slackseek.Message{},
	}
	s, state := schedulerFixture(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("transient failure stopped the scheduler: %v", err)
	}
	if got := state.Snapshot().RunID; got < 2 {
		t.Errorf("run id = %d, want retries to continue", got)
	}
}
