package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nevindra/slackseek"
)

func tempState(t *testing.T) *StateFile {
	t.Helper()
	s, err := OpenState(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestOpenState_FreshFile(t *testing.T) {
	s := tempState(t)
	snap := s.Snapshot()
	if snap.RunID != 0 || snap.FirstRunCompleted || len(snap.Channels) != 0 {
		t.Errorf("fresh state = %+v", snap)
	}
}

func TestState_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenState(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.BeginRun(); err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoint("C1", "1712345678.000300", 42); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteFirstRun(); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenState(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := s2.Snapshot()
	if snap.RunID != 1 || !snap.FirstRunCompleted {
		t.Errorf("reloaded = %+v", snap)
	}
	cs := snap.Channels["C1"]
	if cs.LastIngestedTS != "1712345678.000300" || cs.MessageCount != 42 {
		t.Errorf("channel state = %+v", cs)
	}
	if cs.LastSuccessAt.IsZero() {
		t.Error("last success time not recorded")
	}
}

func TestCheckpoint_Monotonic(t *testing.T) {
	s := tempState(t)
	if err := s.Checkpoint("C1", "200.000000", 1); err != nil {
		t.Fatal(err)
	}
	// A stale ts must not move the mark backwards.
	if err := s.Checkpoint("C1", "100.000000", 1); err != nil {
		t.Fatal(err)
	}
	if got := s.LastIngestedTS("C1"); got != "200.000000" {
		t.Errorf("checkpoint = %q, want 200.000000", got)
	}
	if got := s.Snapshot().Channels["C1"].MessageCount; got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}
}

func TestCheckpoint_EmptyTSKeepsMark(t *testing.T) {
	s := tempState(t)
	if err := s.Checkpoint("C1", "300.000000", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoint("C1", "", 0); err != nil {
		t.Fatal(err)
	}
	if got := s.LastIngestedTS("C1"); got != "300.000000" {
		t.Errorf("checkpoint = %q", got)
	}
}

func TestBeginRun_Increments(t *testing.T) {
	s := tempState(t)
	for want := 1; want <= 3; want++ {
		got, err := s.BeginRun()
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("run id = %d, want %d", got, want)
		}
	}
}

func TestOpenState_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"run_id": 3, "channels`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := OpenState(path)
	if slackseek.KindOf(err) != slackseek.KindPersistence {
		t.Fatalf("KindOf = %s, want %s", slackseek.KindOf(err), slackseek.KindPersistence)
	}
}

func TestState_WriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := OpenState(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoint("C1", "1.000000", 1); err != nil {
		t.Fatal(err)
	}

	// No temp residue after a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
