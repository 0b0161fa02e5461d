// Package ingest runs the scheduled pipeline that pulls Slack history into
// the vector index: stream, normalize, embed, upsert, checkpoint. State is a
// single JSON file written atomically, so an interrupted run resumes from
// the last completed channel batch.
package ingest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nevindra/slackseek"
)

// ChannelState is one channel's checkpoint.
type ChannelState struct {
	LastIngestedTS string    `json:"last_ingested_ts"`
	LastSuccessAt  time.Time `json:"last_success_at"`
	MessageCount   int       `json:"message_count"`
}

// State is the persisted ingestion state document.
type State struct {
	RunID             int                     `json:"run_id"`
	Channels          map[string]ChannelState `json:"channels"`
	FirstRunCompleted bool                    `json:"first_run_completed"`
}

// StateFile owns the on-disk state. All mutations persist before returning,
// via write-temp-then-rename, so the file is never observed half-written.
type StateFile struct {
	path string

	mu    sync.Mutex
	state State
}

// OpenState loads the state at path, starting fresh when the file does not
// exist. A corrupt file is an error rather than a silent reset: losing
// checkpoints would re-ingest everything.
func OpenState(path string) (*StateFile, error) {
	s := &StateFile{
		path:  path,
		state: State{Channels: map[string]ChannelState{}},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return nil, slackseek.Errorf(slackseek.KindPersistence, "state file %s is corrupt: %v", path, err)
	}
	if s.state.Channels == nil {
		s.state.Channels = map[string]ChannelState{}
	}
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *StateFile) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Channels = make(map[string]ChannelState, len(s.state.Channels))
	for k, v := range s.state.Channels {
		out.Channels[k] = v
	}
	return out
}

// LastIngestedTS returns the channel's checkpoint, empty when the channel
// has never completed a batch.
func (s *StateFile) LastIngestedTS(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Channels[channelID].LastIngestedTS
}

// BeginRun increments and persists the run id, returning the new value.
func (s *StateFile) BeginRun() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RunID++
	if err := s.writeLocked(); err != nil {
		s.state.RunID--
		return 0, err
	}
	return s.state.RunID, nil
}

// Checkpoint advances a channel's high-water mark and persists. The mark
// only moves forward: a stale ts (re-ingestion overlap, clock replay) keeps
// the existing checkpoint and still records the success time.
func (s *StateFile) Checkpoint(channelID, ts string, messageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.state.Channels[channelID]
	if ts != "" && (cs.LastIngestedTS == "" || slackseek.CompareTS(ts, cs.LastIngestedTS) > 0) {
		cs.LastIngestedTS = ts
	}
	cs.LastSuccessAt = time.Now().UTC()
	cs.MessageCount += messageCount
	s.state.Channels[channelID] = cs

	return s.writeLocked()
}

// CompleteFirstRun marks the initial full ingestion as done.
func (s *StateFile) CompleteFirstRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.FirstRunCompleted {
		return nil
	}
	s.state.FirstRunCompleted = true
	return s.writeLocked()
}

// writeLocked persists atomically. Caller holds mu.
func (s *StateFile) writeLocked() error {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return slackseek.Errorf(slackseek.KindPersistence, "marshal state: %v", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return slackseek.Errorf(slackseek.KindPersistence, "create state dir: %v", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return slackseek.Errorf(slackseek.KindPersistence, "create temp state: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return slackseek.Errorf(slackseek.KindPersistence, "write state: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return slackseek.Errorf(slackseek.KindPersistence, "sync state: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return slackseek.Errorf(slackseek.KindPersistence, "close temp state: %v", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return slackseek.Errorf(slackseek.KindPersistence, "replace state: %v", err)
	}
	return nil
}
