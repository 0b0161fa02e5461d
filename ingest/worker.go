package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nevindra/slackseek"
)

// Source is the slice of the chat client the worker needs. *slack.Client
// satisfies it.
type Source interface {
	GetChannel(ctx context.Context, channelID string) (slackseek.Channel, error)
	StreamHistory(ctx context.Context, channelID, oldest string, out chan<- slackseek.Message) error
	ThreadReplies(ctx context.Context, channelID, threadTS string) ([]slackseek.Message, error)
	Canvas(ctx context.Context, channelID string) (*slackseek.Canvas, error)
}

const (
	defaultConcurrency = 3
	defaultBufferSize  = 200
	defaultEmbedBatch  = 64
)

// ErrRunActive is returned by Run when another run holds the process lock.
var ErrRunActive = slackseek.Errorf(slackseek.KindInternal, "ingestion run already active")

// Worker drives the ingestion pipeline over a fixed set of channels.
type Worker struct {
	source   Source
	embedder slackseek.EmbeddingProvider
	store    slackseek.VectorStore
	state    *StateFile
	channels []string

	chunker     *slackseek.Chunker
	concurrency int
	bufferSize  int
	embedBatch  int
	runLog      RunLogger
	logger      *slog.Logger

	runMu sync.Mutex
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency bounds how many channels ingest in parallel. Default 3.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithBufferSize bounds the stream buffer between fetch and embed stages.
func WithBufferSize(n int) WorkerOption {
	return func(w *Worker) { w.bufferSize = n }
}

// WithEmbedBatch bounds how many chunk texts go to the embedder per call.
func WithEmbedBatch(n int) WorkerOption {
	return func(w *Worker) { w.embedBatch = n }
}

// WithChunker overrides the text chunker.
func WithChunker(c *slackseek.Chunker) WorkerOption {
	return func(w *Worker) { w.chunker = c }
}

// WithRunLogger routes run records to an operational sink. Sink failures are
// warnings, never fatal.
func WithRunLogger(l RunLogger) WorkerOption {
	return func(w *Worker) { w.runLog = l }
}

// WithWorkerLogger sets the logger. Default discards.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// NewWorker wires an ingestion worker over its collaborators.
func NewWorker(source Source, embedder slackseek.EmbeddingProvider, store slackseek.VectorStore,
	state *StateFile, channels []string, opts ...WorkerOption) *Worker {
	w := &Worker{
		source:      source,
		embedder:    embedder,
		store:       store,
		state:       state,
		channels:    channels,
		chunker:     slackseek.NewChunker(),
		concurrency: defaultConcurrency,
		bufferSize:  defaultBufferSize,
		embedBatch:  defaultEmbedBatch,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// runStats collects counters across channel goroutines.
type runStats struct {
	mu        sync.Mutex
	ok        []string
	failed    []string
	processed int
	embedded  int
	upserted  int
	errors    map[string]int
}

func (s *runStats) fail(channelID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, channelID)
	if s.errors == nil {
		s.errors = map[string]int{}
	}
	s.errors[string(slackseek.KindOf(err))]++
}

// Run executes one full ingestion pass over all configured channels.
// Channels fail independently; only fatal errors (bad credentials, embedding
// dimension mismatch) abort the whole run. Concurrent runs are rejected
// with ErrRunActive.
func (w *Worker) Run(ctx context.Context) (RunRecord, error) {
	if !w.runMu.TryLock() {
		return RunRecord{}, ErrRunActive
	}
	defer w.runMu.Unlock()

	runID, err := w.state.BeginRun()
	if err != nil {
		return RunRecord{}, err
	}
	start := time.Now()
	w.logger.Info("ingestion run starting", "run_id", runID, "channels", len(w.channels))

	stats := &runStats{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, channelID := range w.channels {
		g.Go(func() error {
			err := w.ingestChannel(gctx, channelID, stats)
			if err == nil {
				return nil
			}
			if isFatal(err) || gctx.Err() != nil {
				stats.fail(channelID, err)
				return err
			}
			// Transient: skip this channel for the run, retry next cycle.
			w.logger.Warn("channel skipped this run", "channel", channelID, "error", err)
			stats.fail(channelID, err)
			return nil
		})
	}
	runErr := g.Wait()

	if runErr == nil && len(stats.failed) == 0 {
		if err := w.state.CompleteFirstRun(); err != nil {
			w.logger.Warn("could not persist first-run flag", "error", err)
		}
	}

	end := time.Now()
	rec := RunRecord{
		RunID:             runID,
		Start:             start.UTC(),
		End:               end.UTC(),
		Duration:          end.Sub(start).Round(time.Millisecond).String(),
		ChannelsOK:        stats.ok,
		ChannelsFailed:    stats.failed,
		MessagesProcessed: stats.processed,
		MessagesEmbedded:  stats.embedded,
		VectorsUpserted:   stats.upserted,
		ErrorsByKind:      stats.errors,
	}
	if w.runLog != nil {
		if err := w.runLog.LogRun(context.WithoutCancel(ctx), rec); err != nil {
			w.logger.Warn("run log sink failed", "error", err)
		}
	}
	return rec, runErr
}

// ingestChannel runs the full pipeline for one channel: canvas, history
// stream, thread replies, embed, upsert, checkpoint.
func (w *Worker) ingestChannel(ctx context.Context, channelID string, stats *runStats) error {
	// An early return must unblock the streaming goroutine.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := w.source.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !ch.IsMember {
		w.logger.Warn("not a member of channel, skipping", "channel", channelID, "name", ch.Name)
		return nil
	}

	since := w.state.LastIngestedTS(channelID)
	b := &batcher{w: w, stats: stats}

	// The canvas is re-indexed every run; its synthetic ts never advances
	// the history checkpoint.
	if cv, err := w.source.Canvas(ctx, channelID); err != nil {
		w.logger.Warn("canvas fetch failed", "channel", channelID, "error", err)
	} else if cv != nil && cv.Body != "" {
		b.add(slackseek.Message{
			ChannelID:   ch.ID,
			ChannelName: ch.Name,
			TS:          cv.TS(),
			Text:        cv.Body,
			UserID:      cv.CreatorID,
			UserName:    cv.CreatorName,
			Kind:        slackseek.KindCanvas,
			Title:       cv.Title,
		}, false)
	}

	stream := make(chan slackseek.Message, w.bufferSize)
	streamErr := make(chan error, 1)
	go func() {
		defer close(stream)
		streamErr <- w.source.StreamHistory(ctx, channelID, since, stream)
	}()

	// History pages arrive newest-first. Collect the run's slice and replay
	// it oldest-first so upserts land in ascending ts order across embed
	// batches, not just within one.
	var history []slackseek.Message
	for msg := range stream {
		history = append(history, msg)
	}
	if err := <-streamErr; err != nil {
		return err
	}
	sort.Slice(history, func(i, j int) bool {
		return slackseek.CompareTS(history[i].TS, history[j].TS) < 0
	})

	for _, msg := range history {
		if msg.IsThreadRoot && msg.ReplyCount > 0 {
			replies, err := w.source.ThreadReplies(ctx, channelID, msg.TS)
			if err != nil {
				if isFatal(err) {
					return err
				}
				w.logger.Warn("thread fetch failed, indexing root alone",
					"channel", channelID, "ts", msg.TS, "error", err)
			}
			msg.Replies = replies
			b.add(msg, true)
			for _, r := range replies {
				b.add(r, true)
			}
		} else {
			b.add(msg, true)
		}

		if b.pendingTexts() >= w.embedBatch {
			if err := b.flush(ctx); err != nil {
				return err
			}
		}
	}
	if err := b.flush(ctx); err != nil {
		return err
	}

	if err := w.state.Checkpoint(channelID, b.maxTS, b.processed); err != nil {
		return err
	}
	stats.mu.Lock()
	stats.ok = append(stats.ok, channelID)
	stats.mu.Unlock()
	w.logger.Info("channel ingested",
		"channel", channelID, "name", ch.Name, "messages", b.processed, "since", since)
	return nil
}

// batcher accumulates messages until enough chunk texts exist to fill an
// embedding batch, then embeds and upserts them together.
type batcher struct {
	w     *Worker
	stats *runStats

	pending   []slackseek.Message
	texts     int
	maxTS     string // high-water mark among checkpointable messages
	processed int
}

func (b *batcher) add(m slackseek.Message, checkpoint bool) {
	if m.Text == "" {
		return
	}
	b.pending = append(b.pending, m)
	b.texts += max(1, len(b.w.chunker.Split(m.EmbeddingText())))
	if checkpoint && (b.maxTS == "" || slackseek.CompareTS(m.TS, b.maxTS) > 0) {
		b.maxTS = m.TS
	}
}

func (b *batcher) pendingTexts() int { return b.texts }

func (b *batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	msgs := b.pending
	b.pending = nil
	b.texts = 0

	// Upserts land in ascending ts order within the channel.
	sort.Slice(msgs, func(i, j int) bool {
		return slackseek.CompareTS(msgs[i].TS, msgs[j].TS) < 0
	})

	type chunkRef struct {
		msg   slackseek.Message
		text  string
		index int
		total int
	}
	var refs []chunkRef
	var texts []string
	for _, m := range msgs {
		chunks := b.w.chunker.Split(m.EmbeddingText())
		for i, chunk := range chunks {
			refs = append(refs, chunkRef{msg: m, text: chunk, index: i, total: len(chunks)})
			texts = append(texts, chunk)
		}
	}

	vectors := make([]slackseek.Vector, 0, len(refs))
	for start := 0; start < len(texts); start += b.w.embedBatch {
		end := min(start+b.w.embedBatch, len(texts))
		embedded, err := b.w.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return err
		}
		for i, values := range embedded {
			ref := refs[start+i]
			excerptSrc := ref.msg.Text
			if ref.total > 1 {
				excerptSrc = ref.text
			}
			vectors = append(vectors, slackseek.Vector{
				ID:       ref.msg.VectorID(ref.index, ref.total),
				Values:   values,
				Metadata: slackseek.MetadataFor(ref.msg, excerptSrc, ref.index, ref.total),
			})
		}
	}

	if err := b.w.store.Upsert(ctx, vectors); err != nil {
		return err
	}

	b.processed += len(msgs)
	b.stats.mu.Lock()
	b.stats.processed += len(msgs)
	b.stats.embedded += len(texts)
	b.stats.upserted += len(vectors)
	b.stats.mu.Unlock()
	return nil
}

// isFatal reports whether an error must abort the whole run rather than one
// channel.
func isFatal(err error) bool {
	switch slackseek.KindOf(err) {
	case slackseek.KindAuthUpstream, slackseek.KindDimensionMismatch, slackseek.KindConfig:
		return true
	}
	return false
}
